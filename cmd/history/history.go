// Package history implements the history command.
package history

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/deploybot/deploybot/app"
	"github.com/deploybot/deploybot/cmd/output"
	"github.com/deploybot/deploybot/config"
	"github.com/deploybot/deploybot/repository"
)

func NewCmdHistory(loadConfig func() *config.Config) *cobra.Command {
	var (
		target string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded deployments, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(loadConfig(), app.Options{})
			if err != nil {
				return fmt.Errorf("failed to initialize application: %w", err)
			}
			defer func() {
				_ = a.Shutdown(context.Background(), "cli")
			}()
			return runHistory(cmd.Context(), a, cmd.OutOrStdout(), target, limit)
		},
	}

	cmd.Flags().StringVarP(&target, "target", "t", "", "Only show deployments of this target")
	cmd.Flags().IntVarP(&limit, "limit", "n", repository.DefaultListLimit, "Maximum number of deployments to show")
	return cmd
}

func runHistory(ctx context.Context, a *app.App, w io.Writer, target string, limit int) error {
	if limit <= 0 {
		return fmt.Errorf("limit must be positive, got %d", limit)
	}

	entries, err := a.History.List(ctx, target, limit)
	if err != nil {
		return fmt.Errorf("failed to list history: %w", err)
	}

	out, err := output.PrintHistory(entries)
	if err != nil {
		return err
	}
	_, err = fmt.Fprint(w, out)
	return err
}
