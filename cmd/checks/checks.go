// Package checks implements the checks command.
package checks

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/deploybot/deploybot/app"
	"github.com/deploybot/deploybot/cmd/output"
	"github.com/deploybot/deploybot/config"
)

func NewCmdChecks(loadConfig func() *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checks",
		Short: "Show the CI check status of the deployed repositories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(loadConfig(), app.Options{})
			if err != nil {
				return fmt.Errorf("failed to initialize application: %w", err)
			}
			defer func() {
				_ = a.Shutdown(context.Background(), "cli")
			}()
			return runChecks(cmd.Context(), a, cmd.OutOrStdout())
		},
	}
	return cmd
}

func runChecks(ctx context.Context, a *app.App, w io.Writer) error {
	round, err := a.CheckStatus(ctx)
	if err != nil {
		return fmt.Errorf("failed to query checks: %w", err)
	}

	out, err := output.PrintRound(round)
	if err != nil {
		return err
	}
	_, err = fmt.Fprint(w, out)
	return err
}
