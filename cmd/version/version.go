// Package version provides the version command for deploybot.
package version

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/deploybot/deploybot/app"
)

// NewCmdVersion creates the version command
func NewCmdVersion() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long:  `Display version information for deploybot.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVersion(cmd.OutOrStdout())
		},
	}

	return cmd
}

func runVersion(w io.Writer) error {
	_, err := fmt.Fprintln(w, app.Version)
	return err
}
