// Package root implements the command line interface for deploybot.
package root

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/deploybot/deploybot/cmd/checks"
	"github.com/deploybot/deploybot/cmd/deploy"
	"github.com/deploybot/deploybot/cmd/history"
	"github.com/deploybot/deploybot/cmd/output"
	"github.com/deploybot/deploybot/cmd/server"
	"github.com/deploybot/deploybot/cmd/version"
	"github.com/deploybot/deploybot/config"
	"github.com/deploybot/deploybot/logging"
)

// SkipConfigAnnotation marks commands that run without loading the configuration
const SkipConfigAnnotation = "deploybot/skip-config"

func Execute() {
	if err := NewCmdRoot().Execute(); err != nil {
		os.Exit(1)
	}
}

func NewCmdRoot() *cobra.Command {
	var (
		configPath string
		cfg        *config.Config
	)

	cmd := &cobra.Command{
		Use:   "deploybot",
		Short: "Chat-triggered deployment of the FragDenStaat stack",
		Long: `deploybot waits for CI checks, syncs the control repository and runs
the Ansible playbook for a deployment target. Deployments can be requested
from chat, over HTTP or from this command line.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Annotations[SkipConfigAnnotation] == "true" {
				return nil
			}

			var err error
			cfg, err = config.NewConfig(configPath)
			if err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}

			// --no-color overrides config
			output.InitColors(!cfg.ColorEnabled || output.NoColor.IsSet())

			// --log-level overrides config
			logLevel := cfg.LogLevel
			if logging.LogLevel.IsSet() {
				logLevel = logging.LogLevel.String()
			}
			logging.InitLogging(logLevel, cfg.LogFormat)
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.PersistentFlags().VarP(logging.LogLevel, "log-level", "l", "Set log verbosity level")
	cmd.PersistentFlags().Var(output.NoColor, "no-color", "Disable colored terminal output")

	loadConfig := func() *config.Config { return cfg }

	versionCmd := version.NewCmdVersion()
	versionCmd.Annotations = map[string]string{SkipConfigAnnotation: "true"}

	cmd.AddCommand(
		server.NewCmdServer(loadConfig),
		deploy.NewCmdDeploy(loadConfig),
		checks.NewCmdChecks(loadConfig),
		history.NewCmdHistory(loadConfig),
		versionCmd,
	)
	return cmd
}
