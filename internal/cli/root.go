// Package cli implements the flywheel command-line interface.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/flywheelhq/flywheel/internal/config"
	"github.com/flywheelhq/flywheel/internal/logging"
)

var (
	cfgFile  string
	logLevel string

	// loaded by the persistent pre-run
	cfg config.Config
	log *logging.Logger
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flywheel",
		Short: "Flywheel is a uniform driver layer for AI coding agents",
		Long: "Flywheel runs AI coding agents behind a uniform driver contract:\n" +
			"direct API, JSON-RPC subprocess, tmux session or delegated ntm\n" +
			"orchestration, selected by capability and health.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			paths, err := config.ResolvePaths()
			if err != nil {
				return err
			}
			path := cfgFile
			if path == "" {
				path = paths.Config
			}
			cfg, err = config.Load(path)
			if err != nil {
				return err
			}
			level := logLevel
			if level == "" {
				level = cfg.Logging.Level
			}
			log = logging.New(nil, level)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.flywheel/config.yaml)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error, fatal, silent)")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newDriversCmd())
	cmd.AddCommand(newHealthCmd())
	cmd.AddCommand(newRunCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}
