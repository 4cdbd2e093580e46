// Package cli wires the relay daemon's cobra commands.
package cli

import (
	"github.com/spf13/cobra"

	"relay/internal/config"
	"relay/pkg/logger"
)

type globalFlags struct {
	ConfigPath string
	Verbose    bool
	Quiet      bool
}

var flags globalFlags

// loadedConfig is populated by the root PersistentPreRunE for subcommands.
var loadedConfig *config.Config

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "relay",
		Short: "Relay - resilient conversation relay daemon",
		Long: `Relay is a conversation relay daemon. It routes chat turns across
LLM providers under budget control, executes tools behind policy checks,
delegates complex requests to sub-agent jobs, and delivers replies through
a retrying outbound queue.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" || cmd.Name() == "help" {
				return nil
			}

			cfg, err := config.Load(flags.ConfigPath)
			if err != nil {
				return err
			}

			level := cfg.Log.Level
			if flags.Verbose {
				level = "debug"
			}
			if flags.Quiet {
				level = "error"
			}
			if err := logger.Init(logger.Config{
				Level:  level,
				Format: cfg.Log.Format,
				File:   cfg.Log.File,
			}); err != nil {
				return err
			}

			loadedConfig = cfg
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return logger.Close()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&flags.ConfigPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&flags.Verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVarP(&flags.Quiet, "quiet", "q", false, "quiet mode")

	rootCmd.AddCommand(NewVersionCmd())
	rootCmd.AddCommand(NewServeCmd())
	rootCmd.AddCommand(NewDoctorCmd())

	return rootCmd
}
