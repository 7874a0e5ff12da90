package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/datallboy/gofetch/internal/infra/config"
	"github.com/datallboy/gofetch/internal/infra/logger"
)

// Set at build time with -ldflags "-X main.version=..."
var version = "dev"

var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "gofetch",
		Short:         "Telegram bot that downloads audio and video for approved users",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml (default: ./config.yaml or /config/config.yaml)")

	root.AddCommand(
		newServeCmd(),
		newHistoryCmd(),
		newRetryCmd(),
		newDoctorCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintln(cmd.OutOrStdout(), "gofetch", version)
			},
		},
	)
	return root
}

// loadConfig reads the configuration; requireToken is false for subcommands
// that only work on local files.
func loadConfig(requireToken bool) (*config.Config, error) {
	if requireToken {
		return config.Load(configPath)
	}
	return config.LoadOffline(configPath)
}

func openLogger(cfg *config.Config) (*logger.Logger, error) {
	log, err := logger.New(cfg.Log.Path, logger.ParseLevel(cfg.Log.Level), cfg.Log.IncludeStdout)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", cfg.Log.Path, err)
	}
	return log, nil
}
