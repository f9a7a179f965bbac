package main

import (
	"go_rex/internal/config"
	"go_rex/internal/logging"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "rexd",
	Short: "Pull-mode remote execution server",
	Long: `rexd queues scripts for agents that poll for work, serves the staged
files and correlates the events agents post back into task results.

Configuration comes from the environment (and .env), or from an INI file
given with --config, environment variables taking precedence.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "INI configuration file")
}

// loadConfig reads the configuration and builds the process logger
func loadConfig() (*config.Config, *logrus.Entry, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFromINI(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, nil, err
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logrus.NewEntry(logger).WithField("service", "rexd"), nil
}
