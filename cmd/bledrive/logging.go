package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/bledrive/pkg/config"
)

// loadConfig builds the effective configuration: file (if --config given)
// over defaults, then flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")

	var cfg *config.Config
	var err error
	if path != "" {
		cfg, err = config.Load(path)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.Default()
	}

	// --log-level wins over the config file.
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	return cfg, nil
}

// configureLogger creates a logger from the effective config. Without an
// explicit --log-level, CLI commands default to warn so command output stays
// clean.
func configureLogger(cmd *cobra.Command, cfg *config.Config) (*logrus.Logger, error) {
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl == "" && cfg.LogLevel == "info" {
		cfg.LogLevel = "warn"
	}
	return cfg.NewLogger()
}
