package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"contractflow/config"
	"contractflow/logging"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "contractflow",
		Short:         "Contract approval workflow service",
		Long:          `contractflow drives contracts through review, signatures, verification, payment and finalization with live multi-party sync.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to a YAML config file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override the configured log level")

	cmd.AddCommand(
		newServeCmd(opts),
		newMigrateCmd(opts),
		newInspectCmd(opts),
		newTokenCmd(opts),
	)
	return cmd
}

// load reads the configuration, applying flag overrides. validate selects
// the full server validation.
func (o *rootOptions) load(validate bool) (config.Config, *slog.Logger, error) {
	cfg, err := config.Read(o.configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if validate {
		if err := cfg.Validate(); err != nil {
			return config.Config{}, nil, err
		}
	}
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logging.New(level), nil
}
