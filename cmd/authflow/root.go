package main

import (
	"github.com/samber/oops"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type rootOptions struct {
	logLevel  string
	logFormat string
}

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "authflow",
		Short: "authflow operator tooling",
		Long: `authflow runs operational tasks for the authflow engine. Engine settings
come from AUTHFLOW_* environment variables.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "console", "log format (console or json)")

	cmd.AddCommand(NewKeygenCmd())
	cmd.AddCommand(NewMigrateCmd())
	cmd.AddCommand(NewPurgeCmd(opts))
	cmd.AddCommand(NewLoadtestCmd(opts))

	return cmd
}

func (o *rootOptions) logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(o.logLevel)
	if err != nil {
		return nil, oops.Code("CONFIG_INVALID").With("log_level", o.logLevel).Wrap(err)
	}

	var cfg zap.Config
	switch o.logFormat {
	case "json":
		cfg = zap.NewProductionConfig()
	case "console":
		cfg = zap.NewDevelopmentConfig()
	default:
		return nil, oops.Code("CONFIG_INVALID").With("log_format", o.logFormat).Errorf("unknown log format")
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	return cfg.Build()
}
