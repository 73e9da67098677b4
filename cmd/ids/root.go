package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/oleksiy-perepelytsya/ids-ai/internal/config"
	"github.com/oleksiy-perepelytsya/ids-ai/internal/logger"
)

// globalFlags are bound to persistent flags on the root command. Only flags
// the user actually set become config overrides.
type globalFlags struct {
	configPath string
	logLevel   string
	dsn        string
	natsURL    string
}

func newRootCmd() *cobra.Command {
	var g globalFlags

	root := &cobra.Command{
		Use:           "ids",
		Short:         "Multi-reviewer deliberation engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&g.configPath, "config", "c", config.DefaultConfigFile, "path to the YAML config file")
	pf.StringVar(&g.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	pf.StringVar(&g.dsn, "dsn", "", "PostgreSQL connection string")
	pf.StringVar(&g.natsURL, "nats-url", "", "NATS server URL")

	root.AddCommand(
		newServeCmd(&g),
		newMigrateCmd(&g),
		newDeliberateCmd(&g),
		newModelsCmd(&g),
	)
	return root
}

// load reads the config with CLI overrides and installs the global logger.
// The returned func flushes the logger.
func (g *globalFlags) load(cmd *cobra.Command, extra config.Overrides) (*config.Config, func(), error) {
	o := extra
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		o.LogLevel = &g.logLevel
	}
	if flags.Changed("dsn") {
		o.DSN = &g.dsn
	}
	if flags.Changed("nats-url") {
		o.NatsURL = &g.natsURL
	}

	cfg, err := config.LoadWithOverrides(g.configPath, o)
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}

	log, closer := logger.New(cfg.Logging)
	slog.SetDefault(log)
	return cfg, closer.Close, nil
}
