package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/oleksiy-perepelytsya/ids-ai/internal/adapter/postgres"
	"github.com/oleksiy-perepelytsya/ids-ai/internal/config"
)

func newMigrateCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the session schema",
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, flush, err := g.load(cmd, config.Overrides{})
			if err != nil {
				return err
			}
			defer flush()
			if err := postgres.RunMigrations(cmd.Context(), cfg.Postgres.DSN); err != nil {
				return err
			}
			slog.Info("migrations applied")
			return nil
		},
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, flush, err := g.load(cmd, config.Overrides{})
			if err != nil {
				return err
			}
			defer flush()
			if err := postgres.RollbackMigrations(cmd.Context(), cfg.Postgres.DSN, steps); err != nil {
				return err
			}
			slog.Info("migrations rolled back", "steps", steps)
			return nil
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")

	status := &cobra.Command{
		Use:   "status",
		Short: "Print the current schema version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, flush, err := g.load(cmd, config.Overrides{})
			if err != nil {
				return err
			}
			defer flush()
			v, err := postgres.MigrationVersion(cmd.Context(), cfg.Postgres.DSN)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", v)
			return nil
		},
	}

	cmd.AddCommand(up, down, status)
	return cmd
}
