package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oleksiy-perepelytsya/ids-ai/internal/adapter/postgres"
	"github.com/oleksiy-perepelytsya/ids-ai/internal/config"
	"github.com/oleksiy-perepelytsya/ids-ai/internal/domain/deliberation"
	"github.com/oleksiy-perepelytsya/ids-ai/internal/service"
)

type deliberateFlags struct {
	userID    string
	project   string
	context   string
	mode      string
	maxRounds int
}

func newDeliberateCmd(g *globalFlags) *cobra.Command {
	var f deliberateFlags
	cmd := &cobra.Command{
		Use:   "deliberate [task]",
		Short: "Run one task to completion and print the transcript",
		Long: "Runs a single deliberation session in the foreground against the\n" +
			"configured database and LiteLLM proxy. The markdown transcript is\n" +
			"written to stdout once the session reaches consensus or a dead end.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var o config.Overrides
			if cmd.Flags().Changed("mode") {
				o.Mode = &f.mode
			}
			if cmd.Flags().Changed("max-rounds") {
				o.MaxRounds = &f.maxRounds
			}
			cfg, flush, err := g.load(cmd, o)
			if err != nil {
				return err
			}
			defer flush()
			return deliberate(cmd, cfg, f, strings.Join(args, " "))
		},
	}
	cmd.Flags().StringVar(&f.userID, "user", "cli", "user id recorded on the session")
	cmd.Flags().StringVar(&f.project, "project", "", "project name")
	cmd.Flags().StringVar(&f.context, "context", "", "extra context for the reviewers")
	cmd.Flags().StringVar(&f.mode, "mode", "", "reviewer execution mode (concurrent, sequential)")
	cmd.Flags().IntVar(&f.maxRounds, "max-rounds", 0, "round ceiling per epoch")
	return cmd
}

func deliberate(cmd *cobra.Command, cfg *config.Config, f deliberateFlags, task string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	reviewers, err := buildReviewers(cfg, newLLMClient(cfg, nil))
	if err != nil {
		return fmt.Errorf("reviewers: %w", err)
	}
	sessions, err := buildSessionService(cfg, postgres.NewStore(pool), reviewers, nil, nil)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	defer sessions.Close()

	sess, err := sessions.Submit(ctx, deliberation.CreateRequest{
		UserID:      f.userID,
		ProjectName: f.project,
		Task:        task,
		Context:     f.context,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "session %s started\n", sess.ID)

	if err := sessions.Wait(ctx, sess.ID); err != nil {
		// Interrupted: cancel with a fresh context since ctx is done.
		if _, cerr := sessions.Cancel(context.WithoutCancel(ctx), sess.ID); cerr != nil {
			return errors.Join(err, cerr)
		}
		return err
	}

	transcript, err := sessions.ExportTranscript(ctx, sess.ID)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), transcript)

	final, err := sessions.Get(ctx, sess.ID)
	if err != nil {
		return err
	}
	if final.Status != deliberation.StatusConsensusReached {
		return fmt.Errorf("session %s ended %s; resume it with the API or restart", final.ID, final.Status)
	}
	return nil
}
