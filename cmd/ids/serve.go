package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/oleksiy-perepelytsya/ids-ai/internal/adapter/cachedstore"
	idshttp "github.com/oleksiy-perepelytsya/ids-ai/internal/adapter/http"
	idsnats "github.com/oleksiy-perepelytsya/ids-ai/internal/adapter/nats"
	"github.com/oleksiy-perepelytsya/ids-ai/internal/adapter/natskv"
	idsotel "github.com/oleksiy-perepelytsya/ids-ai/internal/adapter/otel"
	"github.com/oleksiy-perepelytsya/ids-ai/internal/adapter/postgres"
	"github.com/oleksiy-perepelytsya/ids-ai/internal/adapter/ristretto"
	"github.com/oleksiy-perepelytsya/ids-ai/internal/adapter/tiered"
	"github.com/oleksiy-perepelytsya/ids-ai/internal/adapter/ws"
	"github.com/oleksiy-perepelytsya/ids-ai/internal/config"
	"github.com/oleksiy-perepelytsya/ids-ai/internal/middleware"
	"github.com/oleksiy-perepelytsya/ids-ai/internal/port/broadcast"
	"github.com/oleksiy-perepelytsya/ids-ai/internal/port/database"
	"github.com/oleksiy-perepelytsya/ids-ai/internal/service"
)

const (
	rateLimitCleanupInterval = time.Minute
	rateLimitMaxIdle         = 10 * time.Minute
)

func newServeCmd(g *globalFlags) *cobra.Command {
	var port string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, WebSocket stream and NATS intake",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var o config.Overrides
			if cmd.Flags().Changed("port") {
				o.Port = &port
			}
			cfg, flush, err := g.load(cmd, o)
			if err != nil {
				return err
			}
			defer flush()
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&port, "port", "p", "", "HTTP listen port")
	return cmd
}

func serve(parent context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"mode", cfg.Deliberation.Mode,
		"max_rounds", cfg.Deliberation.MaxRounds,
		"reviewers", len(cfg.EnabledReviewers()),
	)

	// --- Observability ---

	otelShutdown, err := idsotel.Setup(ctx, cfg.OTel, cfg.Logging.Service)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Error("otel shutdown failed", "error", err)
		}
	}()
	metrics, err := idsotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("otel metrics: %w", err)
	}

	// --- Infrastructure ---

	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	slog.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	slog.Info("migrations applied")

	queue, err := idsnats.Connect(ctx, cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = queue.Close() }()

	var store database.SessionStore = postgres.NewStore(pool)
	if cfg.Cache.Enabled {
		l1, err := ristretto.New(cfg.Cache.L1MaxSizeMB)
		if err != nil {
			return fmt.Errorf("session cache l1: %w", err)
		}
		defer l1.Close()
		l2, err := natskv.Open(ctx, queue, cfg.Cache.L2Bucket, cfg.Cache.L2TTL)
		if err != nil {
			return fmt.Errorf("session cache l2: %w", err)
		}
		store = cachedstore.New(store, tiered.New(l1, l2, cfg.Cache.L1TTL), cfg.Cache.L2TTL)
		slog.Info("session cache enabled", "l2_bucket", cfg.Cache.L2Bucket)
	}

	// --- Engine ---

	llm := newLLMClient(cfg, metrics)
	reviewers, err := buildReviewers(cfg, llm)
	if err != nil {
		return fmt.Errorf("reviewers: %w", err)
	}

	hub := ws.NewHub(originPatterns(cfg.Server.CORSOrigin))
	defer hub.Close()
	events := broadcast.Fanout{hub, idsnats.NewEventPublisher(queue)}

	sessions, err := buildSessionService(cfg, store, reviewers, events, metrics)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	defer sessions.Close()

	stopIntake, err := idsnats.NewIntake(sessions).Subscribe(ctx, queue)
	if err != nil {
		return fmt.Errorf("intake subscriber: %w", err)
	}
	defer stopIntake()

	models := service.NewModelRegistry(llm, events, requiredModels(cfg), cfg.LiteLLM.ModelRefreshInterval)
	models.Start(ctx)

	if n, err := sessions.ResumeActive(ctx); err != nil {
		slog.Error("resume active sessions failed", "error", err, "resumed", n)
	}

	// --- HTTP ---

	idemStore, err := natskv.Open(ctx, queue, cfg.Server.IdempotencyBucket, cfg.Server.IdempotencyTTL)
	if err != nil {
		return fmt.Errorf("idempotency store: %w", err)
	}
	limiter := middleware.NewRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst)
	stopCleanup := limiter.StartCleanup(rateLimitCleanupInterval, rateLimitMaxIdle)
	defer stopCleanup()

	handlers := &idshttp.Handlers{
		Sessions:  sessions,
		Models:    models,
		Reviewers: cfg.Reviewers,
		Health: []idshttp.HealthCheck{
			{Name: "postgres", Check: pool.Ping},
			{Name: "nats", Check: func(context.Context) error {
				if !queue.IsConnected() {
					return errors.New("disconnected")
				}
				return nil
			}},
			{Name: "litellm", Check: func(ctx context.Context) error {
				_, err := llm.Health(ctx)
				return err
			}},
		},
		Limits: idshttp.Limits{MaxRequestBodySize: cfg.Server.MaxBodySizeBytes},
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(idsotel.HTTPMiddleware(cfg.Logging.Service))
	r.Use(idshttp.CORS(cfg.Server.CORSOrigin))
	r.Use(idshttp.SecurityHeaders)
	r.Use(idshttp.Logger)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	idshttp.MountRoutes(r, handlers, hub.HandleWS,
		limiter.Handler,
		middleware.Idempotency(idemStore, cfg.Server.IdempotencyTTL),
	)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}
	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	if err := queue.Drain(); err != nil {
		slog.Warn("nats drain failed", "error", err)
	}
	return nil
}

// originPatterns turns the CORS origin into a WebSocket host pattern.
func originPatterns(origin string) []string {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return nil
	}
	return []string{u.Host}
}
