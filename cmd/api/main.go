// Package main is the entry point for the voicegate API server.
//
// It loads configuration, connects Postgres and Redis, wires the billing
// resolver, quota checker, and serving gate, and starts the HTTP server with
// the webhook and gate endpoints. Graceful shutdown is handled via OS signal
// interception (SIGINT, SIGTERM).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/go-chi/chi/v5"

	"voicegate/internal/api/handlers"
	"voicegate/internal/billing"
	"voicegate/internal/cache"
	"voicegate/internal/config"
	"voicegate/internal/core"
	"voicegate/internal/db"
	"voicegate/internal/external"
	"voicegate/internal/gate"
	"voicegate/internal/queue"
	"voicegate/internal/quota"
	"voicegate/internal/scheduler"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("voicegate API starting",
		"environment", cfg.Environment,
		"service", cfg.Service,
		"port", cfg.Server.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting database: %w", err)
	}
	defer pool.Close()

	rdb, err := cache.Connect(ctx, cfg.Redis)
	if err != nil {
		// The cache is best-effort; the gate degrades to direct store
		// reads when it is down. Do not block startup on it.
		logger.Warn("redis unavailable at startup, serving without cache", "error", err)
	}

	// Repositories.
	subRepo := db.NewSubscriptionRepo(pool, logger)
	ledgerRepo := db.NewEventLedgerRepo(pool, logger)
	quotaRepo := db.NewQuotaRepo(pool, pool, logger)

	// Cache (nil when redis is down; every consumer tolerates that).
	var ctxCache *cache.ContextCache
	if rdb != nil {
		ctxCache = cache.New(rdb, cfg.Redis.ContextTTL, logger)
	}

	// Billing state resolution.
	limits := billing.NewStaticLimitRegistry(nil)
	resolver := billing.NewResolver(billing.ResolverConfig{
		Subscriptions: subRepo,
		Ledger:        ledgerRepo,
		Cache:         ctxCache,
		GraceWindow:   cfg.Billing.GraceWindow,
		Logger:        logger,
	})

	// Quota checking.
	checker := quota.NewChecker(quota.CheckerConfig{
		Store:         quotaRepo,
		Subscriptions: subRepo,
		Limits:        limits,
		Cache:         ctxCache,
		Quota:         cfg.Quota,
		Logger:        logger,
	})

	// Serving gate.
	requestGate := gate.New(gate.Config{
		Cache:         ctxCache,
		Subscriptions: subRepo,
		Quota:         quotaRepo,
		Limits:        limits,
		Usage:         checker,
		Logger:        logger,
	})

	// Inline reconciler backs the resync endpoint when no queue is
	// configured.
	stripeClient := external.NewStripeClient(nil, external.StripeClientConfig{
		SecretKey: cfg.Billing.ProviderSecretKey,
		Logger:    logger,
	})
	reconciler := scheduler.New(scheduler.Config{
		Subscriptions: subRepo,
		Provider:      stripeClient,
		Resolver:      resolver,
		Cache:         ctxCache,
		Reconcile:     cfg.Reconcile,
		Logger:        logger,
	})

	enqueuer, err := buildResyncEnqueuer(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("building resync producer: %w", err)
	}

	// Handlers.
	webhookHandler := handlers.NewWebhookHandler(
		&external.StripeVerifier{},
		resolver,
		cfg.Billing.WebhookSigningSecret.Unmask(),
		logger,
	)
	gateHandler := handlers.NewGateHandler(
		requestGate,
		[]byte(cfg.Billing.DeviceKeySalt.Unmask()),
		logger,
	)
	subHandler := handlers.NewSubscriptionHandler(subRepo, logger)
	resyncHandler := handlers.NewResyncHandler(enqueuer, reconciler, logger)

	router := newRouter(logger, func(r chi.Router) {
		webhookHandler.RegisterRoutes(r)
		gateHandler.RegisterRoutes(r)
		subHandler.RegisterRoutes(r)
		resyncHandler.RegisterRoutes(r)
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received, draining")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}

	logger.Info("voicegate API stopped")
	return nil
}

// newRouter assembles the chi router with the core middleware chain, the
// health endpoint, and the versioned API routes.
func newRouter(logger *slog.Logger, register func(chi.Router)) chi.Router {
	r := chi.NewRouter()
	r.Use(core.RequestID)
	r.Use(core.RequestLogger(logger))
	r.Use(core.Recoverer(logger))

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		core.JSON(w, req, http.StatusOK, core.APIResponse{Data: map[string]string{"status": "ok"}})
	})

	r.Route("/v1", register)
	return r
}

// buildResyncEnqueuer creates the SQS producer when a resync queue is
// configured; otherwise resyncs run inline on the API request.
func buildResyncEnqueuer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (handlers.ResyncEnqueuer, error) {
	if cfg.AWS.ResyncQueueURL == "" {
		logger.Info("no resync queue configured, resyncs run inline")
		return nil, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return nil, err
	}

	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = &cfg.AWS.EndpointURL
		}
	})

	return queue.NewResyncProducer(client, cfg.AWS, logger), nil
}

// newLogger creates a structured slog.Logger configured for the given level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	return slog.New(handler)
}
