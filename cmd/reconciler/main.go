// Package main is the entry point for the voicegate reconciler worker.
//
// The worker runs two loops until signaled: the periodic sweep that resyncs
// stale transitional subscriptions and expires lapsed grace periods, and an
// optional SQS consumer that services on-demand resync requests from the API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"golang.org/x/sync/errgroup"

	"voicegate/internal/billing"
	"voicegate/internal/cache"
	"voicegate/internal/config"
	"voicegate/internal/db"
	"voicegate/internal/external"
	"voicegate/internal/queue"
	"voicegate/internal/scheduler"
)

func main() {
	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("voicegate reconciler starting",
		"environment", cfg.Environment,
		"interval", cfg.Reconcile.Interval,
		"stale_after", cfg.Reconcile.StaleAfter,
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
		logger.Warn("redis unavailable at startup, reconciling without cache", "error", err)
	}
	var ctxCache *cache.ContextCache
	if rdb != nil {
		ctxCache = cache.New(rdb, cfg.Redis.ContextTTL, logger)
	}

	subRepo := db.NewSubscriptionRepo(pool, logger)
	ledgerRepo := db.NewEventLedgerRepo(pool, logger)

	resolver := billing.NewResolver(billing.ResolverConfig{
		Subscriptions: subRepo,
		Ledger:        ledgerRepo,
		Cache:         ctxCache,
		GraceWindow:   cfg.Billing.GraceWindow,
		Logger:        logger,
	})

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

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return reconciler.RunPeriodic(gctx)
	})

	if cfg.AWS.ResyncQueueURL != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(gctx, awsconfig.WithRegion(cfg.AWS.Region))
		if err != nil {
			return fmt.Errorf("loading AWS configuration: %w", err)
		}
		client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
			if cfg.AWS.EndpointURL != "" {
				o.BaseEndpoint = &cfg.AWS.EndpointURL
			}
		})

		consumer := queue.NewResyncConsumer(client, cfg.AWS,
			func(ctx context.Context, msg queue.ResyncMessage) error {
				return reconciler.ResyncDevice(ctx, msg.DeviceKey)
			},
			logger,
		)
		g.Go(func() error {
			return consumer.Run(gctx)
		})
		logger.Info("resync queue consumer started", "queue_url", cfg.AWS.ResyncQueueURL)
	}

	err = g.Wait()
	logger.Info("voicegate reconciler stopped")
	return err
}

// newLogger creates a structured slog.Logger configured for the given level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
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
