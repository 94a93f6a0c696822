package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-lifecycle/internal/config"
	"github.com/example/ride-lifecycle/internal/fare"
	httpapi "github.com/example/ride-lifecycle/internal/http"
	"github.com/example/ride-lifecycle/internal/ingest"
	"github.com/example/ride-lifecycle/internal/logging"
	"github.com/example/ride-lifecycle/internal/models"
	"github.com/example/ride-lifecycle/internal/outbox"
	"github.com/example/ride-lifecycle/internal/payments"
	"github.com/example/ride-lifecycle/internal/realtime"
	"github.com/example/ride-lifecycle/internal/rides"
	"github.com/example/ride-lifecycle/internal/storage"
	"github.com/example/ride-lifecycle/internal/webhook"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var readiness []httpapi.ReadinessCheck

	var pg *storage.PostgresStore
	if cfg.PGDSN != "" {
		pg, err = storage.NewPostgresStore(ctx, cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		if cfg.RunMigrations {
			if err := pg.Migrate(ctx, cfg.MigrationPath); err != nil {
				logger.Error("migration failed", "error", err)
			} else {
				logger.Info("migration applied", "path", cfg.MigrationPath)
			}
		}
		readiness = append(readiness, httpapi.ReadinessCheck{Name: "postgres", Check: pg.Ping})
	}

	var rc *redis.Client
	if cfg.RedisAddr != "" {
		rc = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		readiness = append(readiness, httpapi.ReadinessCheck{Name: "redis", Check: func(ctx context.Context) error {
			return rc.Ping(ctx).Err()
		}})
	}

	var producer *ingest.KafkaProducer
	var publisher outbox.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaRideTopic)
		defer producer.Close()
		publisher = producer
	}

	var store storage.TripStore
	if pg != nil {
		store = pg
	} else {
		store = storage.NewMemoryStore()
	}
	box := outbox.New(store, publisher, outbox.Config{
		Workers:   cfg.OutboxWorkers,
		QueueSize: cfg.OutboxQueueSize,
		Attempts:  cfg.OutboxAttempts,
		Backoff:   cfg.OutboxBackoff,
		Timeout:   cfg.PersistTimeout,
	}, logger)
	box.Start()

	var processor payments.Processor
	var orchestrator *payments.Orchestrator
	if cfg.StripeAPIKey != "" || cfg.StripeWebhookSecret != "" {
		processor = payments.NewStripeProcessor(cfg.StripeAPIKey, cfg.StripeWebhookSecret)
	}
	if cfg.StripeAPIKey != "" {
		orchestrator = payments.NewOrchestrator(processor, cfg.PaymentCurrency, cfg.PaymentTimeout, logger)
	} else {
		logger.Warn("STRIPE_API_KEY not set; rides run without payment holds")
	}

	est := fare.NewEstimator(cfg.PaymentCurrency)
	hub := realtime.NewHub(nil, logger)

	var rideOrchestrator rides.PaymentOrchestrator
	if orchestrator != nil {
		rideOrchestrator = orchestrator
	}
	registry := rides.NewRegistry(est, rideOrchestrator, hub, box, logger)
	hub.SetLookup(registry)
	refunds := payments.NewRefundService(registry, orchestrator, box, logger)

	dedup := webhook.NewDeduplicator(
		dedupStore(cfg, pg, rc, logger),
		webhook.NewMemorySet(cfg.WebhookDedupCapacity),
		cfg.PersistTimeout,
		func(ctx context.Context, ev models.WebhookEvent) {
			logger.Info("payment event received", "event_id", ev.ID, "type", ev.Type)
		},
		logger,
	)

	var auth *httpapi.Authenticator
	if len(cfg.AuthPublicKeyFiles) > 0 {
		auth, err = httpapi.LoadAuthenticator(cfg.AuthPublicKeyFiles, cfg.AuthIssuer, cfg.AuthAudience)
		if err != nil {
			logger.Error("auth keys unavailable", "error", err)
			os.Exit(1)
		}
	} else {
		logger.Warn("AUTH_PUBLIC_KEY_FILES not set; API authentication disabled")
	}

	ws := realtime.NewHandler(hub, cfg.WSWriteTimeout, logger)
	deps := httpapi.Deps{
		Rides:     registry,
		Refunds:   refunds,
		Fare:      est,
		Webhooks:  dedup,
		Realtime:  ws,
		Auth:      auth,
		Readiness: readiness,
		Logger:    logger,
	}
	if processor != nil && cfg.StripeWebhookSecret != "" {
		deps.Verifier = processor
	} else {
		logger.Warn("STRIPE_WEBHOOK_SECRET not set; payment webhooks disabled")
	}
	api := httpapi.NewServer(deps)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride-lifecycle listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		logger.Error("http server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	ws.Close()
	if err := box.Close(shutdownCtx); err != nil {
		logger.Warn("outbox not drained", "error", err)
	}
	if n := len(box.DeadLetters()); n > 0 {
		logger.Warn("replication dead letters pending reconciliation", "count", n)
	}
}

func dedupStore(cfg config.ServerConfig, pg *storage.PostgresStore, rc *redis.Client, logger *slog.Logger) webhook.Store {
	switch cfg.WebhookDedupStore {
	case "postgres":
		return pg
	case "redis":
		return webhook.NewRedisStore(rc, cfg.RedisDedupTTL)
	case "memory":
		return nil
	}
	switch {
	case pg != nil:
		return pg
	case rc != nil:
		return webhook.NewRedisStore(rc, cfg.RedisDedupTTL)
	}
	logger.Warn("no persistent webhook store; deduplication limited to this process")
	return nil
}
