package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	PGDSN         string
	RunMigrations bool
	MigrationPath string

	RedisAddr     string
	RedisPassword string
	RedisDedupTTL time.Duration

	KafkaBrokers   []string
	KafkaRideTopic string

	StripeAPIKey        string
	StripeWebhookSecret string
	PaymentCurrency     string
	PaymentTimeout      time.Duration
	PersistTimeout      time.Duration

	OutboxWorkers   int
	OutboxQueueSize int
	OutboxAttempts  int
	OutboxBackoff   time.Duration

	WebhookDedupStore    string
	WebhookDedupCapacity int

	AuthPublicKeyFiles []string
	AuthIssuer         string
	AuthAudience       string

	WSWriteTimeout time.Duration

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:             ":8080",
		ReadTimeout:          5 * time.Second,
		WriteTimeout:         10 * time.Second,
		IdleTimeout:          120 * time.Second,
		ShutdownTimeout:      15 * time.Second,
		MigrationPath:        "migrations/001_create_rides.sql",
		RedisDedupTTL:        72 * time.Hour,
		KafkaRideTopic:       "ride-events",
		PaymentCurrency:      "usd",
		PaymentTimeout:       10 * time.Second,
		PersistTimeout:       5 * time.Second,
		OutboxWorkers:        2,
		OutboxQueueSize:      1024,
		OutboxAttempts:       3,
		OutboxBackoff:        200 * time.Millisecond,
		WebhookDedupStore:    "auto",
		WebhookDedupCapacity: 1000,
		WSWriteTimeout:       10 * time.Second,
		LogLevel:             "info",
	}
}

var dedupStores = map[string]struct{}{"auto": {}, "postgres": {}, "redis": {}, "memory": {}}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")
	setStringFromEnv(&cfg.MigrationPath, "MIGRATION_PATH")

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setDurationFromEnv(&cfg.RedisDedupTTL, "REDIS_DEDUP_TTL", &errs)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaRideTopic, "KAFKA_RIDE_TOPIC")

	cfg.StripeAPIKey = strings.TrimSpace(os.Getenv("STRIPE_API_KEY"))
	cfg.StripeWebhookSecret = strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET"))
	if v := os.Getenv("PAYMENT_CURRENCY"); v != "" {
		cfg.PaymentCurrency = strings.ToLower(strings.TrimSpace(v))
	}
	setDurationFromEnv(&cfg.PaymentTimeout, "PAYMENT_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.PersistTimeout, "PERSIST_TIMEOUT", &errs)

	setIntFromEnv(&cfg.OutboxWorkers, "OUTBOX_WORKERS", &errs)
	setIntFromEnv(&cfg.OutboxQueueSize, "OUTBOX_QUEUE_SIZE", &errs)
	setIntFromEnv(&cfg.OutboxAttempts, "OUTBOX_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.OutboxBackoff, "OUTBOX_BACKOFF", &errs)

	if v := os.Getenv("WEBHOOK_DEDUP_STORE"); v != "" {
		cfg.WebhookDedupStore = strings.ToLower(strings.TrimSpace(v))
	}
	setIntFromEnv(&cfg.WebhookDedupCapacity, "WEBHOOK_DEDUP_CAPACITY", &errs)

	if files := os.Getenv("AUTH_PUBLIC_KEY_FILES"); files != "" {
		cfg.AuthPublicKeyFiles = splitAndTrim(files)
	}
	cfg.AuthIssuer = strings.TrimSpace(os.Getenv("AUTH_ISSUER"))
	cfg.AuthAudience = strings.TrimSpace(os.Getenv("AUTH_AUDIENCE"))

	setDurationFromEnv(&cfg.WSWriteTimeout, "WS_WRITE_TIMEOUT", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.OutboxWorkers <= 0 {
		errs = append(errs, fmt.Errorf("OUTBOX_WORKERS must be > 0"))
	}
	if cfg.OutboxQueueSize <= 0 {
		errs = append(errs, fmt.Errorf("OUTBOX_QUEUE_SIZE must be > 0"))
	}
	if cfg.OutboxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("OUTBOX_ATTEMPTS must be > 0"))
	}
	if cfg.WebhookDedupCapacity <= 0 {
		errs = append(errs, fmt.Errorf("WEBHOOK_DEDUP_CAPACITY must be > 0"))
	}
	if _, ok := dedupStores[cfg.WebhookDedupStore]; !ok {
		errs = append(errs, fmt.Errorf("WEBHOOK_DEDUP_STORE must be one of auto, postgres, redis, memory"))
	}
	if cfg.WebhookDedupStore == "postgres" && cfg.PGDSN == "" {
		errs = append(errs, fmt.Errorf("WEBHOOK_DEDUP_STORE=postgres requires PG_DSN"))
	}
	if cfg.WebhookDedupStore == "redis" && cfg.RedisAddr == "" {
		errs = append(errs, fmt.Errorf("WEBHOOK_DEDUP_STORE=redis requires REDIS_ADDR"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig configures the ride-event projection consumer.
type ConsumerConfig struct {
	MetricsAddr   string
	KafkaBrokers  []string
	KafkaTopic    string
	KafkaGroup    string
	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	Attempts      int
	RetryDelay    time.Duration
	LogLevel      string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		MetricsAddr:  ":2112",
		KafkaBrokers: []string{"localhost:9092"},
		KafkaTopic:   "ride-events",
		KafkaGroup:   "ride-lifecycle-projection",
		RedisAddr:    "localhost:6379",
		RedisGeoKey:  "ride_drivers_geo",
		Attempts:     3,
		RetryDelay:   200 * time.Millisecond,
		LogLevel:     "info",
	}
	var errs []error

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_RIDE_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setIntFromEnv(&cfg.Attempts, "CONSUMER_REDIS_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RetryDelay, "CONSUMER_REDIS_RETRY_DELAY", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must list at least one broker"))
	}
	if cfg.Attempts <= 0 {
		errs = append(errs, fmt.Errorf("CONSUMER_REDIS_ATTEMPTS must be > 0"))
	}
	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
