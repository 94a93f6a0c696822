package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-lifecycle/internal/config"
	"github.com/example/ride-lifecycle/internal/geo"
	"github.com/example/ride-lifecycle/internal/logging"
	"github.com/example/ride-lifecycle/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total ride events consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total ride events that could not be decoded",
	})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_updates_total",
		Help: "Total ride events projected into redis",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_errors_total",
		Help: "Total ride events dropped after redis retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, redisUpdates, redisErrors)
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	projection := geo.NewRedisGeo(rc, cfg.RedisGeoKey)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
		})
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.KafkaTopic,
		GroupID:  cfg.KafkaGroup,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		msgsConsumed.Inc()

		var ride models.Ride
		if err := json.Unmarshal(m.Value, &ride); err != nil || ride.ID == "" {
			msgsInvalid.Inc()
			logger.Warn("invalid ride event", "offset", m.Offset, "error", err)
			continue
		}

		if err := updateRedisWithRetry(ctx, projection, ride, cfg.Attempts, cfg.RetryDelay); err != nil {
			redisErrors.Inc()
			logger.Error("redis update failed", "ride_id", ride.ID, "status", ride.Status, "error", err)
			continue
		}
		redisUpdates.Inc()
	}
}

// RedisUpdater is the projection the consumer writes ride events into.
type RedisUpdater interface {
	SetRideStatus(ctx context.Context, ride models.Ride) (bool, error)
	SetDriverPosition(ctx context.Context, rideID string, c models.Coord) error
	RemoveDriverPosition(ctx context.Context, rideID string) error
}

// applyRide writes one ride event. Terminal rides drop out of the position
// set; events older than the stored status are ignored.
func applyRide(ctx context.Context, rc RedisUpdater, ride models.Ride) error {
	applied, err := rc.SetRideStatus(ctx, ride)
	if err != nil || !applied {
		return err
	}
	if ride.Status.Terminal() {
		return rc.RemoveDriverPosition(ctx, ride.ID)
	}
	if ride.DriverLocation != nil {
		return rc.SetDriverPosition(ctx, ride.ID, *ride.DriverLocation)
	}
	return nil
}

func updateRedisWithRetry(ctx context.Context, rc RedisUpdater, ride models.Ride, attempts int, delay time.Duration) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = applyRide(ctx, rc, ride); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
