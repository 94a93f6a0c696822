package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_lifecycle"

var (
	RidesCreated = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "rides_created_total", Help: "Total number of rides requested"})

	RideTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_transitions_total", Help: "Ride status transitions by target status"},
		[]string{"status"},
	)

	DriverLocationUpdates = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "driver_location_updates_total", Help: "Driver location updates recorded"})

	PaymentOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "payment_operations_total", Help: "Payment processor calls by operation and result"},
		[]string{"op", "result"},
	)
	PaymentLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: namespace, Name: "payment_latency_seconds", Help: "Payment processor call latency", Buckets: prometheus.DefBuckets},
		[]string{"op"},
	)

	WebhookDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "webhook_deliveries_total", Help: "Payment webhook deliveries by result"},
		[]string{"result"},
	)

	RealtimeSubscribers = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "realtime_subscribers", Help: "Currently connected realtime subscribers"})

	BroadcastDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "broadcast_deliveries_total", Help: "Realtime event deliveries by result"},
		[]string{"result"},
	)

	ReplicationResults = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "replication_results_total", Help: "Outbox replication attempts by sink and result"},
		[]string{"sink", "result"},
	)

	ReplicationDeadLetters = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "replication_dead_letters_total", Help: "Replication jobs given up on"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
