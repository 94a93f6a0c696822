// Package outbox replicates ride and refund state to storage and the event
// stream in the background. Failed jobs are retried with backoff and then
// parked as dead letters for reconciliation.
package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-lifecycle/internal/models"
	"github.com/example/ride-lifecycle/internal/observability"
)

type Store interface {
	UpsertRide(ctx context.Context, r models.Ride) error
	UpsertRefund(ctx context.Context, r models.Refund) error
}

type Publisher interface {
	PublishRide(ctx context.Context, r models.Ride) error
}

type Config struct {
	Workers   int
	QueueSize int
	Attempts  int
	Backoff   time.Duration
	Timeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.Backoff <= 0 {
		c.Backoff = 100 * time.Millisecond
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	return c
}

// DeadLetter is a replication that was given up on.
type DeadLetter struct {
	Sink  string    `json:"sink"`
	Kind  string    `json:"kind"`
	ID    string    `json:"id"`
	Error string    `json:"error"`
	At    time.Time `json:"at"`
}

type job struct {
	ride   *models.Ride
	refund *models.Refund
}

func (j job) describe() (kind, id string) {
	if j.ride != nil {
		return "ride", j.ride.ID
	}
	return "refund", j.refund.ID
}

type Outbox struct {
	store     Store
	publisher Publisher
	cfg       Config
	logger    *slog.Logger

	mu     sync.RWMutex
	closed bool
	jobs   chan job
	wg     sync.WaitGroup

	dlMu sync.Mutex
	dead []DeadLetter
}

// New builds an outbox; store and publisher may each be nil.
func New(store Store, publisher Publisher, cfg Config, logger *slog.Logger) *Outbox {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Outbox{
		store:     store,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
		jobs:      make(chan job, cfg.QueueSize),
	}
}

func (o *Outbox) Start() {
	for i := 0; i < o.cfg.Workers; i++ {
		o.wg.Add(1)
		go o.worker()
	}
}

func (o *Outbox) ReplicateRide(r models.Ride) {
	o.enqueue(job{ride: &r})
}

func (o *Outbox) ReplicateRefund(r models.Refund) {
	o.enqueue(job{refund: &r})
}

// DeadLetters returns a copy of the jobs that exhausted their retries.
func (o *Outbox) DeadLetters() []DeadLetter {
	o.dlMu.Lock()
	defer o.dlMu.Unlock()
	out := make([]DeadLetter, len(o.dead))
	copy(out, o.dead)
	return out
}

// Close stops accepting jobs and waits for queued ones to drain.
func (o *Outbox) Close(ctx context.Context) error {
	o.mu.Lock()
	if !o.closed {
		o.closed = true
		close(o.jobs)
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("outbox drain: %w", ctx.Err())
	}
}

func (o *Outbox) enqueue(j job) {
	if o.store == nil && o.publisher == nil {
		return
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		o.deadLetter("queue", j, fmt.Errorf("outbox closed"))
		return
	}
	select {
	case o.jobs <- j:
	default:
		o.deadLetter("queue", j, fmt.Errorf("queue full"))
	}
}

func (o *Outbox) worker() {
	defer o.wg.Done()
	for j := range o.jobs {
		o.process(j)
	}
}

// process delivers a job to both sinks at once so a slow store does not hold
// back the stream, or the other way round.
func (o *Outbox) process(j job) {
	var wg sync.WaitGroup
	if o.store != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.deliver("store", j, func(ctx context.Context) error {
				if j.ride != nil {
					return o.store.UpsertRide(ctx, *j.ride)
				}
				return o.store.UpsertRefund(ctx, *j.refund)
			})
		}()
	}
	if o.publisher != nil && j.ride != nil {
		o.deliver("stream", j, func(ctx context.Context) error {
			return o.publisher.PublishRide(ctx, *j.ride)
		})
	}
	wg.Wait()
}

func (o *Outbox) deliver(sink string, j job, fn func(ctx context.Context) error) {
	delay := o.cfg.Backoff
	var err error
	for attempt := 1; attempt <= o.cfg.Attempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.Timeout)
		err = fn(ctx)
		cancel()
		if err == nil {
			observability.ReplicationResults.WithLabelValues(sink, "ok").Inc()
			return
		}
		observability.ReplicationResults.WithLabelValues(sink, "error").Inc()
		if attempt < o.cfg.Attempts {
			time.Sleep(delay)
			delay *= 2
		}
	}
	o.deadLetter(sink, j, err)
}

func (o *Outbox) deadLetter(sink string, j job, err error) {
	kind, id := j.describe()
	o.logger.Warn("replication failed", "sink", sink, "kind", kind, "id", id, "error", err)
	observability.ReplicationDeadLetters.Inc()
	o.dlMu.Lock()
	o.dead = append(o.dead, DeadLetter{Sink: sink, Kind: kind, ID: id, Error: err.Error(), At: time.Now().UTC()})
	o.dlMu.Unlock()
}
