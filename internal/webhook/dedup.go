// Package webhook records processed payment events so redeliveries are no-ops.
package webhook

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-lifecycle/internal/models"
)

const DefaultCapacity = 1000

// Store persists processed event ids with insert-if-absent semantics.
// MarkProcessed reports whether this call inserted the record.
type Store interface {
	MarkProcessed(ctx context.Context, ev models.WebhookEvent) (bool, error)
}

// MemorySet is a bounded set of event ids that evicts the oldest id once full.
type MemorySet struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	ids      map[string]*list.Element
}

func NewMemorySet(capacity int) *MemorySet {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MemorySet{capacity: capacity, order: list.New(), ids: make(map[string]*list.Element)}
}

// TestAndSet adds id and reports whether it was absent.
func (m *MemorySet) TestAndSet(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ids[id]; ok {
		return false
	}
	m.ids[id] = m.order.PushBack(id)
	for m.order.Len() > m.capacity {
		oldest := m.order.Front()
		m.order.Remove(oldest)
		delete(m.ids, oldest.Value.(string))
	}
	return true
}

func (m *MemorySet) Contains(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.ids[id]
	return ok
}

func (m *MemorySet) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}

// Handler runs once for the first delivery of an event.
type Handler func(ctx context.Context, ev models.WebhookEvent)

// Deduplicator combines the persistent store with the in-process set.
// When the store is unreachable the in-process set alone decides.
type Deduplicator struct {
	store   Store
	memory  *MemorySet
	timeout time.Duration
	handler Handler
	logger  *slog.Logger
}

func NewDeduplicator(store Store, memory *MemorySet, timeout time.Duration, handler Handler, logger *slog.Logger) *Deduplicator {
	if memory == nil {
		memory = NewMemorySet(DefaultCapacity)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Deduplicator{store: store, memory: memory, timeout: timeout, handler: handler, logger: logger}
}

// Process marks ev as processed and runs the handler on first delivery.
// Repeated deliveries return an error wrapping models.ErrDuplicateEvent.
func (d *Deduplicator) Process(ctx context.Context, ev models.WebhookEvent) error {
	if ev.ProcessedAt.IsZero() {
		ev.ProcessedAt = time.Now().UTC()
	}
	if !d.checkAndMark(ctx, ev) {
		return fmt.Errorf("%w: %s", models.ErrDuplicateEvent, ev.ID)
	}
	if d.handler != nil {
		d.handler(ctx, ev)
	}
	return nil
}

func (d *Deduplicator) checkAndMark(ctx context.Context, ev models.WebhookEvent) bool {
	if d.memory.Contains(ev.ID) {
		return false
	}
	if d.store == nil {
		return d.memory.TestAndSet(ev.ID)
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	inserted, err := d.store.MarkProcessed(ctx, ev)
	if err != nil {
		d.logger.WarnContext(ctx, "webhook store unavailable, using in-memory dedup", "event_id", ev.ID, "error", err)
		return d.memory.TestAndSet(ev.ID)
	}
	// The store already serialized concurrent deliveries; the set only
	// short-circuits later ones.
	d.memory.TestAndSet(ev.ID)
	return inserted
}
