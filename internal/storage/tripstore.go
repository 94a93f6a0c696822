package storage

import (
	"context"
	"sync"

	"github.com/example/ride-lifecycle/internal/models"
)

// TripStore is the persistence collaborator for ride, refund and webhook records.
type TripStore interface {
	UpsertRide(ctx context.Context, r models.Ride) error
	UpsertRefund(ctx context.Context, r models.Refund) error
	MarkProcessed(ctx context.Context, ev models.WebhookEvent) (bool, error)
}

// MemoryStore is used when no database is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	rides   map[string]models.Ride
	refunds map[string]models.Refund
	events  map[string]models.WebhookEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:   make(map[string]models.Ride),
		refunds: make(map[string]models.Refund),
		events:  make(map[string]models.WebhookEvent),
	}
}

// UpsertRide keeps the newest version of a ride by UpdatedAt.
func (m *MemoryStore) UpsertRide(_ context.Context, r models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.rides[r.ID]; ok && cur.UpdatedAt.After(r.UpdatedAt) {
		return nil
	}
	m.rides[r.ID] = *r.Clone()
	return nil
}

func (m *MemoryStore) UpsertRefund(_ context.Context, r models.Refund) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.refunds[r.ID]; ok && cur.UpdatedAt.After(r.UpdatedAt) {
		return nil
	}
	m.refunds[r.ID] = *r.Clone()
	return nil
}

func (m *MemoryStore) MarkProcessed(_ context.Context, ev models.WebhookEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[ev.ID]; ok {
		return false, nil
	}
	m.events[ev.ID] = ev
	return true, nil
}

func (m *MemoryStore) Ride(id string) (models.Ride, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	return r, ok
}

func (m *MemoryStore) Refund(id string) (models.Refund, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.refunds[id]
	return r, ok
}
