package webhook

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/example/ride-lifecycle/internal/models"
)

type fakeStore struct {
	mu   sync.Mutex
	seen map[string]bool
	down bool
}

func (f *fakeStore) MarkProcessed(ctx context.Context, ev models.WebhookEvent) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return false, errors.New("connection refused")
	}
	if f.seen == nil {
		f.seen = map[string]bool{}
	}
	if f.seen[ev.ID] {
		return false, nil
	}
	f.seen[ev.ID] = true
	return true, nil
}

func TestMemorySetEvictsOldest(t *testing.T) {
	m := NewMemorySet(3)
	for i := 0; i < 4; i++ {
		if !m.TestAndSet(fmt.Sprintf("evt_%d", i)) {
			t.Fatalf("evt_%d should be new", i)
		}
	}
	if m.Len() != 3 {
		t.Fatalf("expected capacity 3, got %d", m.Len())
	}
	if m.Contains("evt_0") {
		t.Fatal("oldest id should have been evicted")
	}
	if m.TestAndSet("evt_3") {
		t.Fatal("evt_3 is still tracked")
	}
}

func TestProcessDuplicateDelivery(t *testing.T) {
	var calls atomic.Int64
	d := NewDeduplicator(&fakeStore{}, nil, 0, func(context.Context, models.WebhookEvent) { calls.Add(1) }, nil)
	ev := models.WebhookEvent{ID: "evt_1", Type: "payment_intent.succeeded"}

	if dup := isDuplicate(d.Process(context.Background(), ev)); dup {
		t.Fatal("first delivery is not a duplicate")
	}
	if dup := isDuplicate(d.Process(context.Background(), ev)); !dup {
		t.Fatal("second delivery should be a duplicate")
	}
	if calls.Load() != 1 {
		t.Fatalf("expected one handler call, got %d", calls.Load())
	}
}

func TestStoreIsAuthoritativeAcrossProcesses(t *testing.T) {
	store := &fakeStore{}
	first := NewDeduplicator(store, nil, 0, nil, nil)
	second := NewDeduplicator(store, nil, 0, nil, nil)
	ev := models.WebhookEvent{ID: "evt_2"}
	if isDuplicate(first.Process(context.Background(), ev)) {
		t.Fatal("first delivery is not a duplicate")
	}
	if !isDuplicate(second.Process(context.Background(), ev)) {
		t.Fatal("store record should make the redelivery a duplicate")
	}
}

func TestStoreOutageFallsBackToMemory(t *testing.T) {
	d := NewDeduplicator(&fakeStore{down: true}, NewMemorySet(10), 0, nil, nil)
	ev := models.WebhookEvent{ID: "evt_3"}
	if isDuplicate(d.Process(context.Background(), ev)) {
		t.Fatal("first delivery is not a duplicate")
	}
	if !isDuplicate(d.Process(context.Background(), ev)) {
		t.Fatal("memory tier should catch the redelivery")
	}
}

func TestConcurrentDeliveriesSingleWinner(t *testing.T) {
	for name, store := range map[string]Store{"memory": nil, "store": &fakeStore{}, "store-down": &fakeStore{down: true}} {
		t.Run(name, func(t *testing.T) {
			var calls atomic.Int64
			d := NewDeduplicator(store, nil, 0, func(context.Context, models.WebhookEvent) { calls.Add(1) }, nil)
			var wg sync.WaitGroup
			var fresh atomic.Int64
			for i := 0; i < 50; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if !isDuplicate(d.Process(context.Background(), models.WebhookEvent{ID: "evt_race"})) {
						fresh.Add(1)
					}
				}()
			}
			wg.Wait()
			if fresh.Load() != 1 || calls.Load() != 1 {
				t.Fatalf("expected exactly one winner, got fresh=%d calls=%d", fresh.Load(), calls.Load())
			}
		})
	}
}

func isDuplicate(err error) bool { return errors.Is(err, models.ErrDuplicateEvent) }
