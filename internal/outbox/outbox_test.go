package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-lifecycle/internal/models"
)

type fakeStore struct {
	mu       sync.Mutex
	failures int
	rides    []models.Ride
	refunds  []models.Refund
	calls    int
}

func (f *fakeStore) UpsertRide(ctx context.Context, r models.Ride) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return errors.New("connection reset")
	}
	f.rides = append(f.rides, r)
	return nil
}

func (f *fakeStore) UpsertRefund(ctx context.Context, r models.Refund) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refunds = append(f.refunds, r)
	return nil
}

type fakePublisher struct {
	mu        sync.Mutex
	rides     []string
	published chan string
}

func (f *fakePublisher) PublishRide(ctx context.Context, r models.Ride) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rides = append(f.rides, r.ID)
	if f.published != nil {
		f.published <- r.ID
	}
	return nil
}

// blockingStore holds every write until release is closed.
type blockingStore struct {
	release chan struct{}
}

func (b *blockingStore) UpsertRide(ctx context.Context, r models.Ride) error {
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *blockingStore) UpsertRefund(ctx context.Context, r models.Refund) error {
	return b.UpsertRide(ctx, models.Ride{})
}

func TestReplicatesToStoreAndStream(t *testing.T) {
	store, pub := &fakeStore{}, &fakePublisher{}
	o := New(store, pub, Config{Workers: 1, Backoff: time.Millisecond}, nil)
	o.Start()
	o.ReplicateRide(models.Ride{ID: "r1", Status: models.StatusRequested})
	o.ReplicateRefund(models.Refund{ID: "f1", RideID: "r1"})
	if err := o.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(store.rides) != 1 || len(store.refunds) != 1 {
		t.Fatalf("unexpected store contents: rides=%d refunds=%d", len(store.rides), len(store.refunds))
	}
	if len(pub.rides) != 1 || pub.rides[0] != "r1" {
		t.Fatalf("refunds must not be published, got %v", pub.rides)
	}
	if len(o.DeadLetters()) != 0 {
		t.Fatalf("unexpected dead letters: %v", o.DeadLetters())
	}
}

func TestSlowStoreDoesNotDelayStream(t *testing.T) {
	store := &blockingStore{release: make(chan struct{})}
	pub := &fakePublisher{published: make(chan string, 1)}
	o := New(store, pub, Config{Workers: 1, Timeout: 5 * time.Second}, nil)
	o.Start()
	o.ReplicateRide(models.Ride{ID: "r1"})

	select {
	case id := <-pub.published:
		if id != "r1" {
			t.Fatalf("unexpected published ride %s", id)
		}
	case <-time.After(time.Second):
		t.Fatal("stream publish waited on the store")
	}
	close(store.release)
	if err := o.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(o.DeadLetters()) != 0 {
		t.Fatalf("unexpected dead letters: %v", o.DeadLetters())
	}
}

func TestRetriesTransientFailures(t *testing.T) {
	store := &fakeStore{failures: 2}
	o := New(store, nil, Config{Workers: 1, Attempts: 3, Backoff: time.Millisecond}, nil)
	o.Start()
	o.ReplicateRide(models.Ride{ID: "r1"})
	_ = o.Close(context.Background())
	if store.calls != 3 || len(store.rides) != 1 {
		t.Fatalf("expected success on third attempt, calls=%d stored=%d", store.calls, len(store.rides))
	}
}

func TestExhaustedRetriesBecomeDeadLetters(t *testing.T) {
	store := &fakeStore{failures: 10}
	o := New(store, nil, Config{Workers: 1, Attempts: 2, Backoff: time.Millisecond}, nil)
	o.Start()
	o.ReplicateRide(models.Ride{ID: "r1"})
	_ = o.Close(context.Background())
	dl := o.DeadLetters()
	if len(dl) != 1 || dl[0].Sink != "store" || dl[0].Kind != "ride" || dl[0].ID != "r1" {
		t.Fatalf("unexpected dead letters: %+v", dl)
	}
}

func TestFullQueueAndClosedOutboxNeverBlock(t *testing.T) {
	o := New(&fakeStore{}, nil, Config{Workers: 1, QueueSize: 1}, nil)
	// not started: the second job cannot fit
	o.ReplicateRide(models.Ride{ID: "a"})
	o.ReplicateRide(models.Ride{ID: "b"})
	if dl := o.DeadLetters(); len(dl) != 1 || dl[0].ID != "b" || dl[0].Sink != "queue" {
		t.Fatalf("expected queue overflow dead letter, got %+v", dl)
	}
	o.Start()
	_ = o.Close(context.Background())
	o.ReplicateRide(models.Ride{ID: "c"})
	if len(o.DeadLetters()) != 2 {
		t.Fatalf("expected job after close to be dead-lettered, got %+v", o.DeadLetters())
	}
}
