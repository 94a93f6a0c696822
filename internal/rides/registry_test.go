package rides

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/ride-lifecycle/internal/fare"
	"github.com/example/ride-lifecycle/internal/models"
	"github.com/example/ride-lifecycle/internal/realtime"
)

type fakePayments struct {
	mu         sync.Mutex
	authorized map[string]int
	captured   map[string]int
	failAuth   bool
	failCap    bool
	delay      time.Duration
}

func newFakePayments() *fakePayments {
	return &fakePayments{authorized: map[string]int{}, captured: map[string]int{}}
}

func (f *fakePayments) Authorize(ctx context.Context, ride models.Ride) (string, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAuth {
		return "", fmt.Errorf("%w: card declined", models.ErrPayment)
	}
	f.authorized[ride.ID]++
	return "pi_" + ride.ID, nil
}

func (f *fakePayments) Capture(ctx context.Context, ride models.Ride) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCap {
		return fmt.Errorf("%w: capture failed", models.ErrPayment)
	}
	f.captured[*ride.PaymentIntentID]++
	return nil
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []realtime.Event
}

func (b *recordingBroadcaster) Broadcast(rideID string, ev realtime.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
}

func (b *recordingBroadcaster) types() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.events))
	for _, ev := range b.events {
		out = append(out, ev.Type)
	}
	return out
}

type countingReplicator struct{ n atomic.Int64 }

func (c *countingReplicator) ReplicateRide(models.Ride) { c.n.Add(1) }

func newTestRegistry(p PaymentOrchestrator) (*Registry, *recordingBroadcaster, *countingReplicator) {
	b := &recordingBroadcaster{}
	rep := &countingReplicator{}
	reg := NewRegistry(fare.NewEstimator("usd"), p, b, rep, nil)
	return reg, b, rep
}

func mustRequest(t *testing.T, reg *Registry) *models.Ride {
	t.Helper()
	ride, err := reg.Request(models.Coord{Lat: 0, Lng: 0}, models.Coord{Lat: 0, Lng: 1}, "")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	return ride
}

func TestRequestDefaultsAndQuote(t *testing.T) {
	reg, b, rep := newTestRegistry(nil)
	ride := mustRequest(t, reg)
	if ride.Status != models.StatusRequested {
		t.Fatalf("expected requested, got %s", ride.Status)
	}
	if ride.Class != models.ClassStandard {
		t.Fatalf("expected default class standard, got %s", ride.Class)
	}
	if ride.Quote.Estimate != 135.93 {
		t.Fatalf("expected quote 135.93, got %v", ride.Quote.Estimate)
	}
	if ride.ID == "" || ride.DriverID != nil || ride.PaymentIntentID != nil {
		t.Fatalf("unexpected ride fields: %+v", ride)
	}
	if got := b.types(); len(got) != 1 || got[0] != realtime.EventRideUpdated {
		t.Fatalf("expected one ride.updated event, got %v", got)
	}
	if rep.n.Load() != 1 {
		t.Fatalf("expected one replication, got %d", rep.n.Load())
	}
}

func TestRequestValidation(t *testing.T) {
	reg, _, _ := newTestRegistry(nil)
	if _, err := reg.Request(models.Coord{Lat: 95}, models.Coord{}, ""); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := reg.Request(models.Coord{}, models.Coord{}, "helicopter"); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if n := len(reg.List(nil)); n != 0 {
		t.Fatalf("no ride should have been stored, got %d", n)
	}
}

func TestHappyPathLifecycle(t *testing.T) {
	p := newFakePayments()
	reg, _, _ := newTestRegistry(p)
	ride := mustRequest(t, reg)
	ctx := context.Background()

	accepted, err := reg.Accept(ctx, ride.ID, "driver-1")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if accepted.Status != models.StatusAccepted || accepted.DriverID == nil || *accepted.DriverID != "driver-1" {
		t.Fatalf("unexpected accepted ride: %+v", accepted)
	}
	if accepted.PaymentIntentID == nil || *accepted.PaymentIntentID != "pi_"+ride.ID {
		t.Fatalf("expected payment hold attached, got %v", accepted.PaymentIntentID)
	}

	started, err := reg.Start(ride.ID)
	if err != nil || started.Status != models.StatusInProgress {
		t.Fatalf("start: %v %+v", err, started)
	}
	completed, err := reg.Complete(ctx, ride.ID)
	if err != nil || completed.Status != models.StatusCompleted {
		t.Fatalf("complete: %v %+v", err, completed)
	}
	if p.captured["pi_"+ride.ID] != 1 {
		t.Fatalf("expected exactly one capture, got %d", p.captured["pi_"+ride.ID])
	}
	if *completed.PaymentIntentID != "pi_"+ride.ID {
		t.Fatalf("payment reference must never change")
	}
}

func TestCompleteFromAcceptedBypass(t *testing.T) {
	reg, _, _ := newTestRegistry(newFakePayments())
	ride := mustRequest(t, reg)
	if _, err := reg.Accept(context.Background(), ride.ID, "d"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	got, err := reg.Complete(context.Background(), ride.ID)
	if err != nil || got.Status != models.StatusCompleted {
		t.Fatalf("expected completion from accepted, got %v %+v", err, got)
	}
}

func TestAcceptOnlyFromRequested(t *testing.T) {
	ctx := context.Background()
	setups := map[models.RideStatus]func(reg *Registry, id string){
		models.StatusAccepted: func(reg *Registry, id string) { _, _ = reg.Accept(ctx, id, "d0") },
		models.StatusInProgress: func(reg *Registry, id string) {
			_, _ = reg.Accept(ctx, id, "d0")
			_, _ = reg.Start(id)
		},
		models.StatusCompleted: func(reg *Registry, id string) {
			_, _ = reg.Accept(ctx, id, "d0")
			_, _ = reg.Complete(ctx, id)
		},
		models.StatusCancelled: func(reg *Registry, id string) { _, _ = reg.Cancel(id) },
	}
	for status, setup := range setups {
		t.Run(string(status), func(t *testing.T) {
			reg, _, _ := newTestRegistry(nil)
			ride := mustRequest(t, reg)
			setup(reg, ride.ID)
			if _, err := reg.Accept(ctx, ride.ID, "d1"); !errors.Is(err, models.ErrInvalidState) {
				t.Fatalf("expected invalid state, got %v", err)
			}
			got, _ := reg.Get(ride.ID)
			if got.Status != status {
				t.Fatalf("status changed from %s to %s", status, got.Status)
			}
		})
	}
}

func TestAcceptErrors(t *testing.T) {
	reg, _, _ := newTestRegistry(nil)
	ride := mustRequest(t, reg)
	if _, err := reg.Accept(context.Background(), ride.ID, "  "); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := reg.Accept(context.Background(), "missing", "d1"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAcceptRetryCreatesSingleAuthorization(t *testing.T) {
	p := newFakePayments()
	reg, _, _ := newTestRegistry(p)
	ride := mustRequest(t, reg)
	if _, err := reg.Accept(context.Background(), ride.ID, "d1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := reg.Accept(context.Background(), ride.ID, "d1"); !errors.Is(err, models.ErrInvalidState) {
		t.Fatalf("expected invalid state on retry, got %v", err)
	}
	if p.authorized[ride.ID] != 1 {
		t.Fatalf("expected one authorization, got %d", p.authorized[ride.ID])
	}
}

func TestConcurrentAcceptSingleWinner(t *testing.T) {
	p := newFakePayments()
	reg, _, _ := newTestRegistry(p)
	ride := mustRequest(t, reg)

	var wg sync.WaitGroup
	var wins atomic.Int64
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := reg.Accept(context.Background(), ride.ID, fmt.Sprintf("d%d", i)); err == nil {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("expected exactly one accept to win, got %d", wins.Load())
	}
	if p.authorized[ride.ID] != 1 {
		t.Fatalf("expected one authorization, got %d", p.authorized[ride.ID])
	}
}

func TestAuthorizationFailureStillAccepts(t *testing.T) {
	p := newFakePayments()
	p.failAuth = true
	reg, _, _ := newTestRegistry(p)
	ride := mustRequest(t, reg)
	got, err := reg.Accept(context.Background(), ride.ID, "d1")
	if err != nil {
		t.Fatalf("accept should succeed despite payment failure: %v", err)
	}
	if got.Status != models.StatusAccepted || got.PaymentIntentID != nil {
		t.Fatalf("expected accepted ride without hold, got %+v", got)
	}
	if _, err := reg.Complete(context.Background(), ride.ID); err != nil {
		t.Fatalf("complete without hold: %v", err)
	}
	if len(p.captured) != 0 {
		t.Fatalf("nothing to capture, got %v", p.captured)
	}
}

func TestCaptureFailureKeepsCompletion(t *testing.T) {
	p := newFakePayments()
	p.failCap = true
	reg, _, _ := newTestRegistry(p)
	ride := mustRequest(t, reg)
	_, _ = reg.Accept(context.Background(), ride.ID, "d1")
	got, err := reg.Complete(context.Background(), ride.ID)
	if err != nil || got.Status != models.StatusCompleted {
		t.Fatalf("expected completed despite capture failure, got %v %+v", err, got)
	}
}

func TestStartAndCancelGuards(t *testing.T) {
	reg, _, _ := newTestRegistry(nil)
	ride := mustRequest(t, reg)
	if _, err := reg.Start(ride.ID); !errors.Is(err, models.ErrInvalidState) {
		t.Fatalf("start from requested should fail, got %v", err)
	}
	if _, err := reg.Complete(context.Background(), ride.ID); !errors.Is(err, models.ErrInvalidState) {
		t.Fatalf("complete from requested should fail, got %v", err)
	}
	if _, err := reg.Cancel(ride.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := reg.Cancel(ride.ID); !errors.Is(err, models.ErrInvalidState) {
		t.Fatalf("second cancel should fail, got %v", err)
	}
	if _, err := reg.Start("nope"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRecordLocation(t *testing.T) {
	reg, b, _ := newTestRegistry(nil)
	ride := mustRequest(t, reg)

	if err := reg.RecordLocation(ride.ID, models.Coord{Lat: 91, Lng: 0}); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("lat 91 should be rejected, got %v", err)
	}
	if err := reg.RecordLocation(ride.ID, models.Coord{Lat: 0, Lng: -181}); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("lng -181 should be rejected, got %v", err)
	}
	if err := reg.RecordLocation(ride.ID, models.Coord{Lat: -90, Lng: 180}); err != nil {
		t.Fatalf("boundary values should be accepted: %v", err)
	}
	if err := reg.RecordLocation("missing", models.Coord{}); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	got, _ := reg.Get(ride.ID)
	if got.DriverLocation == nil || got.DriverLocation.Lat != -90 || got.DriverLocation.Lng != 180 {
		t.Fatalf("location not stored: %+v", got.DriverLocation)
	}
	types := b.types()
	if types[len(types)-1] != realtime.EventDriverLocation {
		t.Fatalf("expected driver.location event, got %v", types)
	}

	_, _ = reg.Cancel(ride.ID)
	if err := reg.RecordLocation(ride.ID, models.Coord{Lat: 1, Lng: 1}); !errors.Is(err, models.ErrInvalidState) {
		t.Fatalf("terminal ride should reject location, got %v", err)
	}
}

func TestLocationNotBlockedByPayment(t *testing.T) {
	p := newFakePayments()
	p.delay = 200 * time.Millisecond
	reg, _, _ := newTestRegistry(p)
	ride := mustRequest(t, reg)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = reg.Accept(context.Background(), ride.ID, "d1")
	}()

	deadline := time.Now().Add(time.Second)
	for {
		got, _ := reg.Get(ride.ID)
		if got.Status == models.StatusAccepted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("accept never transitioned")
		}
		time.Sleep(time.Millisecond)
	}
	start := time.Now()
	if err := reg.RecordLocation(ride.ID, models.Coord{Lat: 1, Lng: 1}); err != nil {
		t.Fatalf("location: %v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatalf("location update waited on the payment processor")
	}
	<-done
}

func TestListAndListOpen(t *testing.T) {
	reg, _, _ := newTestRegistry(nil)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var tick int
	reg.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	a := mustRequest(t, reg)
	b := mustRequest(t, reg)
	c := mustRequest(t, reg)
	_, _ = reg.Cancel(b.ID)

	all := reg.List(nil)
	if len(all) != 3 || all[0].ID != a.ID || all[2].ID != c.ID {
		t.Fatalf("unexpected ordering: %v", all)
	}
	open := reg.ListOpen()
	if len(open) != 2 {
		t.Fatalf("expected two open rides, got %d", len(open))
	}
	cancelled := models.StatusCancelled
	if got := reg.List(&cancelled); len(got) != 1 || got[0].ID != b.ID {
		t.Fatalf("unexpected filtered list: %v", got)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	reg, _, _ := newTestRegistry(nil)
	ride := mustRequest(t, reg)
	got, _ := reg.Get(ride.ID)
	got.Status = models.StatusCompleted
	again, _ := reg.Get(ride.ID)
	if again.Status != models.StatusRequested {
		t.Fatal("caller mutation leaked into the registry")
	}
}
