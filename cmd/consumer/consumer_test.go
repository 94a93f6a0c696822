package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/ride-lifecycle/internal/models"
)

// fakeUpdater implements RedisUpdater for tests
type fakeUpdater struct {
	failStatus  int // number of times to fail SetRideStatus before succeeding
	statusCalls int
	version     time.Time
	positions   map[string]models.Coord
	removed     []string
}

func newFakeUpdater(failStatus int) *fakeUpdater {
	return &fakeUpdater{failStatus: failStatus, positions: map[string]models.Coord{}}
}

func (f *fakeUpdater) SetRideStatus(ctx context.Context, ride models.Ride) (bool, error) {
	f.statusCalls++
	if f.statusCalls <= f.failStatus {
		return false, errors.New("hset fail")
	}
	if ride.UpdatedAt.Before(f.version) {
		return false, nil
	}
	f.version = ride.UpdatedAt
	return true, nil
}

func (f *fakeUpdater) SetDriverPosition(ctx context.Context, rideID string, c models.Coord) error {
	f.positions[rideID] = c
	return nil
}

func (f *fakeUpdater) RemoveDriverPosition(ctx context.Context, rideID string) error {
	delete(f.positions, rideID)
	f.removed = append(f.removed, rideID)
	return nil
}

func TestUpdateRedisWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := newFakeUpdater(2)
	loc := models.Coord{Lat: 1, Lng: 2}
	ride := models.Ride{ID: "r1", Status: models.StatusInProgress, DriverLocation: &loc}
	start := time.Now()
	if err := updateRedisWithRetry(context.Background(), f, ride, 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.statusCalls != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.statusCalls)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatalf("expected doubling backoff between attempts")
	}
	if got := f.positions["r1"]; got != loc {
		t.Fatalf("position not projected: %+v", got)
	}
}

func TestUpdateRedisWithRetry_FailsWhenExhausted(t *testing.T) {
	f := newFakeUpdater(5)
	if err := updateRedisWithRetry(context.Background(), f, models.Ride{ID: "r1"}, 3, time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
	if f.statusCalls != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.statusCalls)
	}
}

func TestUpdateRedisWithRetry_StopsOnCancel(t *testing.T) {
	f := newFakeUpdater(5)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := updateRedisWithRetry(ctx, f, models.Ride{ID: "r1"}, 3, time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestApplyRide_TerminalRemovesPosition(t *testing.T) {
	f := newFakeUpdater(0)
	loc := models.Coord{Lat: 1, Lng: 2}
	f.positions["r1"] = loc

	if err := applyRide(context.Background(), f, models.Ride{ID: "r1", Status: models.StatusCompleted, DriverLocation: &loc}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, ok := f.positions["r1"]; ok || len(f.removed) != 1 {
		t.Fatalf("terminal ride should leave the position set, removed=%v", f.removed)
	}
}

func TestApplyRide_SkipsStaleSnapshot(t *testing.T) {
	f := newFakeUpdater(0)
	now := time.Now()
	newer := models.Coord{Lat: 1, Lng: 1}
	older := models.Coord{Lat: 2, Lng: 2}

	if err := applyRide(context.Background(), f, models.Ride{ID: "r1", Status: models.StatusInProgress, DriverLocation: &newer, UpdatedAt: now}); err != nil {
		t.Fatalf("apply newer: %v", err)
	}
	if err := applyRide(context.Background(), f, models.Ride{ID: "r1", Status: models.StatusInProgress, DriverLocation: &older, UpdatedAt: now.Add(-time.Second)}); err != nil {
		t.Fatalf("apply older: %v", err)
	}
	if got := f.positions["r1"]; got != newer {
		t.Fatalf("stale snapshot overwrote position: %+v", got)
	}
}
