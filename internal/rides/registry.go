// Package rides owns ride records and the status state machine.
package rides

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-lifecycle/internal/fare"
	"github.com/example/ride-lifecycle/internal/models"
	"github.com/example/ride-lifecycle/internal/observability"
	"github.com/example/ride-lifecycle/internal/realtime"
)

// PaymentOrchestrator performs the payment side effects of accept and complete.
type PaymentOrchestrator interface {
	Authorize(ctx context.Context, ride models.Ride) (string, error)
	Capture(ctx context.Context, ride models.Ride) error
}

type Broadcaster interface {
	Broadcast(rideID string, ev realtime.Event)
}

// Replicator receives every new ride state for best-effort persistence.
type Replicator interface {
	ReplicateRide(ride models.Ride)
}

type entry struct {
	// mu guards ride. payMu serializes the payment side effects of a single
	// ride and is always taken before mu.
	mu    sync.Mutex
	payMu sync.Mutex
	ride  *models.Ride
}

type Registry struct {
	mu    sync.RWMutex
	rides map[string]*entry

	fare        *fare.Estimator
	payments    PaymentOrchestrator
	broadcaster Broadcaster
	replicator  Replicator
	logger      *slog.Logger

	now func() time.Time
}

// NewRegistry wires the registry to its collaborators. Any of payments,
// broadcaster or replicator may be nil.
func NewRegistry(est *fare.Estimator, payments PaymentOrchestrator, broadcaster Broadcaster, replicator Replicator, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		rides:       make(map[string]*entry),
		fare:        est,
		payments:    payments,
		broadcaster: broadcaster,
		replicator:  replicator,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Request quotes and stores a new ride in the requested status.
func (r *Registry) Request(pickup, dropoff models.Coord, class models.RideClass) (*models.Ride, error) {
	if class == "" {
		class = models.ClassStandard
	}
	quote, err := r.fare.Estimate(pickup, dropoff, class)
	if err != nil {
		return nil, err
	}
	now := r.now()
	ride := &models.Ride{
		ID:        uuid.NewString(),
		Pickup:    pickup,
		Dropoff:   dropoff,
		Class:     class,
		Status:    models.StatusRequested,
		Quote:     quote,
		CreatedAt: now,
		UpdatedAt: now,
	}

	r.mu.Lock()
	r.rides[ride.ID] = &entry{ride: ride}
	r.mu.Unlock()

	observability.RidesCreated.Inc()
	snap := ride.Clone()
	r.publish(snap)
	return snap, nil
}

// Accept binds a driver to a requested ride and places a payment hold.
// A failed hold is logged and the ride stays accepted without one.
func (r *Registry) Accept(ctx context.Context, id, driverID string) (*models.Ride, error) {
	driverID = strings.TrimSpace(driverID)
	if driverID == "" {
		return nil, fmt.Errorf("%w: driverId is required", models.ErrValidation)
	}
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}

	e.payMu.Lock()
	defer e.payMu.Unlock()

	snap, err := r.transition(e, models.StatusAccepted, func(ride *models.Ride) {
		ride.DriverID = &driverID
	})
	if err != nil {
		return nil, err
	}

	if r.payments != nil && snap.PaymentIntentID == nil {
		ref, err := r.payments.Authorize(ctx, *snap)
		switch {
		case err != nil:
			r.logger.WarnContext(ctx, "payment authorization failed", "ride_id", id, "error", err)
		case ref != "":
			e.mu.Lock()
			if e.ride.PaymentIntentID == nil {
				e.ride.PaymentIntentID = &ref
				e.ride.UpdatedAt = r.now()
			}
			snap = e.ride.Clone()
			e.mu.Unlock()
		}
	}

	r.publish(snap)
	return snap, nil
}

func (r *Registry) Start(id string) (*models.Ride, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	snap, err := r.transition(e, models.StatusInProgress, nil)
	if err != nil {
		return nil, err
	}
	r.publish(snap)
	return snap, nil
}

// Complete finishes the ride and captures its payment hold, if any.
// A failed capture does not undo the transition.
func (r *Registry) Complete(ctx context.Context, id string) (*models.Ride, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}

	e.payMu.Lock()
	defer e.payMu.Unlock()

	snap, err := r.transition(e, models.StatusCompleted, nil)
	if err != nil {
		return nil, err
	}
	if r.payments != nil && snap.PaymentIntentID != nil {
		if err := r.payments.Capture(ctx, *snap); err != nil {
			r.logger.WarnContext(ctx, "payment capture failed", "ride_id", id, "payment_intent_id", *snap.PaymentIntentID, "error", err)
		}
	}
	r.publish(snap)
	return snap, nil
}

func (r *Registry) Cancel(id string) (*models.Ride, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	snap, err := r.transition(e, models.StatusCancelled, nil)
	if err != nil {
		return nil, err
	}
	r.publish(snap)
	return snap, nil
}

// RecordLocation overwrites the live driver coordinate of a non-terminal ride.
func (r *Registry) RecordLocation(id string, loc models.Coord) error {
	if !loc.Valid() {
		return fmt.Errorf("%w: lat must be in [-90,90] and lng in [-180,180]", models.ErrValidation)
	}
	e, err := r.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.ride.Status.Terminal() {
		status := e.ride.Status
		e.mu.Unlock()
		return fmt.Errorf("%w: ride is %s", models.ErrInvalidState, status)
	}
	e.ride.DriverLocation = &loc
	e.ride.UpdatedAt = r.now()
	snap := e.ride.Clone()
	e.mu.Unlock()

	observability.DriverLocationUpdates.Inc()
	if r.broadcaster != nil {
		r.broadcaster.Broadcast(id, realtime.DriverLocation(id, loc))
	}
	if r.replicator != nil {
		r.replicator.ReplicateRide(*snap)
	}
	return nil
}

func (r *Registry) Get(id string) (*models.Ride, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ride.Clone(), nil
}

// List returns rides ordered by creation time; a nil status returns all of them.
func (r *Registry) List(status *models.RideStatus) []*models.Ride {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.rides))
	for _, e := range r.rides {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]*models.Ride, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if status == nil || e.ride.Status == *status {
			out = append(out, e.ride.Clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ListOpen returns rides still waiting for a driver.
func (r *Registry) ListOpen() []*models.Ride {
	st := models.StatusRequested
	return r.List(&st)
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.rides[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: ride %s", models.ErrNotFound, id)
	}
	return e, nil
}

// transition applies a state machine edge atomically and returns a copy of the result.
func (r *Registry) transition(e *entry, to models.RideStatus, mutate func(*models.Ride)) (*models.Ride, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !CanTransition(e.ride.Status, to) {
		return nil, fmt.Errorf("%w: cannot move ride from %s to %s", models.ErrInvalidState, e.ride.Status, to)
	}
	e.ride.Status = to
	if mutate != nil {
		mutate(e.ride)
	}
	e.ride.UpdatedAt = r.now()
	observability.RideTransitions.WithLabelValues(string(to)).Inc()
	return e.ride.Clone(), nil
}

func (r *Registry) publish(snap *models.Ride) {
	if r.broadcaster != nil {
		r.broadcaster.Broadcast(snap.ID, realtime.RideUpdated(snap))
	}
	if r.replicator != nil {
		r.replicator.ReplicateRide(*snap)
	}
}
