package payments

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-lifecycle/internal/models"
)

type RideLookup interface {
	Get(id string) (*models.Ride, error)
}

// RefundReplicator receives refund state changes for best-effort persistence.
type RefundReplicator interface {
	ReplicateRefund(refund models.Refund)
}

// RefundService keeps refund requests in memory and resolves them through
// the orchestrator. The in-memory records are authoritative.
type RefundService struct {
	mu      sync.Mutex
	refunds map[string]*models.Refund
	// inFlight holds refunds with a processor call outstanding; they cannot
	// be approved or rejected again until it returns.
	inFlight map[string]struct{}

	rides      RideLookup
	payments   *Orchestrator
	replicator RefundReplicator
	logger     *slog.Logger
	now        func() time.Time
}

func NewRefundService(rides RideLookup, payments *Orchestrator, replicator RefundReplicator, logger *slog.Logger) *RefundService {
	if logger == nil {
		logger = slog.Default()
	}
	return &RefundService{
		refunds:    make(map[string]*models.Refund),
		inFlight:   make(map[string]struct{}),
		rides:      rides,
		payments:   payments,
		replicator: replicator,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Request opens a refund for an existing ride. A nil amount means a full refund.
func (s *RefundService) Request(rideID string, amount *int64, reason *string) (*models.Refund, error) {
	if strings.TrimSpace(rideID) == "" {
		return nil, fmt.Errorf("%w: rideId is required", models.ErrValidation)
	}
	if amount != nil && *amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", models.ErrValidation)
	}
	ride, err := s.rides.Get(rideID)
	if err != nil {
		return nil, err
	}
	if quoted := ride.Quote.AmountMinor(); amount != nil && quoted > 0 && *amount > quoted {
		return nil, fmt.Errorf("%w: amount %d exceeds the fare of %d", models.ErrValidation, *amount, quoted)
	}
	now := s.now()
	refund := &models.Refund{
		ID:        uuid.NewString(),
		RideID:    rideID,
		Amount:    amount,
		Reason:    reason,
		Status:    models.RefundRequested,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.mu.Lock()
	s.refunds[refund.ID] = refund
	snap := refund.Clone()
	s.mu.Unlock()

	s.replicate(snap)
	return snap, nil
}

func (s *RefundService) Get(id string) (*models.Refund, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.refunds[id]
	if !ok {
		return nil, fmt.Errorf("%w: refund %s", models.ErrNotFound, id)
	}
	return r.Clone(), nil
}

// List returns refunds for a ride, oldest first.
func (s *RefundService) List(rideID string) []*models.Refund {
	s.mu.Lock()
	out := make([]*models.Refund, 0)
	for _, r := range s.refunds {
		if rideID == "" || r.RideID == rideID {
			out = append(out, r.Clone())
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Approve sends the refund to the processor. Only completed rides, whose
// payment has been captured, can be refunded. On processor failure the
// request stays in the requested status so it can be approved again.
func (s *RefundService) Approve(ctx context.Context, id string) (*models.Refund, error) {
	refund, err := s.claim(id)
	if err != nil {
		return nil, err
	}
	ref, err := s.issue(ctx, refund)
	if err != nil {
		s.release(id)
		return nil, err
	}
	return s.resolve(id, models.RefundRefunded, &ref), nil
}

func (s *RefundService) issue(ctx context.Context, refund *models.Refund) (string, error) {
	ride, err := s.rides.Get(refund.RideID)
	if err != nil {
		return "", err
	}
	if ride.PaymentIntentID == nil {
		return "", fmt.Errorf("%w: ride %s", models.ErrNoPayment, ride.ID)
	}
	if ride.Status != models.StatusCompleted {
		return "", fmt.Errorf("%w: ride is %s; only completed rides can be refunded", models.ErrInvalidState, ride.Status)
	}
	if s.payments == nil {
		return "", fmt.Errorf("%w: payment processor not configured", models.ErrPayment)
	}

	req := RefundRequest{RefundID: refund.ID, Ref: *ride.PaymentIntentID, Amount: refund.Amount}
	if refund.Reason != nil {
		req.Reason = *refund.Reason
	}
	ref, err := s.payments.Refund(ctx, req)
	if err != nil {
		s.logger.WarnContext(ctx, "refund failed", "refund_id", refund.ID, "ride_id", ride.ID, "error", err)
		return "", err
	}
	s.logger.InfoContext(ctx, "refund issued", "refund_id", refund.ID, "ride_id", ride.ID, "processor_refund_id", ref)
	return ref, nil
}

func (s *RefundService) Reject(id string) (*models.Refund, error) {
	if _, err := s.claim(id); err != nil {
		return nil, err
	}
	return s.resolve(id, models.RefundRejected, nil), nil
}

// claim marks a requested refund as being resolved and returns a copy of it.
// Claims are per refund, so approvals of different refunds run in parallel.
func (s *RefundService) claim(id string) (*models.Refund, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	refund, ok := s.refunds[id]
	if !ok {
		return nil, fmt.Errorf("%w: refund %s", models.ErrNotFound, id)
	}
	if refund.Status != models.RefundRequested {
		return nil, fmt.Errorf("%w: refund is %s", models.ErrInvalidState, refund.Status)
	}
	if _, busy := s.inFlight[id]; busy {
		return nil, fmt.Errorf("%w: refund approval already in progress", models.ErrInvalidState)
	}
	s.inFlight[id] = struct{}{}
	return refund.Clone(), nil
}

func (s *RefundService) release(id string) {
	s.mu.Lock()
	delete(s.inFlight, id)
	s.mu.Unlock()
}

func (s *RefundService) resolve(id string, status models.RefundStatus, processorRef *string) *models.Refund {
	s.mu.Lock()
	delete(s.inFlight, id)
	refund := s.refunds[id]
	refund.Status = status
	refund.ProcessorRefundID = processorRef
	refund.UpdatedAt = s.now()
	snap := refund.Clone()
	s.mu.Unlock()

	s.replicate(snap)
	return snap
}

func (s *RefundService) replicate(r *models.Refund) {
	if s.replicator != nil {
		s.replicator.ReplicateRefund(*r)
	}
}
