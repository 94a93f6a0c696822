// Package payments ties payment processor operations to rides and refunds.
package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-lifecycle/internal/models"
	"github.com/example/ride-lifecycle/internal/observability"
)

// ErrInvalidSignature is returned by VerifyWebhook for unsigned or tampered payloads.
var ErrInvalidSignature = errors.New("invalid webhook signature")

type AuthorizationRequest struct {
	RideID         string
	Amount         int64 // minor units
	Currency       string
	IdempotencyKey string
}

type RefundRequest struct {
	RefundID string
	Ref      string
	Amount   *int64
	Reason   string
}

// Processor is the remote payment service.
type Processor interface {
	Authorize(ctx context.Context, req AuthorizationRequest) (string, error)
	Capture(ctx context.Context, ref, idempotencyKey string) error
	Refund(ctx context.Context, req RefundRequest) (string, error)
	VerifyWebhook(payload []byte, signature string) (models.WebhookEvent, error)
}

func authorizeKey(rideID string) string { return "accept:" + rideID }
func captureKey(rideID string) string   { return "complete:" + rideID }
func refundKey(refundID string) string  { return "refund:" + refundID }

// Orchestrator issues and captures the payment hold of a ride. Every
// processor call is bounded by Timeout and failures come back wrapped in
// models.ErrPayment.
type Orchestrator struct {
	processor Processor
	currency  string
	timeout   time.Duration
	logger    *slog.Logger
}

func NewOrchestrator(p Processor, currency string, timeout time.Duration, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{processor: p, currency: currency, timeout: timeout, logger: logger}
}

// Authorize places a manual-capture hold for the ride quote. Rides that
// already carry a reference are returned unchanged.
func (o *Orchestrator) Authorize(ctx context.Context, ride models.Ride) (string, error) {
	if ride.PaymentIntentID != nil {
		return *ride.PaymentIntentID, nil
	}
	ctx, cancel := o.bound(ctx)
	defer cancel()

	start := time.Now()
	ref, err := o.processor.Authorize(ctx, AuthorizationRequest{
		RideID:         ride.ID,
		Amount:         ride.Quote.AmountMinor(),
		Currency:       o.currency,
		IdempotencyKey: authorizeKey(ride.ID),
	})
	o.record("authorize", start, err)
	if err != nil {
		return "", fmt.Errorf("%w: authorize ride %s: %v", models.ErrPayment, ride.ID, err)
	}
	o.logger.InfoContext(ctx, "payment authorized", "ride_id", ride.ID, "payment_intent_id", ref)
	return ref, nil
}

// Capture settles the hold created on accept. Rides without one are a no-op.
func (o *Orchestrator) Capture(ctx context.Context, ride models.Ride) error {
	if ride.PaymentIntentID == nil {
		return nil
	}
	ctx, cancel := o.bound(ctx)
	defer cancel()

	start := time.Now()
	err := o.processor.Capture(ctx, *ride.PaymentIntentID, captureKey(ride.ID))
	o.record("capture", start, err)
	if err != nil {
		return fmt.Errorf("%w: capture ride %s: %v", models.ErrPayment, ride.ID, err)
	}
	o.logger.InfoContext(ctx, "payment captured", "ride_id", ride.ID, "payment_intent_id", *ride.PaymentIntentID)
	return nil
}

// Refund returns money for a captured ride.
func (o *Orchestrator) Refund(ctx context.Context, req RefundRequest) (string, error) {
	ctx, cancel := o.bound(ctx)
	defer cancel()

	start := time.Now()
	ref, err := o.processor.Refund(ctx, req)
	o.record("refund", start, err)
	if err != nil {
		return "", fmt.Errorf("%w: refund %s: %v", models.ErrPayment, req.RefundID, err)
	}
	return ref, nil
}

func (o *Orchestrator) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.timeout)
}

func (o *Orchestrator) record(op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	observability.PaymentOperations.WithLabelValues(op, result).Inc()
	observability.PaymentLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
