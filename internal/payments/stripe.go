package payments

import (
	"context"
	"fmt"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/client"
	"github.com/stripe/stripe-go/v74/webhook"

	"github.com/example/ride-lifecycle/internal/models"
)

// StripeProcessor implements Processor with PaymentIntent hold/capture flows.
type StripeProcessor struct {
	sc            *client.API
	webhookSecret string
}

func NewStripeProcessor(apiKey, webhookSecret string) *StripeProcessor {
	sc := &client.API{}
	sc.Init(apiKey, nil)
	return &StripeProcessor{sc: sc, webhookSecret: webhookSecret}
}

// Authorize creates a PaymentIntent with capture_method=manual to hold funds.
func (s *StripeProcessor) Authorize(ctx context.Context, req AuthorizationRequest) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.Amount),
		Currency:      stripe.String(req.Currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddMetadata("ride_id", req.RideID)

	pi, err := s.sc.PaymentIntents.New(params)
	if err != nil {
		return "", fmt.Errorf("create payment intent: %w", err)
	}
	return pi.ID, nil
}

// Capture finalizes a previously held PaymentIntent.
func (s *StripeProcessor) Capture(ctx context.Context, ref, idempotencyKey string) error {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)
	if _, err := s.sc.PaymentIntents.Capture(ref, params); err != nil {
		return fmt.Errorf("capture payment intent %s: %w", ref, err)
	}
	return nil
}

// Refund returns money from a captured PaymentIntent. A nil amount refunds everything.
func (s *StripeProcessor) Refund(ctx context.Context, req RefundRequest) (string, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.Ref),
		Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	params.Context = ctx
	if req.Amount != nil {
		params.Amount = stripe.Int64(*req.Amount)
	}
	if req.Reason != "" {
		params.AddMetadata("reason", req.Reason)
	}
	if req.RefundID != "" {
		params.AddMetadata("refund_id", req.RefundID)
		params.SetIdempotencyKey(refundKey(req.RefundID))
	}

	refund, err := s.sc.Refunds.New(params)
	if err != nil {
		return "", fmt.Errorf("create refund: %w", err)
	}
	return refund.ID, nil
}

// VerifyWebhook checks the Stripe-Signature header against the endpoint secret.
func (s *StripeProcessor) VerifyWebhook(payload []byte, signature string) (models.WebhookEvent, error) {
	if s.webhookSecret == "" {
		return models.WebhookEvent{}, fmt.Errorf("%w: webhook secret not configured", ErrInvalidSignature)
	}
	event, err := webhook.ConstructEvent(payload, signature, s.webhookSecret)
	if err != nil {
		return models.WebhookEvent{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return models.WebhookEvent{ID: event.ID, Type: string(event.Type)}, nil
}
