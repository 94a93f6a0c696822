package models

import "errors"

var (
	// ErrValidation marks malformed or out-of-range input.
	ErrValidation = errors.New("validation error")

	// ErrNotFound is returned for unknown ride or refund ids.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState is returned when a transition is not permitted from the current status.
	ErrInvalidState = errors.New("invalid state")

	// ErrNoPayment is returned when a refund targets a ride without an authorization.
	ErrNoPayment = errors.New("ride has no payment")

	// ErrPayment wraps failures reported by the payment processor.
	ErrPayment = errors.New("payment error")

	// ErrDuplicateEvent marks a webhook event that was already processed.
	ErrDuplicateEvent = errors.New("duplicate event")
)
