package models

import (
	"math"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the coordinate lies inside the WGS84 range.
func (c Coord) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

type RideClass string

const (
	ClassStandard RideClass = "standard"
	ClassPremium  RideClass = "premium"
	ClassXL       RideClass = "xl"
)

// ParseRideClass maps user input to a class; empty input means standard.
func ParseRideClass(s string) (RideClass, bool) {
	switch RideClass(s) {
	case "":
		return ClassStandard, true
	case ClassStandard, ClassPremium, ClassXL:
		return RideClass(s), true
	}
	return "", false
}

type RideStatus string

const (
	StatusRequested  RideStatus = "requested"
	StatusMatched    RideStatus = "matched" // reserved for a driver-matching step; no transition reaches it yet
	StatusAccepted   RideStatus = "accepted"
	StatusInProgress RideStatus = "in_progress"
	StatusCompleted  RideStatus = "completed"
	StatusCancelled  RideStatus = "cancelled"
)

func ParseRideStatus(s string) (RideStatus, bool) {
	switch st := RideStatus(s); st {
	case StatusRequested, StatusMatched, StatusAccepted, StatusInProgress, StatusCompleted, StatusCancelled:
		return st, true
	}
	return "", false
}

// Terminal reports whether no further transition can leave the status.
func (s RideStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Quote is frozen on the ride at creation time.
type Quote struct {
	DistanceKm float64 `json:"distanceKm"`
	Currency   string  `json:"currency"`
	Estimate   float64 `json:"estimate"`
}

// AmountMinor converts the estimate into minor currency units (cents).
func (q Quote) AmountMinor() int64 {
	return int64(math.Round(q.Estimate * 100))
}

type Ride struct {
	ID              string     `json:"id"`
	Pickup          Coord      `json:"pickup"`
	Dropoff         Coord      `json:"dropoff"`
	Class           RideClass  `json:"rideClass"`
	Status          RideStatus `json:"status"`
	DriverID        *string    `json:"driverId,omitempty"`
	Quote           Quote      `json:"quote"`
	PaymentIntentID *string    `json:"paymentIntentId,omitempty"`
	DriverLocation  *Coord     `json:"driverLocation,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// Clone returns a deep copy so callers never share optional fields with the registry.
func (r *Ride) Clone() *Ride {
	if r == nil {
		return nil
	}
	c := *r
	if r.DriverID != nil {
		v := *r.DriverID
		c.DriverID = &v
	}
	if r.PaymentIntentID != nil {
		v := *r.PaymentIntentID
		c.PaymentIntentID = &v
	}
	if r.DriverLocation != nil {
		v := *r.DriverLocation
		c.DriverLocation = &v
	}
	return &c
}

type RefundStatus string

const (
	RefundRequested RefundStatus = "requested"
	RefundRefunded  RefundStatus = "refunded"
	RefundRejected  RefundStatus = "rejected"
)

type Refund struct {
	ID                string       `json:"id"`
	RideID            string       `json:"rideId"`
	Amount            *int64       `json:"amount,omitempty"` // minor units; nil refunds the full capture
	Reason            *string      `json:"reason,omitempty"`
	Status            RefundStatus `json:"status"`
	ProcessorRefundID *string      `json:"processorRefundId,omitempty"`
	CreatedAt         time.Time    `json:"createdAt"`
	UpdatedAt         time.Time    `json:"updatedAt"`
}

func (r *Refund) Clone() *Refund {
	if r == nil {
		return nil
	}
	c := *r
	if r.Amount != nil {
		v := *r.Amount
		c.Amount = &v
	}
	if r.Reason != nil {
		v := *r.Reason
		c.Reason = &v
	}
	if r.ProcessorRefundID != nil {
		v := *r.ProcessorRefundID
		c.ProcessorRefundID = &v
	}
	return &c
}

// WebhookEvent is a verified delivery from the payment processor.
type WebhookEvent struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	ProcessedAt time.Time `json:"processedAt"`
}
