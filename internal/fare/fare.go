// Package fare computes the static per-kilometre quote attached to rides.
package fare

import (
	"fmt"
	"math"

	"github.com/example/ride-lifecycle/internal/geo"
	"github.com/example/ride-lifecycle/internal/models"
)

const (
	BaseFare = 2.5
	MinFare  = 5.0
)

var ratePerKm = map[models.RideClass]float64{
	models.ClassStandard: 1.2,
	models.ClassPremium:  1.8,
	models.ClassXL:       2.0,
}

// Estimator is shared by the quote endpoint and ride creation.
type Estimator struct {
	Currency string
}

func NewEstimator(currency string) *Estimator {
	return &Estimator{Currency: currency}
}

// Estimate returns the distance (rounded to 2 decimals) and the price for a trip.
// The price uses the unrounded distance: max(5, round_cents(2.5 + km*rate)).
func (e *Estimator) Estimate(pickup, dropoff models.Coord, class models.RideClass) (models.Quote, error) {
	rate, ok := ratePerKm[class]
	if !ok {
		return models.Quote{}, fmt.Errorf("%w: unknown ride class %q", models.ErrValidation, class)
	}
	if !pickup.Valid() || !dropoff.Valid() {
		return models.Quote{}, fmt.Errorf("%w: coordinates out of range", models.ErrValidation)
	}
	km := geo.DistanceKm(pickup, dropoff)
	return models.Quote{
		DistanceKm: roundCents(km),
		Currency:   e.Currency,
		Estimate:   Price(km, rate),
	}, nil
}

// Price applies the fare formula for a distance and per-km rate.
func Price(distanceKm, rate float64) float64 {
	return math.Max(MinFare, roundCents(BaseFare+distanceKm*rate))
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
