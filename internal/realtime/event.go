package realtime

import (
	"encoding/json"

	"github.com/example/ride-lifecycle/internal/models"
)

const (
	EventRideUpdated    = "ride.updated"
	EventDriverLocation = "driver.location"
	EventRideSnapshot   = "ride.snapshot"
	EventError          = "error"
	EventEcho           = "echo"
)

// Event is the tagged union pushed to websocket clients. Only the fields
// relevant to Type are set.
type Event struct {
	Type    string          `json:"type"`
	RideID  string          `json:"rideId,omitempty"`
	Ride    *models.Ride    `json:"ride,omitempty"`
	Coords  *models.Coord   `json:"coords,omitempty"`
	Message string          `json:"message,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func RideUpdated(r *models.Ride) Event {
	return Event{Type: EventRideUpdated, RideID: r.ID, Ride: r}
}

func RideSnapshot(r *models.Ride) Event {
	return Event{Type: EventRideSnapshot, RideID: r.ID, Ride: r}
}

func DriverLocation(rideID string, c models.Coord) Event {
	return Event{Type: EventDriverLocation, RideID: rideID, Coords: &c}
}
