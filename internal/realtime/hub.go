// Package realtime fans ride events out to subscribed websocket clients.
package realtime

import (
	"log/slog"
	"sync"

	"github.com/example/ride-lifecycle/internal/models"
	"github.com/example/ride-lifecycle/internal/observability"
)

// Subscriber is one live connection. Send is called with hub locks held and
// while ride transitions publish, so it must queue rather than block.
type Subscriber interface {
	Send(ev Event) error
}

// RideLookup provides the snapshot sent on subscribe.
type RideLookup interface {
	Get(id string) (*models.Ride, error)
}

type room struct {
	mu      sync.RWMutex
	members map[Subscriber]struct{}
	// closed is set once the room is removed from the hub; a subscriber that
	// raced the removal retries with a fresh room.
	closed bool
}

// Hub keeps one room per ride id. Rooms are created on first subscribe and
// dropped when their last member leaves.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]*room

	idxMu       sync.Mutex
	memberships map[Subscriber]map[string]struct{}

	lookup RideLookup
	logger *slog.Logger
}

func NewHub(lookup RideLookup, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		rooms:       make(map[string]*room),
		memberships: make(map[Subscriber]map[string]struct{}),
		lookup:      lookup,
		logger:      logger,
	}
}

// SetLookup sets the snapshot source. It must be called before the hub serves clients.
func (h *Hub) SetLookup(lookup RideLookup) { h.lookup = lookup }

// Subscribe adds sub to the ride's room and, when snapshot is set and the
// ride is known, sends it the current ride state. The snapshot is queued
// under the room lock before sub becomes a member, so no broadcast reaches
// sub ahead of it.
func (h *Hub) Subscribe(sub Subscriber, rideID string, snapshot bool) {
	h.idxMu.Lock()
	rooms, ok := h.memberships[sub]
	if !ok {
		rooms = make(map[string]struct{})
		h.memberships[sub] = rooms
	}
	rooms[rideID] = struct{}{}
	h.idxMu.Unlock()

	for {
		rm := h.roomFor(rideID)
		rm.mu.Lock()
		if rm.closed {
			rm.mu.Unlock()
			continue
		}
		if snapshot {
			h.sendSnapshot(sub, rideID)
		}
		rm.members[sub] = struct{}{}
		rm.mu.Unlock()
		return
	}
}

func (h *Hub) sendSnapshot(sub Subscriber, rideID string) {
	if h.lookup == nil {
		return
	}
	ride, err := h.lookup.Get(rideID)
	if err != nil {
		return
	}
	if err := sub.Send(RideSnapshot(ride)); err != nil {
		h.logger.Debug("snapshot send failed", "ride_id", rideID, "error", err)
	}
}

// Unsubscribe removes sub from a single room.
func (h *Hub) Unsubscribe(sub Subscriber, rideID string) {
	h.idxMu.Lock()
	if rooms, ok := h.memberships[sub]; ok {
		delete(rooms, rideID)
		if len(rooms) == 0 {
			delete(h.memberships, sub)
		}
	}
	h.idxMu.Unlock()
	h.leave(sub, rideID)
}

// UnsubscribeAll removes sub from every room it joined.
func (h *Hub) UnsubscribeAll(sub Subscriber) {
	h.idxMu.Lock()
	rooms := h.memberships[sub]
	delete(h.memberships, sub)
	h.idxMu.Unlock()

	for rideID := range rooms {
		h.leave(sub, rideID)
	}
}

// Broadcast delivers ev to every current member of the ride's room. A failed
// send only affects that member.
func (h *Hub) Broadcast(rideID string, ev Event) {
	h.mu.RLock()
	rm, ok := h.rooms[rideID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	rm.mu.RLock()
	members := make([]Subscriber, 0, len(rm.members))
	for sub := range rm.members {
		members = append(members, sub)
	}
	rm.mu.RUnlock()

	for _, sub := range members {
		if err := sub.Send(ev); err != nil {
			observability.BroadcastDeliveries.WithLabelValues("error").Inc()
			h.logger.Debug("broadcast send failed", "ride_id", rideID, "type", ev.Type, "error", err)
			continue
		}
		observability.BroadcastDeliveries.WithLabelValues("ok").Inc()
	}
}

// Members returns the number of subscribers in a ride's room.
func (h *Hub) Members(rideID string) int {
	h.mu.RLock()
	rm, ok := h.rooms[rideID]
	h.mu.RUnlock()
	if !ok {
		return 0
	}
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return len(rm.members)
}

func (h *Hub) Rooms() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

func (h *Hub) roomFor(rideID string) *room {
	h.mu.RLock()
	rm, ok := h.rooms[rideID]
	h.mu.RUnlock()
	if ok {
		return rm
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if rm, ok := h.rooms[rideID]; ok {
		return rm
	}
	rm = &room{members: make(map[Subscriber]struct{})}
	h.rooms[rideID] = rm
	return rm
}

func (h *Hub) leave(sub Subscriber, rideID string) {
	h.mu.RLock()
	rm, ok := h.rooms[rideID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	rm.mu.Lock()
	delete(rm.members, sub)
	empty := len(rm.members) == 0
	rm.mu.Unlock()
	if !empty {
		return
	}

	h.mu.Lock()
	rm.mu.Lock()
	if len(rm.members) == 0 && h.rooms[rideID] == rm {
		rm.closed = true
		delete(h.rooms, rideID)
	}
	rm.mu.Unlock()
	h.mu.Unlock()
}
