package rides

import "github.com/example/ride-lifecycle/internal/models"

// transitions lists every edge of the ride state machine. accepted -> completed
// lets a driver finish without having marked the trip as started.
var transitions = map[models.RideStatus]map[models.RideStatus]struct{}{
	models.StatusRequested:  {models.StatusAccepted: {}, models.StatusCancelled: {}},
	models.StatusMatched:    {},
	models.StatusAccepted:   {models.StatusInProgress: {}, models.StatusCompleted: {}},
	models.StatusInProgress: {models.StatusCompleted: {}},
	models.StatusCompleted:  {},
	models.StatusCancelled:  {},
}

// CanTransition returns whether a ride may move from one status to another.
func CanTransition(from, to models.RideStatus) bool {
	allowed, ok := transitions[from]
	if !ok {
		return false
	}
	_, ok = allowed[to]
	return ok
}

// progress orders statuses along the lifecycle; no edge decreases it.
var progress = map[models.RideStatus]int{
	models.StatusRequested:  0,
	models.StatusMatched:    1,
	models.StatusAccepted:   2,
	models.StatusInProgress: 3,
	models.StatusCompleted:  4,
	models.StatusCancelled:  4,
}
