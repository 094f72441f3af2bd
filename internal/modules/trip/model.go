// README: Who may cancel a ride and which ride statuses each trip action starts from.
package trip

import (
	"ridepool/internal/modules/ride"
)

// Actor is who asked for a cancellation.
type Actor string

const (
	ActorRider  Actor = "rider"
	ActorDriver Actor = "driver"
	ActorAdmin  Actor = "admin"
)

// allowedFrom lists the statuses each target status may be reached from. A target listed
// in its own row makes the action idempotent.
var allowedFrom = map[ride.Status][]ride.Status{
	ride.StatusDriverArrived: {
		ride.StatusAccepted, ride.StatusNextInQueue, ride.StatusDriverAssigned, ride.StatusDriverArrived,
	},
	ride.StatusInProgress: {
		ride.StatusAccepted, ride.StatusNextInQueue, ride.StatusDriverAssigned, ride.StatusDriverArrived,
		ride.StatusInProgress,
	},
	ride.StatusCompleted: {ride.StatusInProgress, ride.StatusCompleted},
}

func canMove(from, to ride.Status) bool {
	for _, s := range allowedFrom[to] {
		if s == from {
			return true
		}
	}
	return false
}

// cancelStatus maps the actor to the cancellation code. A driver reporting a no-show gets
// its own code.
func cancelStatus(by Actor, noShow bool) (ride.Status, bool) {
	switch by {
	case ActorRider:
		return ride.StatusCancelledRider, !noShow
	case ActorDriver:
		if noShow {
			return ride.StatusNoShow, true
		}
		return ride.StatusCancelledDriver, true
	case ActorAdmin:
		return ride.StatusCancelledAdmin, !noShow
	}
	return 0, false
}
