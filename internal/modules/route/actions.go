// README: Stop state transitions, pruning and queue position counts.
package route

import (
	"errors"
	"fmt"
	"time"

	"ridepool/internal/types"
)

var (
	ErrRideNotInRoute = errors.New("ride has no stops in the route")
	ErrUnknownAction  = errors.New("unknown stop action")
)

type Action string

const (
	ActionPickup  Action = "pickup"
	ActionDropoff Action = "dropoff"
	ActionCancel  Action = "cancel"
)

type ActionResult struct {
	Stops        []Stop
	RouteChanged bool
	// OutOfSequence is set when an acted-upon stop was not the earliest waiting stop of
	// its type. Downstream ETAs and the driver's ride list must then be rebuilt.
	OutOfSequence bool
}

// ApplyStopAction returns a new sequence with the action applied to the ride's stops.
// Pickup and dropoff only move a waiting stop to done, so repeats are no-ops. Cancel
// overwrites both stops unconditionally.
func ApplyStopAction(stops []Stop, rideID types.ID, action Action) (ActionResult, error) {
	pi := indexOf(stops, rideID, StopPickup)
	di := indexOf(stops, rideID, StopDropoff)
	if pi < 0 && di < 0 {
		return ActionResult{}, fmt.Errorf("%w: %s", ErrRideNotInRoute, rideID)
	}

	out := cloneStops(stops)
	res := ActionResult{Stops: out}
	switch action {
	case ActionPickup:
		res.RouteChanged, res.OutOfSequence = complete(out, pi)
	case ActionDropoff:
		res.RouteChanged, res.OutOfSequence = complete(out, di)
	case ActionCancel:
		for _, i := range []int{pi, di} {
			if i < 0 || out[i].Status == StopCancelled {
				continue
			}
			if out[i].IsWaiting() && firstWaiting(out, out[i].Type) != i {
				res.OutOfSequence = true
			}
			out[i].Status = StopCancelled
			res.RouteChanged = true
		}
	default:
		return ActionResult{}, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	return res, nil
}

func complete(stops []Stop, i int) (changed, outOfSequence bool) {
	if i < 0 || !stops[i].IsWaiting() {
		return false, false
	}
	outOfSequence = firstWaiting(stops, stops[i].Type) != i
	stops[i].Status = StopDone
	return true, outOfSequence
}

func firstWaiting(stops []Stop, t StopType) int {
	for i, s := range stops {
		if s.Type == t && s.IsWaiting() {
			return i
		}
	}
	return -1
}

// HasWaiting reports whether any stop still needs servicing.
func HasWaiting(stops []Stop) bool {
	for _, s := range stops {
		if s.IsWaiting() {
			return true
		}
	}
	return false
}

// UpdateRouteOrClose drops the leading run of non-waiting stops and deactivates the route
// once nothing is waiting. It returns a new route.
func UpdateRouteOrClose(r *Route, now time.Time) *Route {
	out := r.Clone()
	i := 0
	for i < len(out.Stops) && !out.Stops[i].IsWaiting() {
		i++
	}
	if i > 0 {
		out.Stops = out.Stops[i:]
	}
	out.Active = HasWaiting(out.Stops)
	out.UpdatedAt = now
	return out
}

// Count is a queue position: ActionCount entries and StopCount distinct physical places.
type Count struct {
	ActionCount int `json:"action_count"`
	StopCount   int `json:"stop_count"`
}

// StopsBeforePickupCount counts the waiting stops ahead of the ride's pickup. ok is false
// when the ride has no waiting pickup.
func StopsBeforePickupCount(stops []Stop, rideID types.ID) (Count, bool) {
	return stopsBefore(stops, indexOf(stops, rideID, StopPickup))
}

// StopsBeforeDropoffCount counts the waiting stops ahead of the ride's dropoff.
func StopsBeforeDropoffCount(stops []Stop, rideID types.ID) (Count, bool) {
	return stopsBefore(stops, indexOf(stops, rideID, StopDropoff))
}

// stopsBefore counts waiting entries before index i. Consecutive entries at the same fixed
// stop are one physical stop.
func stopsBefore(stops []Stop, i int) (Count, bool) {
	if i < 0 || !stops[i].IsWaiting() {
		return Count{}, false
	}
	var c Count
	var last *types.ID
	for _, s := range stops[:i] {
		if !s.IsWaiting() || s.Type == StopCurrentLocation {
			continue
		}
		c.ActionCount++
		if s.FixedStopID != nil && last != nil && *last == *s.FixedStopID {
			continue
		}
		c.StopCount++
		last = s.FixedStopID
	}
	return c, true
}
