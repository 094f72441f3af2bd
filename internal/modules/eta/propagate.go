// README: Pure ETA and queue helpers over a stop sequence.
package eta

import (
	"time"

	"ridepool/internal/modules/fleet"
	"ridepool/internal/modules/ride"
	"ridepool/internal/modules/route"
	"ridepool/internal/types"
)

type RideEta struct {
	Eta        time.Time `json:"eta"`
	DropoffEta time.Time `json:"dropoff_eta"`
}

// UpdateRideEta pushes the ETA of every waiting stop at or after fromIndex back by
// addedCost. It returns a new map and never moves an ETA earlier; unknown ETAs stay unknown.
//
// Stop costs are per leg, so the cumulative delay lives in the ETAs alone. The legs an
// insertion disturbs have a new predecessor, which makes their CostFrom stale; the next
// refreshCosts re-measures exactly those legs.
func UpdateRideEta(stops []route.Stop, etas map[types.ID]RideEta, addedCost time.Duration, fromIndex int) map[types.ID]RideEta {
	out := make(map[types.ID]RideEta, len(etas))
	for k, v := range etas {
		out[k] = v
	}
	if addedCost <= 0 {
		return out
	}
	if fromIndex < 0 {
		fromIndex = 0
	}
	for i := fromIndex; i < len(stops); i++ {
		s := stops[i]
		if !s.IsWaiting() {
			continue
		}
		e, ok := out[s.RideID]
		if !ok {
			continue
		}
		switch s.Type {
		case route.StopPickup:
			if !e.Eta.IsZero() {
				e.Eta = e.Eta.Add(addedCost)
			}
		case route.StopDropoff:
			if !e.DropoffEta.IsZero() {
				e.DropoffEta = e.DropoffEta.Add(addedCost)
			}
		}
		out[s.RideID] = e
	}
	return out
}

// ScheduleEtas accumulates stop costs from start and returns the arrival time at each
// ride's waiting stops.
func ScheduleEtas(stops []route.Stop, start time.Time) map[types.ID]RideEta {
	out := make(map[types.ID]RideEta)
	t := start
	for _, s := range stops {
		if !s.IsWaiting() {
			continue
		}
		t = t.Add(time.Duration(s.Cost) * time.Second)
		e := out[s.RideID]
		switch s.Type {
		case route.StopPickup:
			e.Eta = t
		case route.StopDropoff:
			e.DropoffEta = t
		default:
			continue
		}
		out[s.RideID] = e
	}
	return out
}

// Resequence moves the stops of rides with nothing left to do to the front, keeping the
// relative order of both groups, so the rides still in play occupy the tail contiguously.
func Resequence(stops []route.Stop) []route.Stop {
	pending := make(map[types.ID]bool)
	for _, s := range stops {
		if s.IsWaiting() {
			pending[s.RideID] = true
		}
	}
	out := make([]route.Stop, 0, len(stops))
	for _, s := range stops {
		if !pending[s.RideID] {
			out = append(out, s)
		}
	}
	for _, s := range stops {
		if pending[s.RideID] {
			out = append(out, s)
		}
	}
	return out
}

// QueueStatus returns the status a waiting ride should carry given the stop sequence:
// driver assigned when its pickup is the next stop, next in queue otherwise. Rides that
// are not queued keep their status.
func QueueStatus(stops []route.Stop, r *ride.Ride) ride.Status {
	if !r.Status.IsQueued() {
		return r.Status
	}
	for _, s := range stops {
		if !s.IsWaiting() || s.Type == route.StopCurrentLocation {
			continue
		}
		if s.RideID == r.ID && s.Type == route.StopPickup {
			return ride.StatusDriverAssigned
		}
		return ride.StatusNextInQueue
	}
	return r.Status
}

// BuildRideList derives the driver's cached ride list from the route. Rides appear in
// route order and only while they have a waiting stop.
func BuildRideList(stops []route.Stop, rides map[types.ID]*ride.Ride) []fleet.RideSummary {
	var out []fleet.RideSummary
	seen := make(map[types.ID]bool)
	for _, s := range stops {
		if !s.IsWaiting() || s.Type == route.StopCurrentLocation || seen[s.RideID] {
			continue
		}
		seen[s.RideID] = true
		r, ok := rides[s.RideID]
		if !ok {
			continue
		}
		sum := fleet.RideSummary{
			RideID:     r.ID,
			Status:     r.Status,
			Passengers: r.Passengers,
			Eta:        r.Eta,
			DropoffEta: r.DropoffEta,
		}
		if c, ok := route.StopsBeforePickupCount(stops, r.ID); ok {
			sum.StopsBefore = c.StopCount
		}
		if c, ok := route.StopsBeforeDropoffCount(stops, r.ID); ok {
			sum.StopsBeforeEnd = c.StopCount
		}
		out = append(out, sum)
	}
	return out
}

func sameRideList(a, b []fleet.RideSummary) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		x, y := a[i], b[i]
		if x.RideID != y.RideID || x.Status != y.Status || x.Passengers != y.Passengers ||
			x.StopsBefore != y.StopsBefore || x.StopsBeforeEnd != y.StopsBeforeEnd ||
			!x.Eta.Equal(y.Eta) || !x.DropoffEta.Equal(y.DropoffEta) {
			return false
		}
	}
	return true
}
