// README: Insertion of a ride's pickup/dropoff pair under the pooling limits.
package route

import (
	"errors"

	"ridepool/internal/modules/location"
	"ridepool/internal/types"
)

// MaxStopsBetween is the pooling limit: how many other entries may sit between a ride's
// own pickup and dropoff.
const MaxStopsBetween = 2

var (
	ErrCapacityExceeded = errors.New("ride does not fit the vehicle capacity")
	ErrInvalidPair      = errors.New("insert needs a waiting pickup and dropoff of the same ride")
	ErrRideInRoute      = errors.New("ride already has stops in the route")
)

type InsertOptions struct {
	Pooling bool
	// Capacity is the vehicle seat count; zero disables the check.
	Capacity int
	// Origin is where the driver starts the remaining route.
	Origin types.Point
	// Distance scores detours; defaults to haversine metres.
	Distance func(a, b types.Point) float64
}

type InsertResult struct {
	PickupIndex  int
	DropoffIndex int
	Appended     bool
	// AddedDistance is how much longer the remaining path got, in Distance units.
	AddedDistance float64
}

// Insert returns a new sequence containing pickup and dropoff. Non-pooling routes get a
// FIFO tail append. Pooling routes take the cheapest interleaving that keeps every ride
// within MaxStopsBetween and the vehicle within capacity, provided it beats the tail.
func Insert(stops []Stop, pickup, dropoff Stop, opts InsertOptions) ([]Stop, InsertResult, error) {
	if pickup.Type != StopPickup || dropoff.Type != StopDropoff || pickup.RideID != dropoff.RideID ||
		!pickup.IsWaiting() || !dropoff.IsWaiting() {
		return nil, InsertResult{}, ErrInvalidPair
	}
	if indexOf(stops, pickup.RideID, StopPickup) >= 0 || indexOf(stops, pickup.RideID, StopDropoff) >= 0 {
		return nil, InsertResult{}, ErrRideInRoute
	}
	if opts.Distance == nil {
		opts.Distance = location.HaversineMeters
	}

	tail := append(cloneStops(stops), pickup, dropoff)
	start := insertStart(stops)
	if !fitsCapacity(tail, start, opts.Capacity) {
		return nil, InsertResult{}, ErrCapacityExceeded
	}
	base := pathLength(stops, opts.Origin, opts.Distance)
	bestCost := pathLength(tail, opts.Origin, opts.Distance)
	best := InsertResult{PickupIndex: len(stops), DropoffIndex: len(stops) + 1, Appended: true, AddedDistance: bestCost - base}
	if !opts.Pooling {
		return tail, best, nil
	}

	var bestSeq []Stop
	before := gaps(stops)
	n := len(stops)
	for i := start; i < n; i++ {
		for k := 0; k <= MaxStopsBetween && i+k <= n; k++ {
			seq := spliceSeq(stops, pickup, dropoff, i, i+k)
			if !withinPoolingLimit(seq, before) || !fitsCapacity(seq, start, opts.Capacity) {
				continue
			}
			if cost := pathLength(seq, opts.Origin, opts.Distance); cost < bestCost {
				bestCost = cost
				bestSeq = seq
				best = InsertResult{PickupIndex: i, DropoffIndex: i + k + 1, AddedDistance: cost - base}
			}
		}
	}
	if bestSeq == nil {
		return tail, best, nil
	}
	return bestSeq, best, nil
}

// insertStart is the first position after the last serviced stop. New stops never go
// before a stop the driver already made.
func insertStart(stops []Stop) int {
	start := 0
	for i, s := range stops {
		if s.Status == StopDone {
			start = i + 1
		}
	}
	return start
}

// spliceSeq inserts pickup before stops[i] and dropoff before stops[j] (i <= j).
func spliceSeq(stops []Stop, pickup, dropoff Stop, i, j int) []Stop {
	out := make([]Stop, 0, len(stops)+2)
	out = append(out, stops[:i]...)
	out = append(out, pickup)
	out = append(out, stops[i:j]...)
	out = append(out, dropoff)
	return append(out, stops[j:]...)
}

// gaps returns, per ride with both stops present, how many other entries lie between them.
func gaps(stops []Stop) map[types.ID]int {
	out := make(map[types.ID]int)
	pickupAt := make(map[types.ID]int)
	for i, s := range stops {
		switch s.Type {
		case StopPickup:
			pickupAt[s.RideID] = i
		case StopDropoff:
			if p, ok := pickupAt[s.RideID]; ok && p < i {
				out[s.RideID] = entriesBetween(stops, p, i)
			}
		}
	}
	return out
}

func entriesBetween(stops []Stop, from, to int) int {
	n := 0
	for i := from + 1; i < to; i++ {
		if stops[i].Type != StopCurrentLocation {
			n++
		}
	}
	return n
}

// withinPoolingLimit accepts seq when no ride exceeds the limit, except rides that already
// exceeded it before and were not pushed further.
func withinPoolingLimit(seq []Stop, before map[types.ID]int) bool {
	for id, g := range gaps(seq) {
		if g <= MaxStopsBetween {
			continue
		}
		if old, ok := before[id]; !ok || g > old {
			return false
		}
	}
	return true
}

// fitsCapacity replays boardings and alightings and checks the load from index from on.
// A dropoff whose pickup is no longer in seq was pruned after boarding: that rider is
// already on board when the sequence starts.
func fitsCapacity(seq []Stop, from, capacity int) bool {
	if capacity <= 0 {
		return true
	}
	boarded := make(map[types.ID]bool)
	for _, s := range seq {
		if s.Type == StopPickup {
			boarded[s.RideID] = true
		}
	}
	load := 0
	for _, s := range seq {
		if s.Type == StopDropoff && s.IsWaiting() && !boarded[s.RideID] {
			load += s.Passengers
		}
	}
	for i, s := range seq {
		if s.Status == StopCancelled {
			continue
		}
		switch s.Type {
		case StopPickup:
			load += s.Passengers
		case StopDropoff:
			if !boarded[s.RideID] && !s.IsWaiting() {
				continue
			}
			load -= s.Passengers
		}
		if i >= from && load > capacity {
			return false
		}
	}
	return true
}

// pathLength sums the legs the driver still has to drive, starting at origin. A zero
// origin means the driver position is unknown and the path starts at the first stop.
func pathLength(seq []Stop, origin types.Point, dist func(a, b types.Point) float64) float64 {
	total := 0.0
	prev, started := origin, !origin.IsZero()
	for _, s := range seq {
		if !s.IsWaiting() {
			continue
		}
		if started {
			total += dist(prev, s.Point)
		}
		prev, started = s.Point, true
	}
	return total
}
