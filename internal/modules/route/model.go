// README: Route and Stop records; stop sequences are treated as immutable values.
package route

import (
	"time"

	"ridepool/internal/modules/ride"
	"ridepool/internal/types"
)

type StopType string

const (
	StopPickup          StopType = "pickup"
	StopDropoff         StopType = "dropoff"
	StopCurrentLocation StopType = "current_location"
)

type StopStatus string

const (
	StopWaiting   StopStatus = "waiting"
	StopDone      StopStatus = "done"
	StopCancelled StopStatus = "cancelled"
)

// Stop is one scheduled pickup or dropoff. Cost is the travel time in seconds from the
// previous waiting stop (or the driver) and CostFrom identifies that predecessor.
type Stop struct {
	ID            types.ID    `json:"id"`
	Type          StopType    `json:"stop_type"`
	RideID        types.ID    `json:"ride_id"`
	Status        StopStatus  `json:"status"`
	Point         types.Point `json:"point"`
	FixedStopID   *types.ID   `json:"fixed_stop_id,omitempty"`
	Passengers    int         `json:"passengers"`
	Cost          int         `json:"cost"`
	CostFrom      string      `json:"cost_from,omitempty"`
	CostUpdatedAt time.Time   `json:"cost_updated_at"`
}

func (s Stop) IsWaiting() bool { return s.Status == StopWaiting }

// Key identifies the stop as a cost predecessor.
func (s Stop) Key() string {
	return "stop:" + string(s.ID) + "@" + s.Point.Key()
}

type Route struct {
	ID       types.ID
	DriverID types.ID
	Active   bool
	Stops    []Stop
	// Version is the stored revision this copy was read at; zero for a route not saved yet.
	// Saving a copy whose Version is behind the store fails with ErrStaleRoute.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a copy whose stop slice can be changed without touching r.
func (r *Route) Clone() *Route {
	c := *r
	c.Stops = cloneStops(r.Stops)
	return &c
}

// RideIDs returns every ride referenced by the route in first-seen order.
func (r *Route) RideIDs() []types.ID {
	return RideIDsOf(r.Stops)
}

// NewStops builds the waiting pickup and dropoff pair for a ride.
func NewStops(rd *ride.Ride) (pickup, dropoff Stop) {
	pickup = Stop{
		ID:          types.NewID(),
		Type:        StopPickup,
		RideID:      rd.ID,
		Status:      StopWaiting,
		Point:       rd.Origin.Point,
		FixedStopID: rd.Origin.FixedStopID,
		Passengers:  rd.Passengers,
	}
	dropoff = Stop{
		ID:          types.NewID(),
		Type:        StopDropoff,
		RideID:      rd.ID,
		Status:      StopWaiting,
		Point:       rd.Destination.Point,
		FixedStopID: rd.Destination.FixedStopID,
		Passengers:  rd.Passengers,
	}
	return pickup, dropoff
}

func cloneStops(stops []Stop) []Stop {
	if stops == nil {
		return nil
	}
	out := make([]Stop, len(stops))
	copy(out, stops)
	return out
}

// RideIDsOf returns every ride referenced by stops in first-seen order.
func RideIDsOf(stops []Stop) []types.ID {
	seen := make(map[types.ID]bool)
	var out []types.ID
	for _, s := range stops {
		if s.Type == StopCurrentLocation || seen[s.RideID] {
			continue
		}
		seen[s.RideID] = true
		out = append(out, s.RideID)
	}
	return out
}

// indexOf returns the position of the ride's stop of type t, or -1.
func indexOf(stops []Stop, rideID types.ID, t StopType) int {
	for i, s := range stops {
		if s.RideID == rideID && s.Type == t {
			return i
		}
	}
	return -1
}
