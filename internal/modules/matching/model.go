// README: Dispatch candidates, match results and search tuning.
package matching

import (
	"time"

	"ridepool/internal/modules/fleet"
	"ridepool/internal/types"
)

// Candidate is a vehicle that may serve a request, with its driver's queued position.
type Candidate struct {
	Vehicle  fleet.Vehicle
	DriverID types.ID
	Position types.Point
	// Distance is metres from Position to the request's pickup.
	Distance float64
	Fallback bool
}

type MatchResult struct {
	RequestID   types.ID `json:"request_id"`
	RideID      types.ID `json:"ride_id"`
	DriverID    types.ID `json:"driver_id"`
	VehicleID   types.ID `json:"vehicle_id"`
	WaitTimeSec int      `json:"wait_time_sec"`
	Attempts    int      `json:"attempts,omitempty"`
	Fallback    bool     `json:"fallback"`
}

// SearchReport summarizes one Search pass.
type SearchReport struct {
	Pending   int           `json:"pending"`
	Matched   []MatchResult `json:"matched"`
	Unmatched int           `json:"unmatched"`
}

const (
	// searchBatch bounds how many pending requests one pass looks at.
	searchBatch = 200
	// attemptsTTL bounds how long the attempt counter of a pending request is kept.
	attemptsTTL = 24 * time.Hour
)
