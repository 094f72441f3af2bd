// README: Vehicle and driver records, matching rules and the driver ride-list cache.
package fleet

import (
	"time"

	"ridepool/internal/modules/ride"
	"ridepool/internal/types"
)

// MatchingRule governs which zones a vehicle may serve.
type MatchingRule string

const (
	RuleShared    MatchingRule = "shared"
	RulePriority  MatchingRule = "priority"
	RuleExclusive MatchingRule = "exclusive"
	RuleLocked    MatchingRule = "locked"
)

// OrDefault treats an empty rule as shared.
func (r MatchingRule) OrDefault() MatchingRule {
	if r == "" {
		return RuleShared
	}
	return r
}

type Vehicle struct {
	ID           types.ID
	LocationID   types.ID
	Name         string
	Capacity     int
	MatchingRule MatchingRule
	Zones        []types.ID
	DriverID     *types.ID
	Online       bool
	CreatedAt    time.Time
}

// InService reports whether the vehicle can take new rides right now.
func (v *Vehicle) InService() bool {
	return v.Online && v.DriverID != nil
}

func (v *Vehicle) HasZone(id types.ID) bool {
	for _, z := range v.Zones {
		if z == id {
			return true
		}
	}
	return false
}

// RideSummary is one entry of a driver's cached ride list. The list is a
// materialized view of the active route and is only rebuilt from it.
type RideSummary struct {
	RideID         types.ID    `json:"ride_id"`
	Status         ride.Status `json:"status"`
	Passengers     int         `json:"passengers"`
	Eta            time.Time   `json:"eta"`
	DropoffEta     time.Time   `json:"dropoff_eta"`
	StopsBefore    int         `json:"stops_before"`
	StopsBeforeEnd int         `json:"stops_before_dropoff"`
}

type Driver struct {
	ID         types.ID
	LocationID types.ID
	Name       string
	VehicleID  *types.ID
	Available  bool
	Position   types.Point
	PositionAt time.Time
	RideList   []RideSummary
}
