// README: Vehicle, zone and matching-rule compatibility checks.
package fleet

import (
	"context"
	"errors"
	"fmt"

	"ridepool/internal/modules/location"
	"ridepool/internal/modules/ride"
	"ridepool/internal/types"
)

var ErrNotFound = errors.New("vehicle not found")

// InvalidPolicyError is a matching-rule and zone mismatch. It is never retried.
type InvalidPolicyError struct {
	Reason string
}

func (e *InvalidPolicyError) Error() string { return e.Reason }

// VehicleUnavailableError means a driver is already attached to the vehicle.
type VehicleUnavailableError struct {
	VehicleID types.ID
}

func (e *VehicleUnavailableError) Error() string {
	return fmt.Sprintf("vehicle %s already has a driver attached", e.VehicleID)
}

const msgZoneRequired = "This routing policy requires at least one zone assigned"

// ValidateMatchingRule checks a rule and zone set against the zones of the vehicle's location.
func ValidateMatchingRule(rule MatchingRule, zones []types.ID, locationZones []location.Zone) error {
	switch rule.OrDefault() {
	case RuleShared:
		if len(zones) > 0 {
			return &InvalidPolicyError{Reason: "Shared vehicles cannot have zones assigned"}
		}
		return nil
	case RulePriority, RuleExclusive, RuleLocked:
		if len(zones) == 0 {
			return &InvalidPolicyError{Reason: msgZoneRequired}
		}
	default:
		return &InvalidPolicyError{Reason: fmt.Sprintf("Unknown routing policy %q", rule)}
	}

	own := make(map[types.ID]bool, len(locationZones))
	for _, z := range locationZones {
		own[z.ID] = true
	}
	for _, id := range zones {
		if !own[id] {
			return &InvalidPolicyError{Reason: fmt.Sprintf("Zone %s does not belong to the vehicle's location", id)}
		}
	}
	return nil
}

// ValidateVehicle runs ValidateMatchingRule against the vehicle's current zones.
func ValidateVehicle(v *Vehicle, locationZones []location.Zone) error {
	return ValidateMatchingRule(v.MatchingRule, v.Zones, locationZones)
}

type VehicleReader interface {
	GetVehicle(ctx context.Context, id types.ID) (*Vehicle, error)
}

type ZoneLister interface {
	ListZones(ctx context.Context, locationID types.ID) ([]location.Zone, error)
}

type Validator struct {
	vehicles VehicleReader
	zones    ZoneLister
}

func NewValidator(vehicles VehicleReader, zones ZoneLister) *Validator {
	return &Validator{vehicles: vehicles, zones: zones}
}

// CheckVehicleAvailability fails when a driver is attached, then validates the matching rule
// against candidateZones, or the vehicle's current zones when candidateZones is nil.
func (v *Validator) CheckVehicleAvailability(ctx context.Context, vehicleID types.ID, candidateZones []types.ID) error {
	veh, err := v.vehicles.GetVehicle(ctx, vehicleID)
	if err != nil {
		return err
	}
	if veh.DriverID != nil {
		return &VehicleUnavailableError{VehicleID: veh.ID}
	}
	zones := veh.Zones
	if candidateZones != nil {
		zones = candidateZones
	}
	locationZones, err := v.zones.ListZones(ctx, veh.LocationID)
	if err != nil {
		return err
	}
	return ValidateMatchingRule(veh.MatchingRule, zones, locationZones)
}

type eligibilityFunc func(v *Vehicle, pickupZone, dropoffZone types.ID) bool

// eligibility holds one predicate per matching rule.
var eligibility = map[MatchingRule]eligibilityFunc{
	RuleShared: func(*Vehicle, types.ID, types.ID) bool { return true },
	RulePriority: func(v *Vehicle, pickup, dropoff types.ID) bool {
		return v.HasZone(pickup) || v.HasZone(dropoff)
	},
	RuleExclusive: func(v *Vehicle, pickup, dropoff types.ID) bool {
		return v.HasZone(pickup) || v.HasZone(dropoff)
	},
	RuleLocked: func(v *Vehicle, pickup, dropoff types.ID) bool {
		return v.HasZone(pickup) && v.HasZone(dropoff)
	},
}

// IsEligibleForRequest reports whether v may serve req. The request endpoints must already
// carry their resolved zones.
func IsEligibleForRequest(v *Vehicle, req *ride.Request) bool {
	if v.LocationID != req.LocationID || !v.InService() {
		return false
	}
	if v.Capacity > 0 && req.Passengers > v.Capacity {
		return false
	}
	pred, ok := eligibility[v.MatchingRule.OrDefault()]
	if !ok {
		return false
	}
	return pred(v, req.Origin.ZoneID, req.Destination.ZoneID)
}

// IsFallbackForRequest reports whether a priority vehicle may take req when no vehicle
// passes IsEligibleForRequest.
func IsFallbackForRequest(v *Vehicle, req *ride.Request) bool {
	if v.MatchingRule != RulePriority || v.LocationID != req.LocationID || !v.InService() {
		return false
	}
	return v.Capacity <= 0 || req.Passengers <= v.Capacity
}
