// README: Location, zone and fixed-stop records.
package location

import (
	"time"

	"github.com/paulmach/orb"

	"ridepool/internal/types"
)

type FareMode string

const (
	FareFree           FareMode = "free"
	FarePayWhatYouWant FareMode = "pwyw"
	FareFixed          FareMode = "fixed"
)

type FareConfig struct {
	Mode   FareMode
	Amount types.Money
}

type Location struct {
	ID               types.ID
	Name             string
	ServiceArea      orb.Polygon
	PoolingEnabled   bool
	FixedStopEnabled bool
	Timezone         string
	Fare             FareConfig
	CreatedAt        time.Time
}

// Zone is a geofenced sub-region of a Location. Every location owns exactly one default zone
// whose polygon mirrors the location's service area.
type Zone struct {
	ID               types.ID
	LocationID       types.ID
	Name             string
	ServiceArea      orb.Polygon
	FixedStopEnabled bool
	IsDefault        bool
	CreatedAt        time.Time
}

type FixedStopStatus string

const (
	FixedStopActive   FixedStopStatus = "active"
	FixedStopInactive FixedStopStatus = "inactive"
)

type FixedStop struct {
	ID         types.ID
	LocationID types.ID
	Name       string
	Point      types.Point
	Status     FixedStopStatus
}

// StopResolution is the outcome of snapping a rider's coordinate to a stop.
// Found is false only when the coordinate lies outside the location.
type StopResolution struct {
	Found       bool
	IsFixedStop bool
	FixedStop   *FixedStop
	Point       types.Point
}

const defaultZoneName = "Default Zone"
