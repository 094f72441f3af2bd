// README: Ride and Request aggregates and the ordered ride status codes.
package ride

import (
	"time"

	"ridepool/internal/types"
)

// Status is an ordered integer code. Values 600-699 are cancellations.
type Status int

const (
	StatusRequested       Status = 100
	StatusAccepted        Status = 200
	StatusNextInQueue     Status = 201
	StatusDriverAssigned  Status = 202
	StatusDriverArrived   Status = 203
	StatusInProgress      Status = 300
	StatusCancelledRider  Status = 600
	StatusCancelledDriver Status = 601
	StatusNoShow          Status = 602
	StatusCancelledAdmin  Status = 603
	StatusCompleted       Status = 700
)

func (s Status) IsCancelled() bool { return s >= 600 && s < 700 }

func (s Status) IsCompleted() bool { return s == StatusCompleted }

func (s Status) IsTerminal() bool { return s.IsCancelled() || s.IsCompleted() }

// IsActive reports whether the ride is matched and not yet finished.
func (s Status) IsActive() bool { return s >= StatusAccepted && s < StatusCancelledRider }

func (s Status) IsPickedUp() bool { return s == StatusInProgress || s == StatusCompleted }

// IsQueued reports whether the ride waits for its pickup and its queue position may be re-derived.
func (s Status) IsQueued() bool {
	return s == StatusAccepted || s == StatusNextInQueue || s == StatusDriverAssigned
}

func (s Status) String() string {
	switch s {
	case StatusRequested:
		return "requested"
	case StatusAccepted:
		return "accepted"
	case StatusNextInQueue:
		return "next_in_queue"
	case StatusDriverAssigned:
		return "driver_assigned"
	case StatusDriverArrived:
		return "driver_arrived"
	case StatusInProgress:
		return "in_progress"
	case StatusCancelledRider:
		return "cancelled_by_rider"
	case StatusCancelledDriver:
		return "cancelled_by_driver"
	case StatusNoShow:
		return "no_show"
	case StatusCancelledAdmin:
		return "cancelled_by_admin"
	case StatusCompleted:
		return "completed"
	}
	return "unknown"
}

// Endpoint is one end of a trip after zone and fixed-stop resolution.
type Endpoint struct {
	Point       types.Point `json:"point"`
	ZoneID      types.ID    `json:"zone_id"`
	FixedStopID *types.ID   `json:"fixed_stop_id,omitempty"`
	IsFixedStop bool        `json:"is_fixed_stop"`
}

// Request is a pending trip request waiting for a vehicle.
type Request struct {
	ID          types.ID
	LocationID  types.ID
	RiderID     types.ID
	Passengers  int
	Origin      Endpoint
	Destination Endpoint
	CreatedAt   time.Time
}

type Fare struct {
	Mode   string      `json:"mode"`
	Amount types.Money `json:"amount"`
}

type Ride struct {
	ID          types.ID
	RequestID   types.ID
	LocationID  types.ID
	RiderID     types.ID
	DriverID    *types.ID
	VehicleID   *types.ID
	Passengers  int
	Status      Status
	Origin      Endpoint
	Destination Endpoint
	Eta         time.Time
	DropoffEta  time.Time
	Fare        Fare
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// AssignedTo reports whether the ride is assigned to driverID.
func (r *Ride) AssignedTo(driverID types.ID) bool {
	return r.DriverID != nil && *r.DriverID == driverID
}
