// README: Driver stop actions, ride cancellation and the driver's route view.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"ridepool/internal/http/middleware"
	"ridepool/internal/modules/fleet"
	"ridepool/internal/modules/ride"
	"ridepool/internal/modules/route"
	"ridepool/internal/modules/trip"
	"ridepool/internal/types"
)

type RouteReader interface {
	ActiveRoute(ctx context.Context, driverID types.ID) (*route.Route, error)
}

type DriverReader interface {
	GetDriver(ctx context.Context, id types.ID) (*fleet.Driver, error)
}

type TripHandler struct {
	trip    *trip.Service
	routes  RouteReader
	drivers DriverReader
}

func NewTripHandler(svc *trip.Service, routes RouteReader, drivers DriverReader) *TripHandler {
	return &TripHandler{trip: svc, routes: routes, drivers: drivers}
}

type rideResponse struct {
	ID          types.ID      `json:"id"`
	RequestID   types.ID      `json:"request_id,omitempty"`
	LocationID  types.ID      `json:"location_id"`
	RiderID     types.ID      `json:"rider_id"`
	DriverID    *types.ID     `json:"driver_id,omitempty"`
	VehicleID   *types.ID     `json:"vehicle_id,omitempty"`
	Passengers  int           `json:"passengers"`
	Status      ride.Status   `json:"status"`
	StatusName  string        `json:"status_name"`
	Origin      ride.Endpoint `json:"origin"`
	Destination ride.Endpoint `json:"destination"`
	Eta         *time.Time    `json:"eta,omitempty"`
	DropoffEta  *time.Time    `json:"dropoff_eta,omitempty"`
	Fare        ride.Fare     `json:"fare"`
}

func optTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func toRideResponse(r *ride.Ride) rideResponse {
	return rideResponse{
		ID:          r.ID,
		RequestID:   r.RequestID,
		LocationID:  r.LocationID,
		RiderID:     r.RiderID,
		DriverID:    r.DriverID,
		VehicleID:   r.VehicleID,
		Passengers:  r.Passengers,
		Status:      r.Status,
		StatusName:  r.Status.String(),
		Origin:      r.Origin,
		Destination: r.Destination,
		Eta:         optTime(r.Eta),
		DropoffEta:  optTime(r.DropoffEta),
		Fare:        r.Fare,
	}
}

type driverAction func(ctx context.Context, driverID, rideID types.ID) (*ride.Ride, error)

func (h *TripHandler) act(c *gin.Context, fn driverAction) {
	driverID := c.Param("id")
	if !canActAs(c, driverID) {
		writeError(c, http.StatusForbidden, "forbidden: id does not match authenticated user")
		return
	}
	r, err := fn(c.Request.Context(), types.ID(driverID), types.ID(c.Param("ride_id")))
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toRideResponse(r))
}

func (h *TripHandler) Arrive(c *gin.Context)  { h.act(c, h.trip.Arrive) }
func (h *TripHandler) Pickup(c *gin.Context)  { h.act(c, h.trip.Pickup) }
func (h *TripHandler) Dropoff(c *gin.Context) { h.act(c, h.trip.Dropoff) }

type driverCancelRequest struct {
	NoShow bool `json:"no_show"`
}

// DriverCancel cancels one of the driver's rides, optionally as a rider no-show.
func (h *TripHandler) DriverCancel(c *gin.Context) {
	driverID := c.Param("id")
	if !canActAs(c, driverID) {
		writeError(c, http.StatusForbidden, "forbidden: id does not match authenticated user")
		return
	}
	var req driverCancelRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "invalid json")
			return
		}
	}
	r, err := h.trip.Cancel(c.Request.Context(), trip.CancelCommand{
		RideID:  types.ID(c.Param("ride_id")),
		By:      trip.ActorDriver,
		ActorID: types.ID(driverID),
		NoShow:  req.NoShow,
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toRideResponse(r))
}

// CancelRide cancels as the rider, or as an admin when the caller has that role.
func (h *TripHandler) CancelRide(c *gin.Context) {
	cmd := trip.CancelCommand{RideID: types.ID(c.Param("id")), By: trip.ActorRider}
	if isAdmin(c) {
		cmd.By = trip.ActorAdmin
	} else {
		cmd.ActorID = types.ID(middleware.CallerUID(c))
	}
	r, err := h.trip.Cancel(c.Request.Context(), cmd)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toRideResponse(r))
}

type routeResponse struct {
	DriverID types.ID            `json:"driver_id"`
	RouteID  *types.ID           `json:"route_id"`
	Stops    []route.Stop        `json:"stops"`
	RideList []fleet.RideSummary `json:"ride_list"`
}

// GetRoute returns the driver's active route and cached ride list.
func (h *TripHandler) GetRoute(c *gin.Context) {
	driverID := types.ID(c.Param("id"))
	if !canActAs(c, string(driverID)) {
		writeError(c, http.StatusForbidden, "forbidden: id does not match authenticated user")
		return
	}
	ctx := c.Request.Context()
	d, err := h.drivers.GetDriver(ctx, driverID)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	resp := routeResponse{DriverID: driverID, Stops: []route.Stop{}, RideList: d.RideList}
	if resp.RideList == nil {
		resp.RideList = []fleet.RideSummary{}
	}
	rt, err := h.routes.ActiveRoute(ctx, driverID)
	switch {
	case errors.Is(err, route.ErrNoActiveRoute):
	case err != nil:
		writeDomainError(c, err)
		return
	default:
		resp.RouteID = &rt.ID
		resp.Stops = rt.Stops
	}
	writeJSON(c, http.StatusOK, resp)
}
