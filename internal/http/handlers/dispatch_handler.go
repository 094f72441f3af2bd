// README: Rider request handlers and admin dispatch triggers.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"ridepool/internal/http/middleware"
	"ridepool/internal/modules/matching"
	"ridepool/internal/modules/trip"
	"ridepool/internal/types"
)

type DispatchHandler struct {
	matching *matching.Service
	trip     *trip.Service
}

func NewDispatchHandler(matchingSvc *matching.Service, tripSvc *trip.Service) *DispatchHandler {
	return &DispatchHandler{matching: matchingSvc, trip: tripSvc}
}

type createRequestRequest struct {
	LocationID  types.ID `json:"location_id"`
	RiderID     types.ID `json:"rider_id"`
	Passengers  int      `json:"passengers"`
	Origin      pointDTO `json:"origin"`
	Destination pointDTO `json:"destination"`
}

type requestResponse struct {
	ID         types.ID    `json:"id"`
	LocationID types.ID    `json:"location_id"`
	RiderID    types.ID    `json:"rider_id"`
	Passengers int         `json:"passengers"`
	Origin     types.Point `json:"origin"`
	Dest       types.Point `json:"destination"`
	CreatedAt  time.Time   `json:"created_at"`
}

// CreateRequest queues a trip request; the scheduler picks it up on its next pass.
func (h *DispatchHandler) CreateRequest(c *gin.Context) {
	var req createRequestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if req.RiderID == "" {
		req.RiderID = types.ID(middleware.CallerUID(c))
	}
	if !canActAs(c, string(req.RiderID)) {
		writeError(c, http.StatusForbidden, "forbidden: rider_id does not match authenticated user")
		return
	}
	origin, err := req.Origin.point()
	if err != nil {
		writeError(c, http.StatusBadRequest, "origin: "+err.Error())
		return
	}
	dest, err := req.Destination.point()
	if err != nil {
		writeError(c, http.StatusBadRequest, "destination: "+err.Error())
		return
	}
	r, err := h.matching.CreateRequest(c.Request.Context(), matching.CreateRequestCommand{
		LocationID:  req.LocationID,
		RiderID:     req.RiderID,
		Passengers:  req.Passengers,
		Origin:      origin,
		Destination: dest,
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, requestResponse{
		ID:         r.ID,
		LocationID: r.LocationID,
		RiderID:    r.RiderID,
		Passengers: r.Passengers,
		Origin:     r.Origin.Point,
		Dest:       r.Destination.Point,
		CreatedAt:  r.CreatedAt,
	})
}

// CancelRequest withdraws a request that has not been matched yet.
func (h *DispatchHandler) CancelRequest(c *gin.Context) {
	var riderID types.ID
	if !isAdmin(c) {
		riderID = types.ID(middleware.CallerUID(c))
	}
	if err := h.trip.CancelRequest(c.Request.Context(), types.ID(c.Param("id")), riderID); err != nil {
		writeDomainError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Search runs one dispatch pass immediately.
func (h *DispatchHandler) Search(c *gin.Context) {
	report, err := h.matching.Search(c.Request.Context())
	if err != nil {
		writeDomainError(c, err)
		return
	}
	if report.Matched == nil {
		report.Matched = []matching.MatchResult{}
	}
	writeJSON(c, http.StatusOK, report)
}

type assignRequest struct {
	VehicleID types.ID `json:"vehicle_id"`
}

// Assign dispatches a pending request to the chosen vehicle.
func (h *DispatchHandler) Assign(c *gin.Context) {
	var req assignRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.VehicleID == "" {
		writeError(c, http.StatusBadRequest, "vehicle_id is required")
		return
	}
	res, err := h.matching.Assign(c.Request.Context(), types.ID(c.Param("id")), req.VehicleID)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}
