// README: Vehicle and driver handlers: policy, availability, attachment and position updates.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"ridepool/internal/modules/fleet"
	"ridepool/internal/types"
)

type FleetHandler struct {
	fleet *fleet.Service
}

func NewFleetHandler(svc *fleet.Service) *FleetHandler {
	return &FleetHandler{fleet: svc}
}

type vehicleRequest struct {
	LocationID   types.ID   `json:"location_id"`
	Name         string     `json:"name"`
	Capacity     int        `json:"capacity"`
	MatchingRule string     `json:"matching_rule"`
	Zones        []types.ID `json:"zones"`
}

type vehicleResponse struct {
	ID           types.ID   `json:"id"`
	LocationID   types.ID   `json:"location_id"`
	Name         string     `json:"name"`
	Capacity     int        `json:"capacity"`
	MatchingRule string     `json:"matching_rule"`
	Zones        []types.ID `json:"zones"`
	DriverID     *types.ID  `json:"driver_id,omitempty"`
	Online       bool       `json:"online"`
}

func toVehicleResponse(v *fleet.Vehicle) vehicleResponse {
	zones := v.Zones
	if zones == nil {
		zones = []types.ID{}
	}
	return vehicleResponse{
		ID:           v.ID,
		LocationID:   v.LocationID,
		Name:         v.Name,
		Capacity:     v.Capacity,
		MatchingRule: string(v.MatchingRule),
		Zones:        zones,
		DriverID:     v.DriverID,
		Online:       v.Online,
	}
}

func (h *FleetHandler) CreateVehicle(c *gin.Context) {
	var req vehicleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	v, err := h.fleet.CreateVehicle(c.Request.Context(), fleet.CreateVehicleCommand{
		LocationID:   req.LocationID,
		Name:         req.Name,
		Capacity:     req.Capacity,
		MatchingRule: fleet.MatchingRule(req.MatchingRule),
		Zones:        req.Zones,
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, toVehicleResponse(v))
}

func (h *FleetHandler) GetVehicle(c *gin.Context) {
	v, err := h.fleet.GetVehicle(c.Request.Context(), types.ID(c.Param("id")))
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toVehicleResponse(v))
}

// SetPolicy validates the rule and zones together and returns 422 with the reason on failure.
func (h *FleetHandler) SetPolicy(c *gin.Context) {
	var req vehicleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	v, err := h.fleet.SetPolicy(c.Request.Context(), types.ID(c.Param("id")), fleet.MatchingRule(req.MatchingRule), req.Zones)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toVehicleResponse(v))
}

type availabilityRequest struct {
	Online   *bool    `json:"online"`
	DriverID types.ID `json:"driver_id"`
}

// SetAvailability attaches the calling driver when driver_id is given, then toggles online.
func (h *FleetHandler) SetAvailability(c *gin.Context) {
	var req availabilityRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Online == nil {
		writeError(c, http.StatusBadRequest, "online is required")
		return
	}
	vehicleID := types.ID(c.Param("id"))
	ctx := c.Request.Context()
	if req.DriverID != "" {
		if !canActAs(c, string(req.DriverID)) {
			writeError(c, http.StatusForbidden, "forbidden: driver_id does not match authenticated user")
			return
		}
		v, err := h.fleet.GetVehicle(ctx, vehicleID)
		if err != nil {
			writeDomainError(c, err)
			return
		}
		if v.DriverID == nil || *v.DriverID != req.DriverID {
			if err := h.fleet.AttachDriver(ctx, vehicleID, req.DriverID); err != nil {
				writeDomainError(c, err)
				return
			}
		}
	}
	if err := h.fleet.SetOnline(ctx, vehicleID, *req.Online); err != nil {
		writeDomainError(c, err)
		return
	}
	v, err := h.fleet.GetVehicle(ctx, vehicleID)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toVehicleResponse(v))
}

type registerDriverRequest struct {
	ID         types.ID `json:"id"`
	LocationID types.ID `json:"location_id"`
	Name       string   `json:"name"`
}

func (h *FleetHandler) RegisterDriver(c *gin.Context) {
	var req registerDriverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	d, err := h.fleet.RegisterDriver(c.Request.Context(), fleet.RegisterDriverCommand{
		ID:         req.ID,
		LocationID: req.LocationID,
		Name:       req.Name,
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, gin.H{"id": d.ID, "location_id": d.LocationID, "name": d.Name})
}

type positionRequest struct {
	pointDTO
	At *time.Time `json:"at"`
}

// UpdatePosition stores the driver's GPS fix. Only the driver itself may report it.
func (h *FleetHandler) UpdatePosition(c *gin.Context) {
	id := c.Param("id")
	if !canActAs(c, id) {
		writeError(c, http.StatusForbidden, "forbidden: id does not match authenticated user")
		return
	}
	var req positionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	p, err := req.point()
	if err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	var at time.Time
	if req.At != nil {
		at = *req.At
	}
	if err := h.fleet.UpdateDriverPosition(c.Request.Context(), types.ID(id), p, at); err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": "ok"})
}
