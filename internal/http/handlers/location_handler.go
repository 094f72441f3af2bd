// README: Location, zone and fixed-stop handlers (admin only).
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/paulmach/orb/geojson"

	"ridepool/internal/modules/location"
	"ridepool/internal/types"
)

type LocationHandler struct {
	location *location.Service
}

func NewLocationHandler(svc *location.Service) *LocationHandler {
	return &LocationHandler{location: svc}
}

type fareDTO struct {
	Mode     string `json:"mode"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type createLocationRequest struct {
	Name             string          `json:"name"`
	ServiceArea      json.RawMessage `json:"service_area"`
	PoolingEnabled   bool            `json:"pooling_enabled"`
	FixedStopEnabled bool            `json:"fixed_stop_enabled"`
	Timezone         string          `json:"timezone"`
	Fare             *fareDTO        `json:"fare"`
}

type locationResponse struct {
	ID               types.ID          `json:"id"`
	Name             string            `json:"name"`
	ServiceArea      *geojson.Geometry `json:"service_area"`
	PoolingEnabled   bool              `json:"pooling_enabled"`
	FixedStopEnabled bool              `json:"fixed_stop_enabled"`
	Timezone         string            `json:"timezone,omitempty"`
	Fare             fareDTO           `json:"fare"`
	CreatedAt        time.Time         `json:"created_at"`
}

func toLocationResponse(l *location.Location) locationResponse {
	return locationResponse{
		ID:               l.ID,
		Name:             l.Name,
		ServiceArea:      polygonJSON(l.ServiceArea),
		PoolingEnabled:   l.PoolingEnabled,
		FixedStopEnabled: l.FixedStopEnabled,
		Timezone:         l.Timezone,
		Fare:             fareDTO{Mode: string(l.Fare.Mode), Amount: l.Fare.Amount.Amount, Currency: l.Fare.Amount.Currency},
		CreatedAt:        l.CreatedAt,
	}
}

type zoneResponse struct {
	ID               types.ID          `json:"id"`
	LocationID       types.ID          `json:"location_id"`
	Name             string            `json:"name"`
	ServiceArea      *geojson.Geometry `json:"service_area"`
	FixedStopEnabled bool              `json:"fixed_stop_enabled"`
	IsDefault        bool              `json:"is_default"`
}

func toZoneResponse(z *location.Zone) zoneResponse {
	return zoneResponse{
		ID:               z.ID,
		LocationID:       z.LocationID,
		Name:             z.Name,
		ServiceArea:      polygonJSON(z.ServiceArea),
		FixedStopEnabled: z.FixedStopEnabled,
		IsDefault:        z.IsDefault,
	}
}

func (h *LocationHandler) CreateLocation(c *gin.Context) {
	var req createLocationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	area, err := parsePolygon(req.ServiceArea)
	if err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	cmd := location.CreateLocationCommand{
		Name:             req.Name,
		ServiceArea:      area,
		PoolingEnabled:   req.PoolingEnabled,
		FixedStopEnabled: req.FixedStopEnabled,
		Timezone:         req.Timezone,
	}
	if req.Fare != nil {
		cmd.Fare = location.FareConfig{
			Mode:   location.FareMode(req.Fare.Mode),
			Amount: types.Money{Amount: req.Fare.Amount, Currency: req.Fare.Currency},
		}
	}
	loc, err := h.location.CreateLocation(c.Request.Context(), cmd)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, toLocationResponse(loc))
}

func (h *LocationHandler) GetLocation(c *gin.Context) {
	loc, err := h.location.GetLocation(c.Request.Context(), types.ID(c.Param("id")))
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toLocationResponse(loc))
}

type serviceAreaRequest struct {
	ServiceArea json.RawMessage `json:"service_area"`
}

// UpdateServiceArea replaces the polygon; the default zone follows it.
func (h *LocationHandler) UpdateServiceArea(c *gin.Context) {
	var req serviceAreaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	area, err := parsePolygon(req.ServiceArea)
	if err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.location.UpdateServiceArea(c.Request.Context(), types.ID(c.Param("id")), area); err != nil {
		writeDomainError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type zoneRequest struct {
	Name             *string         `json:"name"`
	ServiceArea      json.RawMessage `json:"service_area"`
	FixedStopEnabled *bool           `json:"fixed_stop_enabled"`
}

func (h *LocationHandler) CreateZone(c *gin.Context) {
	var req zoneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	area, err := parsePolygon(req.ServiceArea)
	if err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	cmd := location.CreateZoneCommand{LocationID: types.ID(c.Param("id")), ServiceArea: area}
	if req.Name != nil {
		cmd.Name = *req.Name
	}
	if req.FixedStopEnabled != nil {
		cmd.FixedStopEnabled = *req.FixedStopEnabled
	}
	z, err := h.location.CreateZone(c.Request.Context(), cmd)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, toZoneResponse(z))
}

func (h *LocationHandler) UpdateZone(c *gin.Context) {
	var req zoneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	area, err := parsePolygon(req.ServiceArea)
	if err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	z, err := h.location.UpdateZone(c.Request.Context(), location.UpdateZoneCommand{
		ZoneID:           types.ID(c.Param("id")),
		Name:             req.Name,
		ServiceArea:      area,
		FixedStopEnabled: req.FixedStopEnabled,
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toZoneResponse(z))
}

func (h *LocationHandler) DeleteZone(c *gin.Context) {
	if err := h.location.DeleteZone(c.Request.Context(), types.ID(c.Param("id"))); err != nil {
		writeDomainError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type fixedStopRequest struct {
	Name  string   `json:"name"`
	Point pointDTO `json:"point"`
}

func (h *LocationHandler) CreateFixedStop(c *gin.Context) {
	var req fixedStopRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	p, err := req.Point.point()
	if err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	fs, err := h.location.CreateFixedStop(c.Request.Context(), location.CreateFixedStopCommand{
		LocationID: types.ID(c.Param("id")),
		Name:       req.Name,
		Point:      p,
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, gin.H{
		"id":     fs.ID,
		"name":   fs.Name,
		"point":  fs.Point,
		"status": fs.Status,
	})
}
