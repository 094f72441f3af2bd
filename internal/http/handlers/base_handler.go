// README: Base handler utilities (JSON helpers, error mapping, caller checks).
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"ridepool/internal/http/middleware"
	"ridepool/internal/modules/eta"
	"ridepool/internal/modules/fleet"
	"ridepool/internal/modules/location"
	"ridepool/internal/modules/matching"
	"ridepool/internal/modules/pricing"
	"ridepool/internal/modules/ride"
	"ridepool/internal/modules/route"
	"ridepool/internal/modules/trip"
	"ridepool/internal/types"
)

type errorResponse struct {
	Error string `json:"error"`
}

type pointDTO struct {
	Lat *float64 `json:"lat"`
	Lng *float64 `json:"lng"`
}

func (p pointDTO) point() (types.Point, error) {
	if p.Lat == nil || p.Lng == nil {
		return types.Point{}, errors.New("lat and lng are required")
	}
	if *p.Lat < -90 || *p.Lat > 90 || *p.Lng < -180 || *p.Lng > 180 {
		return types.Point{}, fmt.Errorf("coordinate %v,%v out of range", *p.Lat, *p.Lng)
	}
	return types.Point{Lat: *p.Lat, Lng: *p.Lng}, nil
}

// parsePolygon decodes a GeoJSON Polygon geometry.
func parsePolygon(raw json.RawMessage) (orb.Polygon, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	g, err := geojson.UnmarshalGeometry(raw)
	if err != nil {
		return nil, fmt.Errorf("service_area: %w", err)
	}
	poly, ok := g.Geometry().(orb.Polygon)
	if !ok {
		return nil, fmt.Errorf("service_area must be a Polygon, got %s", g.Type)
	}
	return poly, nil
}

func polygonJSON(p orb.Polygon) *geojson.Geometry {
	if p == nil {
		return nil
	}
	return geojson.NewGeometry(p)
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

// writeDomainError maps module errors to status codes. Unknown errors are hidden behind a 500.
func writeDomainError(c *gin.Context, err error) {
	var policy *fleet.InvalidPolicyError
	var unavailable *fleet.VehicleUnavailableError
	switch {
	case errors.As(err, &policy):
		writeError(c, http.StatusUnprocessableEntity, policy.Reason)
	case errors.As(err, &unavailable):
		writeError(c, http.StatusConflict, err.Error())
	case errors.Is(err, location.ErrNotFound),
		errors.Is(err, location.ErrZoneNotFound),
		errors.Is(err, fleet.ErrNotFound),
		errors.Is(err, fleet.ErrDriverNotFound),
		errors.Is(err, ride.ErrNotFound),
		errors.Is(err, ride.ErrRequestNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, location.ErrDefaultZoneImmutable),
		errors.Is(err, location.ErrZoneHasVehicles),
		errors.Is(err, matching.ErrRequestClaimed),
		errors.Is(err, matching.ErrVehicleNotInService),
		errors.Is(err, matching.ErrVehicleNotEligible),
		errors.Is(err, trip.ErrRequestClaimed),
		errors.Is(err, trip.ErrInvalidTransition),
		errors.Is(err, route.ErrStaleRoute):
		writeError(c, http.StatusConflict, err.Error())
	case errors.Is(err, eta.ErrRideNotAssigned),
		errors.Is(err, trip.ErrNotYourRide):
		writeError(c, http.StatusForbidden, err.Error())
	case errors.Is(err, location.ErrBadRequest),
		errors.Is(err, fleet.ErrBadRequest),
		errors.Is(err, matching.ErrBadRequest),
		errors.Is(err, matching.ErrOutsideServiceArea),
		errors.Is(err, pricing.ErrBadRequest),
		errors.Is(err, trip.ErrBadRequest):
		writeError(c, http.StatusBadRequest, err.Error())
	default:
		_ = c.Error(err)
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}

// canActAs reports whether the caller may act as id. Admins act for anyone, and every
// caller passes when authentication is disabled.
func canActAs(c *gin.Context, id string) bool {
	if !middleware.Authenticated(c) || middleware.CallerRole(c) == middleware.RoleAdmin {
		return true
	}
	return middleware.CallerUID(c) == id
}

func isAdmin(c *gin.Context) bool {
	return !middleware.Authenticated(c) || middleware.CallerRole(c) == middleware.RoleAdmin
}
