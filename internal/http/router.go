// README: HTTP router registration.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"ridepool/internal/http/handlers"
	"ridepool/internal/http/middleware"
	"ridepool/internal/infra"
	"ridepool/internal/modules/fleet"
	"ridepool/internal/modules/location"
	"ridepool/internal/modules/matching"
	"ridepool/internal/modules/trip"
)

type RouterDeps struct {
	Location *location.Service
	Fleet    *fleet.Service
	Matching *matching.Service
	Trip     *trip.Service
	Routes   handlers.RouteReader
	// Verifier may be nil, which disables authentication.
	Verifier infra.TokenVerifier
	Log      *zap.Logger
}

func NewRouter(d RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Recovery(d.Log), middleware.Logging(d.Log))

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})

	api := r.Group("/api", middleware.Auth(d.Verifier))
	admin := middleware.RequireRole(middleware.RoleAdmin)
	driver := middleware.RequireRole(middleware.RoleDriver, middleware.RoleAdmin)

	locationHandler := handlers.NewLocationHandler(d.Location)
	api.POST("/locations", admin, locationHandler.CreateLocation)
	api.GET("/locations/:id", locationHandler.GetLocation)
	api.PUT("/locations/:id/service_area", admin, locationHandler.UpdateServiceArea)
	api.POST("/locations/:id/zones", admin, locationHandler.CreateZone)
	api.POST("/locations/:id/fixed_stops", admin, locationHandler.CreateFixedStop)
	api.PUT("/zones/:id", admin, locationHandler.UpdateZone)
	api.DELETE("/zones/:id", admin, locationHandler.DeleteZone)

	fleetHandler := handlers.NewFleetHandler(d.Fleet)
	api.POST("/vehicles", admin, fleetHandler.CreateVehicle)
	api.GET("/vehicles/:id", fleetHandler.GetVehicle)
	api.PUT("/vehicles/:id/policy", admin, fleetHandler.SetPolicy)
	api.POST("/vehicles/:id/availability", driver, fleetHandler.SetAvailability)
	api.POST("/drivers", admin, fleetHandler.RegisterDriver)
	api.PUT("/drivers/:id/location", driver, fleetHandler.UpdatePosition)

	dispatchHandler := handlers.NewDispatchHandler(d.Matching, d.Trip)
	api.POST("/requests", dispatchHandler.CreateRequest)
	api.DELETE("/requests/:id", dispatchHandler.CancelRequest)
	api.POST("/requests/:id/assign", admin, dispatchHandler.Assign)
	api.POST("/dispatch/search", admin, dispatchHandler.Search)

	tripHandler := handlers.NewTripHandler(d.Trip, d.Routes, d.Fleet)
	api.GET("/drivers/:id/route", driver, tripHandler.GetRoute)
	api.POST("/drivers/:id/rides/:ride_id/arrive", driver, tripHandler.Arrive)
	api.POST("/drivers/:id/rides/:ride_id/pickup", driver, tripHandler.Pickup)
	api.POST("/drivers/:id/rides/:ride_id/dropoff", driver, tripHandler.Dropoff)
	api.POST("/drivers/:id/rides/:ride_id/cancel", driver, tripHandler.DriverCancel)
	api.POST("/rides/:id/cancel", tripHandler.CancelRide)

	return r
}
