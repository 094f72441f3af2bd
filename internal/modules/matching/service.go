// README: Matching service runs dispatch passes: pending requests are claimed, resolved against
// the GeoIndex, matched to the closest eligible vehicle and committed to that driver's route.
package matching

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"ridepool/internal/config"
	"ridepool/internal/infra"
	"ridepool/internal/logger"
	"ridepool/internal/modules/eta"
	"ridepool/internal/modules/fleet"
	"ridepool/internal/modules/location"
	"ridepool/internal/modules/pricing"
	"ridepool/internal/modules/ride"
	"ridepool/internal/modules/route"
	"ridepool/internal/types"
)

var (
	ErrBadRequest          = errors.New("bad request")
	ErrOutsideServiceArea  = errors.New("coordinate lies outside the service area")
	ErrRequestClaimed      = errors.New("request is being matched by another pass")
	ErrVehicleNotInService = errors.New("vehicle is offline or has no driver attached")
	ErrVehicleNotEligible  = errors.New("vehicle may not serve this request")

	// errVehicleChanged means the candidate lost its driver between ranking and commit.
	errVehicleChanged = errors.New("vehicle changed since ranking")
)

type RequestRepository interface {
	CreateRequest(ctx context.Context, r *ride.Request) error
	GetRequest(ctx context.Context, id types.ID) (*ride.Request, error)
	ListPendingRequests(ctx context.Context, limit int) ([]ride.Request, error)
}

type VehicleRepository interface {
	GetVehicle(ctx context.Context, id types.ID) (*fleet.Vehicle, error)
	ListVehicles(ctx context.Context, locationID types.ID) ([]fleet.Vehicle, error)
}

type DriverReader interface {
	GetDriver(ctx context.Context, id types.ID) (*fleet.Driver, error)
}

type RouteRepository interface {
	ActiveRoute(ctx context.Context, driverID types.ID) (*route.Route, error)
	CommitMatch(ctx context.Context, m route.Match) error
}

type RideReader interface {
	GetRides(ctx context.Context, ids []types.ID) (map[types.ID]*ride.Ride, error)
}

// IndexProvider builds GeoIndex snapshots; location.Service implements it.
type IndexProvider interface {
	Index(ctx context.Context, locationID types.ID) (*location.Index, error)
}

// RouteEngine serializes writes to a driver's route; eta.Engine implements it.
type RouteEngine interface {
	WithDriverLock(ctx context.Context, driverID types.ID, fn func(ctx context.Context) error) error
	Reconcile(ctx context.Context, driverID types.ID) error
}

// AttemptTracker counts search passes per request. Optional.
type AttemptTracker interface {
	RecordAttempt(ctx context.Context, requestID types.ID) (int, error)
	Forget(ctx context.Context, requestID types.ID) error
}

type Deps struct {
	Requests RequestRepository
	Vehicles VehicleRepository
	Drivers  DriverReader
	Routes   RouteRepository
	Rides    RideReader
	Geo      IndexProvider
	Pricing  *pricing.Service
	Engine   RouteEngine
	Locker   infra.Locker
	Attempts AttemptTracker
	Log      *zap.Logger
}

type Service struct {
	requests RequestRepository
	vehicles VehicleRepository
	drivers  DriverReader
	routes   RouteRepository
	rides    RideReader
	geo      IndexProvider
	pricing  *pricing.Service
	engine   RouteEngine
	locker   infra.Locker
	attempts AttemptTracker
	detour   eta.StraightLine
	cfg      config.MatchingConfig
	log      *zap.Logger
	now      func() time.Time
}

// NewService wires the matcher. detourKmh converts the straight-line detour of an insertion
// into the provisional delay applied to rides already in the route.
func NewService(d Deps, cfg config.MatchingConfig, detourKmh float64) *Service {
	pr := d.Pricing
	if pr == nil {
		pr = pricing.NewService()
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 30 * time.Second
	}
	return &Service{
		requests: d.Requests,
		vehicles: d.Vehicles,
		drivers:  d.Drivers,
		routes:   d.Routes,
		rides:    d.Rides,
		geo:      d.Geo,
		pricing:  pr,
		engine:   d.Engine,
		locker:   d.Locker,
		attempts: d.Attempts,
		detour:   eta.StraightLine{Kmh: detourKmh},
		cfg:      cfg,
		log:      logger.OrNop(d.Log),
		now:      time.Now,
	}
}

type CreateRequestCommand struct {
	LocationID  types.ID
	RiderID     types.ID
	Passengers  int
	Origin      types.Point
	Destination types.Point
}

// CreateRequest adds a pending request. Both endpoints must lie inside the service area.
func (s *Service) CreateRequest(ctx context.Context, cmd CreateRequestCommand) (*ride.Request, error) {
	if cmd.RiderID == "" {
		return nil, fmt.Errorf("%w: rider_id is required", ErrBadRequest)
	}
	if cmd.Passengers < 1 {
		return nil, fmt.Errorf("%w: passengers must be at least 1", ErrBadRequest)
	}
	idx, err := s.geo.Index(ctx, cmd.LocationID)
	if err != nil {
		return nil, err
	}
	for _, p := range []types.Point{cmd.Origin, cmd.Destination} {
		if _, in := idx.ResolveZone(p); !in {
			return nil, fmt.Errorf("%w: %s", ErrOutsideServiceArea, p)
		}
	}
	req := &ride.Request{
		ID:          types.NewID(),
		LocationID:  cmd.LocationID,
		RiderID:     cmd.RiderID,
		Passengers:  cmd.Passengers,
		Origin:      ride.Endpoint{Point: cmd.Origin},
		Destination: ride.Endpoint{Point: cmd.Destination},
		CreatedAt:   s.now(),
	}
	if err := s.requests.CreateRequest(ctx, req); err != nil {
		return nil, err
	}
	s.log.Info("ride requested",
		zap.String("request_id", string(req.ID)),
		zap.String("location_id", string(req.LocationID)),
		zap.Int("passengers", req.Passengers))
	return req, nil
}

// Search runs one dispatch pass over the pending requests, oldest first. A request that is
// claimed elsewhere or has no eligible vehicle stays pending; per-request failures are logged
// and do not stop the pass.
func (s *Service) Search(ctx context.Context) (SearchReport, error) {
	pending, err := s.requests.ListPendingRequests(ctx, searchBatch)
	if err != nil {
		return SearchReport{}, err
	}
	report := SearchReport{Pending: len(pending)}
	indexes := make(map[types.ID]*location.Index)
	for i := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		req := &pending[i]
		res, err := s.searchOne(ctx, req, indexes)
		if err != nil {
			s.log.Warn("dispatch failed", zap.String("request_id", string(req.ID)), zap.Error(err))
		}
		if res == nil {
			report.Unmatched++
			continue
		}
		report.Matched = append(report.Matched, *res)
	}
	return report, nil
}

func (s *Service) searchOne(ctx context.Context, req *ride.Request, indexes map[types.ID]*location.Index) (*MatchResult, error) {
	unlock, ok, err := s.locker.TryLock(ctx, infra.RequestClaimKey(req.ID), s.cfg.ClaimTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	defer s.release(ctx, unlock, req.ID)

	// The listing may be stale: another pass can have matched it, or the rider cancelled.
	if _, err := s.requests.GetRequest(ctx, req.ID); err != nil {
		if errors.Is(err, ride.ErrRequestNotFound) {
			return nil, nil
		}
		return nil, err
	}
	attempts := s.recordAttempt(ctx, req.ID)

	idx, ok := indexes[req.LocationID]
	if !ok {
		idx, err = s.geo.Index(ctx, req.LocationID)
		if err != nil {
			return nil, err
		}
		indexes[req.LocationID] = idx
	}
	resolved, err := ResolveRequest(idx, req)
	if err != nil {
		return nil, err
	}
	vehicles, err := s.vehicles.ListVehicles(ctx, req.LocationID)
	if err != nil {
		return nil, err
	}
	candidates, err := s.rank(ctx, idx, resolved, vehicles)
	if err != nil {
		return nil, err
	}
	for _, c := range candidates {
		res, err := s.commit(ctx, idx, resolved, c)
		switch {
		case err == nil:
			res.Attempts = attempts
			s.forget(ctx, req.ID)
			return res, nil
		case errors.Is(err, route.ErrCapacityExceeded), errors.Is(err, errVehicleChanged),
			errors.Is(err, route.ErrStaleRoute):
			continue
		case errors.Is(err, ride.ErrRequestNotFound):
			return nil, nil
		default:
			return nil, err
		}
	}
	return nil, nil
}

// Assign matches a pending request to one vehicle chosen by an operator. The vehicle's
// matching rule is validated first, so a misconfigured vehicle surfaces its policy error.
func (s *Service) Assign(ctx context.Context, requestID, vehicleID types.ID) (*MatchResult, error) {
	unlock, ok, err := s.locker.TryLock(ctx, infra.RequestClaimKey(requestID), s.cfg.ClaimTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrRequestClaimed
	}
	defer s.release(ctx, unlock, requestID)

	req, err := s.requests.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	v, err := s.vehicles.GetVehicle(ctx, vehicleID)
	if err != nil {
		return nil, err
	}
	if v.LocationID != req.LocationID {
		return nil, fmt.Errorf("%w: vehicle %s serves another location", ErrVehicleNotEligible, v.ID)
	}
	idx, err := s.geo.Index(ctx, req.LocationID)
	if err != nil {
		return nil, err
	}
	if err := fleet.ValidateVehicle(v, idx.Zones()); err != nil {
		return nil, err
	}
	if !v.InService() {
		return nil, ErrVehicleNotInService
	}
	resolved, err := ResolveRequest(idx, req)
	if err != nil {
		return nil, err
	}
	eligible := fleet.IsEligibleForRequest(v, resolved)
	if !eligible && !fleet.IsFallbackForRequest(v, resolved) {
		return nil, fmt.Errorf("%w: %s", ErrVehicleNotEligible, v.ID)
	}
	c, err := s.candidate(ctx, v, resolved)
	if err != nil {
		return nil, err
	}
	c.Fallback = !eligible
	res, err := s.commit(ctx, idx, resolved, c)
	if err != nil {
		return nil, err
	}
	s.forget(ctx, requestID)
	return res, nil
}

// ResolveRequest returns a copy of req with both endpoints resolved to a zone and, where the
// zone uses fixed stops, snapped to one. The dropoff never snaps to the pickup's stop when
// another stop is available.
func ResolveRequest(idx *location.Index, req *ride.Request) (*ride.Request, error) {
	out := *req

	resolve := func(p types.Point, exclude *types.ID) (ride.Endpoint, error) {
		zone, in := idx.ResolveZone(p)
		if !in {
			return ride.Endpoint{}, fmt.Errorf("%w: %s", ErrOutsideServiceArea, p)
		}
		ep := ride.Endpoint{Point: p, ZoneID: zone.ID}
		res := idx.ResolveStop(zone, p, exclude)
		if res.IsFixedStop {
			ep.Point = res.Point
			ep.IsFixedStop = true
			ep.FixedStopID = types.IDPtr(res.FixedStop.ID)
		}
		return ep, nil
	}

	var err error
	if out.Origin, err = resolve(req.Origin.Point, nil); err != nil {
		return nil, err
	}
	if out.Destination, err = resolve(req.Destination.Point, out.Origin.FixedStopID); err != nil {
		return nil, err
	}
	return &out, nil
}

// rank orders the vehicles that may serve req by distance from their queued position to the
// pickup, ties by vehicle ID. Priority vehicles are used as fallback only when nothing else
// is eligible.
func (s *Service) rank(ctx context.Context, idx *location.Index, req *ride.Request, vehicles []fleet.Vehicle) ([]Candidate, error) {
	zones := idx.Zones()
	var primary, fallback []Candidate
	for i := range vehicles {
		v := &vehicles[i]
		if !v.InService() {
			continue
		}
		if err := fleet.ValidateVehicle(v, zones); err != nil {
			s.log.Warn("vehicle skipped by dispatch",
				zap.String("vehicle_id", string(v.ID)), zap.Error(err))
			continue
		}
		eligible := fleet.IsEligibleForRequest(v, req)
		if !eligible && !fleet.IsFallbackForRequest(v, req) {
			continue
		}
		c, err := s.candidate(ctx, v, req)
		if err != nil {
			return nil, err
		}
		if eligible {
			primary = append(primary, c)
		} else {
			c.Fallback = true
			fallback = append(fallback, c)
		}
	}
	out := primary
	if len(out) == 0 {
		out = fallback
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].Vehicle.ID < out[j].Vehicle.ID
	})
	return out, nil
}

// candidate measures from where the driver will be once its queue is served: the last waiting
// stop of the active route, else the driver's position. Unknown positions rank last.
func (s *Service) candidate(ctx context.Context, v *fleet.Vehicle, req *ride.Request) (Candidate, error) {
	c := Candidate{Vehicle: *v, DriverID: *v.DriverID, Distance: math.MaxFloat64}
	driver, err := s.drivers.GetDriver(ctx, c.DriverID)
	if err != nil {
		return Candidate{}, err
	}
	c.Position = driver.Position
	rt, err := s.routes.ActiveRoute(ctx, c.DriverID)
	switch {
	case err == nil:
		if p, ok := lastWaitingPoint(rt.Stops); ok {
			c.Position = p
		}
	case !errors.Is(err, route.ErrNoActiveRoute):
		return Candidate{}, err
	}
	if !c.Position.IsZero() {
		c.Distance = location.HaversineMeters(c.Position, req.Origin.Point)
	}
	return c, nil
}

func lastWaitingPoint(stops []route.Stop) (types.Point, bool) {
	for i := len(stops) - 1; i >= 0; i-- {
		if stops[i].IsWaiting() && stops[i].Type != route.StopCurrentLocation {
			return stops[i].Point, true
		}
	}
	return types.Point{}, false
}

// commit inserts the ride into the candidate's route and turns the request into a ride, all
// under the driver's route lock, then runs a full reconcile so costs and ETAs are real.
func (s *Service) commit(ctx context.Context, idx *location.Index, req *ride.Request, c Candidate) (*MatchResult, error) {
	var result *MatchResult
	err := s.engine.WithDriverLock(ctx, c.DriverID, func(ctx context.Context) error {
		v, err := s.vehicles.GetVehicle(ctx, c.Vehicle.ID)
		if err != nil {
			return err
		}
		if !v.InService() || *v.DriverID != c.DriverID {
			return errVehicleChanged
		}
		driver, err := s.drivers.GetDriver(ctx, c.DriverID)
		if err != nil {
			return err
		}
		now := s.now()
		rt, err := s.routes.ActiveRoute(ctx, driver.ID)
		if errors.Is(err, route.ErrNoActiveRoute) {
			rt, err = &route.Route{ID: types.NewID(), DriverID: driver.ID, Active: true, CreatedAt: now}, nil
		}
		if err != nil {
			return err
		}

		loc := idx.Location()
		quote, err := s.pricing.SelectMode(&loc, req.Passengers)
		if err != nil {
			return err
		}
		rd := &ride.Ride{
			ID:          types.NewID(),
			RequestID:   req.ID,
			LocationID:  req.LocationID,
			RiderID:     req.RiderID,
			DriverID:    types.IDPtr(driver.ID),
			VehicleID:   types.IDPtr(v.ID),
			Passengers:  req.Passengers,
			Status:      ride.StatusAccepted,
			Origin:      req.Origin,
			Destination: req.Destination,
			Fare:        quote.Fare(),
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		pickup, dropoff := route.NewStops(rd)
		stops, ins, err := route.Insert(rt.Stops, pickup, dropoff, route.InsertOptions{
			Pooling:  loc.PoolingEnabled,
			Capacity: v.Capacity,
			Origin:   driver.Position,
		})
		if err != nil {
			return err
		}

		rides, err := s.rides.GetRides(ctx, rt.RideIDs())
		if err != nil {
			return err
		}
		shifted := s.delayRides(stops, rides, ins, now)
		rides[rd.ID] = rd
		rt.Stops, rt.Active, rt.UpdatedAt = stops, true, now

		err = s.routes.CommitMatch(ctx, route.Match{
			Update: route.Update{
				DriverID: driver.ID,
				Route:    rt,
				RideList: eta.BuildRideList(stops, rides),
				Rides:    shifted,
			},
			NewRide:   rd,
			RequestID: req.ID,
		})
		if err != nil {
			return err
		}
		s.log.Info("request matched",
			zap.String("request_id", string(req.ID)),
			zap.String("ride_id", string(rd.ID)),
			zap.String("driver_id", string(driver.ID)),
			zap.String("vehicle_id", string(v.ID)),
			zap.Int("pickup_index", ins.PickupIndex),
			zap.Bool("appended", ins.Appended),
			zap.Bool("fallback", c.Fallback))

		if err := s.engine.Reconcile(ctx, driver.ID); err != nil {
			s.log.Warn("post-match reconcile failed", zap.String("driver_id", string(driver.ID)), zap.Error(err))
		}
		result = &MatchResult{
			RequestID:   req.ID,
			RideID:      rd.ID,
			DriverID:    driver.ID,
			VehicleID:   v.ID,
			WaitTimeSec: int(now.Sub(req.CreatedAt).Seconds()),
			Fallback:    c.Fallback,
		}
		return nil
	})
	return result, err
}

// delayRides pushes back the ETAs of rides whose stops now come after the inserted pickup by
// the straight-line time of the detour, and returns the rides that moved.
func (s *Service) delayRides(stops []route.Stop, rides map[types.ID]*ride.Ride, ins route.InsertResult, now time.Time) []*ride.Ride {
	etas := make(map[types.ID]eta.RideEta, len(rides))
	for id, r := range rides {
		etas[id] = eta.RideEta{Eta: r.Eta, DropoffEta: r.DropoffEta}
	}
	next := eta.UpdateRideEta(stops, etas, s.detour.ForDistance(ins.AddedDistance), ins.PickupIndex)

	var out []*ride.Ride
	for _, id := range route.RideIDsOf(stops) {
		r, ok := rides[id]
		if !ok {
			continue
		}
		e := next[id]
		if e.Eta.Equal(r.Eta) && e.DropoffEta.Equal(r.DropoffEta) {
			continue
		}
		r.Eta, r.DropoffEta, r.UpdatedAt = e.Eta, e.DropoffEta, now
		out = append(out, r)
	}
	return out
}

func (s *Service) release(ctx context.Context, unlock infra.Unlock, requestID types.ID) {
	if err := unlock(context.WithoutCancel(ctx)); err != nil {
		s.log.Warn("request claim release failed", zap.String("request_id", string(requestID)), zap.Error(err))
	}
}

func (s *Service) recordAttempt(ctx context.Context, requestID types.ID) int {
	if s.attempts == nil {
		return 0
	}
	n, err := s.attempts.RecordAttempt(ctx, requestID)
	if err != nil {
		s.log.Warn("attempt counter failed", zap.String("request_id", string(requestID)), zap.Error(err))
	}
	return n
}

func (s *Service) forget(ctx context.Context, requestID types.ID) {
	if s.attempts == nil {
		return
	}
	if err := s.attempts.Forget(ctx, requestID); err != nil {
		s.log.Warn("attempt counter cleanup failed", zap.String("request_id", string(requestID)), zap.Error(err))
	}
}

// RunScheduler runs Search every tick until ctx is done.
func (s *Service) RunScheduler(ctx context.Context) {
	tick := time.Duration(s.cfg.TickSeconds) * time.Second
	if tick <= 0 {
		tick = 3 * time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := s.Search(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.log.Error("dispatch pass failed", zap.Error(err))
				}
				continue
			}
			if len(report.Matched) > 0 {
				s.log.Info("dispatch pass",
					zap.Int("pending", report.Pending),
					zap.Int("matched", len(report.Matched)),
					zap.Int("unmatched", report.Unmatched))
			}
		}
	}
}
