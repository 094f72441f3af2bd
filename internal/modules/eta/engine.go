// README: ETA engine: per-driver route reconciliation, cost refresh and ETA propagation.
package eta

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ridepool/internal/config"
	"ridepool/internal/infra"
	"ridepool/internal/logger"
	"ridepool/internal/modules/fleet"
	"ridepool/internal/modules/ride"
	"ridepool/internal/modules/route"
	"ridepool/internal/realtime"
	"ridepool/internal/types"
)

var ErrRideNotAssigned = errors.New("ride is not assigned to this driver")

type RouteRepository interface {
	ActiveRoute(ctx context.Context, driverID types.ID) (*route.Route, error)
	ListActiveDriverIDs(ctx context.Context) ([]types.ID, error)
	SaveRoute(ctx context.Context, u route.Update) error
}

type RideRepository interface {
	GetRides(ctx context.Context, ids []types.ID) (map[types.ID]*ride.Ride, error)
	ListActiveByDriver(ctx context.Context, driverID types.ID) ([]*ride.Ride, error)
}

type DriverReader interface {
	GetDriver(ctx context.Context, id types.ID) (*fleet.Driver, error)
}

type Deps struct {
	Routes    RouteRepository
	Rides     RideRepository
	Drivers   DriverReader
	Estimator Estimator
	Locker    infra.Locker
	Publisher realtime.Publisher
	Log       *zap.Logger
}

type Engine struct {
	routes    RouteRepository
	rides     RideRepository
	drivers   DriverReader
	estimator Estimator
	fallback  StraightLine
	locker    infra.Locker
	publisher realtime.Publisher
	cfg       config.ETAConfig
	lockTTL   time.Duration
	log       *zap.Logger
	now       func() time.Time
}

func NewEngine(d Deps, cfg config.ETAConfig, lockTTL time.Duration) *Engine {
	fallback := StraightLine{Kmh: cfg.FallbackKmh}
	est := d.Estimator
	if est == nil {
		est = fallback
	}
	pub := d.Publisher
	if pub == nil {
		pub = realtime.Nop{}
	}
	if lockTTL <= 0 {
		lockTTL = 15 * time.Second
	}
	return &Engine{
		routes:    d.Routes,
		rides:     d.Rides,
		drivers:   d.Drivers,
		estimator: est,
		fallback:  fallback,
		locker:    d.Locker,
		publisher: pub,
		cfg:       cfg,
		lockTTL:   lockTTL,
		log:       logger.OrNop(d.Log),
		now:       time.Now,
	}
}

// WithDriverLock runs fn while holding the driver's route lock. Every write to a driver's
// route goes through here.
func (e *Engine) WithDriverLock(ctx context.Context, driverID types.ID, fn func(ctx context.Context) error) error {
	lctx, cancel := context.WithTimeout(ctx, e.lockTTL)
	unlock, err := e.locker.Lock(lctx, infra.DriverRouteKey(driverID), e.lockTTL)
	cancel()
	if err != nil {
		return fmt.Errorf("lock route of driver %s: %w", driverID, err)
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			e.log.Warn("route unlock failed", zap.String("driver_id", string(driverID)), zap.Error(err))
		}
	}()
	return fn(ctx)
}

// snapshot is a working copy of one driver's route and the rides it touches.
type snapshot struct {
	driver  *fleet.Driver
	route   *route.Route
	isNew   bool
	rides   map[types.ID]*ride.Ride
	active  []*ride.Ride
	stored  []route.Stop
	changed map[types.ID]bool
	order   []types.ID
}

func (s *snapshot) touch(r *ride.Ride, now time.Time) {
	r.UpdatedAt = now
	if !s.changed[r.ID] {
		s.changed[r.ID] = true
		s.order = append(s.order, r.ID)
	}
}

func (s *snapshot) changedRides() []*ride.Ride {
	out := make([]*ride.Ride, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.rides[id])
	}
	return out
}

func (s *snapshot) stopsChanged() bool {
	if len(s.stored) != len(s.route.Stops) {
		return true
	}
	for i := range s.stored {
		if s.stored[i] != s.route.Stops[i] {
			return true
		}
	}
	return false
}

// load returns nil when the driver has neither an active route nor active rides.
func (e *Engine) load(ctx context.Context, driverID types.ID, extra ...types.ID) (*snapshot, error) {
	driver, err := e.drivers.GetDriver(ctx, driverID)
	if err != nil {
		return nil, err
	}
	rt, err := e.routes.ActiveRoute(ctx, driverID)
	if err != nil && !errors.Is(err, route.ErrNoActiveRoute) {
		return nil, err
	}
	active, err := e.rides.ListActiveByDriver(ctx, driverID)
	if err != nil {
		return nil, err
	}
	if rt == nil && len(active) == 0 && len(extra) == 0 {
		return nil, nil
	}

	snap := &snapshot{driver: driver, changed: make(map[types.ID]bool)}
	if rt == nil {
		now := e.now()
		rt = &route.Route{ID: types.NewID(), DriverID: driverID, Active: true, CreatedAt: now, UpdatedAt: now}
		snap.isNew = true
	}
	snap.route = rt.Clone()
	snap.stored = rt.Clone().Stops

	ids := rt.RideIDs()
	seen := make(map[types.ID]bool, len(ids))
	for _, id := range ids {
		seen[id] = true
	}
	for _, r := range active {
		if !seen[r.ID] {
			seen[r.ID] = true
			ids = append(ids, r.ID)
		}
	}
	for _, id := range extra {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	stored, err := e.rides.GetRides(ctx, ids)
	if err != nil {
		return nil, err
	}
	snap.rides = make(map[types.ID]*ride.Ride, len(stored))
	for id, r := range stored {
		c := *r
		snap.rides[id] = &c
	}
	for _, r := range active {
		if c, ok := snap.rides[r.ID]; ok {
			snap.active = append(snap.active, c)
		}
	}
	return snap, nil
}

// fix brings the stops in line with ride status and re-appends active rides the route
// lost. Ride status is the source of truth for cancellation and completion.
func (e *Engine) fix(snap *snapshot) {
	now := e.now()
	driverID := snap.driver.ID
	stops := snap.route.Stops

	for _, id := range route.RideIDsOf(stops) {
		if !hasWaitingStop(stops, id) {
			continue
		}
		r := snap.rides[id]
		var actions []route.Action
		switch {
		case r == nil || !r.AssignedTo(driverID) || r.Status.IsCancelled():
			actions = []route.Action{route.ActionCancel}
		case r.Status.IsCompleted():
			actions = []route.Action{route.ActionPickup, route.ActionDropoff}
		case r.Status == ride.StatusInProgress:
			actions = []route.Action{route.ActionPickup}
		case r.Status.IsActive() && pickupDone(stops, id):
			r.Status = ride.StatusInProgress
			snap.touch(r, now)
		}
		for _, a := range actions {
			res, err := route.ApplyStopAction(stops, id, a)
			if err != nil {
				continue
			}
			stops = res.Stops
		}
		if len(actions) > 0 {
			e.log.Info("route drift healed",
				zap.String("driver_id", string(driverID)),
				zap.String("ride_id", string(id)),
				zap.String("action", string(actions[len(actions)-1])))
		}
	}

	inRoute := make(map[types.ID]bool)
	for _, id := range route.RideIDsOf(stops) {
		inRoute[id] = true
	}
	for _, r := range snap.active {
		if inRoute[r.ID] {
			continue
		}
		p, d := route.NewStops(r)
		if r.Status.IsPickedUp() {
			p.Status = route.StopDone
		}
		stops = append(stops, p, d)
		e.log.Info("ride re-appended to route",
			zap.String("driver_id", string(driverID)), zap.String("ride_id", string(r.ID)))
	}
	snap.route.Stops = stops
	e.syncQueueStatuses(snap)
}

func (e *Engine) syncQueueStatuses(snap *snapshot) {
	now := e.now()
	for _, id := range route.RideIDsOf(snap.route.Stops) {
		r := snap.rides[id]
		if r == nil || !hasWaitingStop(snap.route.Stops, id) {
			continue
		}
		if want := QueueStatus(snap.route.Stops, r); want != r.Status {
			r.Status = want
			snap.touch(r, now)
		}
	}
}

// refreshCosts re-estimates every waiting stop whose cost is stale. A provider failure
// keeps the cached cost, or a straight-line guess when nothing is cached. Provider calls
// share half the route lease; stops left when it runs out are treated as failures and stay
// stale for the next pass.
func (e *Engine) refreshCosts(ctx context.Context, snap *snapshot) {
	budget, cancel := context.WithTimeout(ctx, e.lockTTL/2)
	defer cancel()
	skipped := 0

	now := e.now()
	d := snap.driver
	prevPoint, hasPrev := d.Position, !d.Position.IsZero()
	prevKey := driverKey(d)

	stops := snap.route.Stops
	for i := range stops {
		s := &stops[i]
		if !s.IsWaiting() {
			continue
		}
		stale := s.CostUpdatedAt.IsZero() || s.CostFrom != prevKey || now.Sub(s.CostUpdatedAt) > e.cfg.StaleAfter
		if stale {
			switch {
			case !hasPrev:
				s.Cost, s.CostFrom, s.CostUpdatedAt = 0, prevKey, now
			case budget.Err() != nil:
				skipped++
				if s.CostUpdatedAt.IsZero() {
					s.Cost = seconds(e.fallback.duration(prevPoint, s.Point))
				}
			default:
				dur, err := e.estimate(budget, prevPoint, s.Point)
				if err == nil {
					s.Cost, s.CostFrom, s.CostUpdatedAt = seconds(dur), prevKey, now
					break
				}
				e.log.Warn("eta provider failed, keeping cached cost",
					zap.String("driver_id", string(d.ID)),
					zap.String("ride_id", string(s.RideID)),
					zap.Error(err))
				if s.CostUpdatedAt.IsZero() {
					s.Cost = seconds(e.fallback.duration(prevPoint, s.Point))
				}
			}
		}
		prevPoint, prevKey, hasPrev = s.Point, s.Key(), true
	}
	if skipped > 0 {
		e.log.Warn("eta refresh budget exhausted",
			zap.String("driver_id", string(d.ID)), zap.Int("stops_skipped", skipped))
	}
}

func (e *Engine) estimate(ctx context.Context, origin, dest types.Point) (time.Duration, error) {
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}
	return e.estimator.Estimate(ctx, origin, dest)
}

func seconds(d time.Duration) int {
	return int(math.Round(d.Seconds()))
}

// applyEtas writes the scheduled arrival times onto the rides.
func (e *Engine) applyEtas(snap *snapshot) {
	now := e.now()
	etas := ScheduleEtas(snap.route.Stops, now.Truncate(time.Second))
	for id, eta := range etas {
		r := snap.rides[id]
		if r == nil {
			continue
		}
		changed := false
		if !eta.Eta.IsZero() && !eta.Eta.Equal(r.Eta) {
			r.Eta = eta.Eta
			changed = true
		}
		if !eta.DropoffEta.IsZero() && !eta.DropoffEta.Equal(r.DropoffEta) {
			r.DropoffEta = eta.DropoffEta
			changed = true
		}
		if changed {
			snap.touch(r, now)
		}
	}
}

// commit closes or trims the route, rebuilds the driver's ride list and persists whatever
// changed. It reports whether anything was written.
func (e *Engine) commit(ctx context.Context, snap *snapshot, closeRoute bool) (bool, error) {
	if closeRoute {
		snap.route = route.UpdateRouteOrClose(snap.route, e.now())
	}
	list := BuildRideList(snap.route.Stops, snap.rides)
	routeChanged := snap.stopsChanged() || (closeRoute && !snap.route.Active)
	if !routeChanged && len(snap.order) == 0 && sameRideList(list, snap.driver.RideList) {
		return false, nil
	}
	if !closeRoute || snap.route.Active {
		snap.route.UpdatedAt = e.now()
	}
	u := route.Update{DriverID: snap.driver.ID, Route: snap.route, RideList: list, Rides: snap.changedRides()}
	if snap.isNew && len(snap.route.Stops) == 0 {
		u.Route = nil
	}
	if err := e.routes.SaveRoute(ctx, u); err != nil {
		return false, fmt.Errorf("save route of driver %s: %w", snap.driver.ID, err)
	}
	e.publish(ctx, snap, list)
	return true, nil
}

func (e *Engine) publish(ctx context.Context, snap *snapshot, list []fleet.RideSummary) {
	_ = e.publisher.Publish(ctx, realtime.DriverChannel(snap.driver.ID), realtime.EventRouteUpdated, RouteView{
		RouteID:  snap.route.ID,
		Active:   snap.route.Active,
		Stops:    snap.route.Stops,
		RideList: list,
	})
	statusChanged := false
	for _, r := range snap.changedRides() {
		_ = e.publisher.Publish(ctx, realtime.RideChannel(r.ID), realtime.EventRideUpdated, RideUpdate{
			RideID:     r.ID,
			Status:     r.Status,
			Eta:        r.Eta,
			DropoffEta: r.DropoffEta,
		})
		statusChanged = true
	}
	if statusChanged {
		_ = e.publisher.Publish(ctx, realtime.QueueChannel(snap.driver.LocationID), realtime.EventQueueUpdated, list)
	}
}

// RouteView is the route_updated payload.
type RouteView struct {
	RouteID  types.ID            `json:"route_id"`
	Active   bool                `json:"active"`
	Stops    []route.Stop        `json:"stops"`
	RideList []fleet.RideSummary `json:"ride_list"`
}

// RideUpdate is the ride_updated payload.
type RideUpdate struct {
	RideID     types.ID    `json:"ride_id"`
	Status     ride.Status `json:"status"`
	Eta        time.Time   `json:"eta"`
	DropoffEta time.Time   `json:"dropoff_eta"`
}

// FixRoute reconciles the driver's route with ride status and rebuilds the cached ride list.
// Running it twice in a row writes nothing the second time.
func (e *Engine) FixRoute(ctx context.Context, driverID types.ID) (changed bool, err error) {
	err = e.WithDriverLock(ctx, driverID, func(ctx context.Context) error {
		snap, err := e.load(ctx, driverID)
		if err != nil || snap == nil {
			return err
		}
		e.fix(snap)
		changed, err = e.commit(ctx, snap, false)
		return err
	})
	return changed, err
}

// FixAndUpdateEtas takes the driver's route lock and runs Reconcile.
func (e *Engine) FixAndUpdateEtas(ctx context.Context, driverID types.ID) error {
	return e.WithDriverLock(ctx, driverID, func(ctx context.Context) error {
		return e.Reconcile(ctx, driverID)
	})
}

// Reconcile is the full pass: fix the route, re-sequence finished rides to the front,
// refresh stale costs, recompute ETAs, then trim or close the route. The caller must hold
// the driver's route lock.
func (e *Engine) Reconcile(ctx context.Context, driverID types.ID) error {
	snap, err := e.load(ctx, driverID)
	if err != nil || snap == nil {
		return err
	}
	return e.reconcile(ctx, snap)
}

func (e *Engine) reconcile(ctx context.Context, snap *snapshot) error {
	e.fix(snap)
	snap.route.Stops = Resequence(snap.route.Stops)
	e.refreshCosts(ctx, snap)
	e.applyEtas(snap)
	_, err := e.commit(ctx, snap, true)
	return err
}

// Transition sets a ride's status and applies the matching stop action under the driver's
// lock. An in-sequence action only trims the route and re-derives queue positions; an
// out-of-sequence one runs the full Reconcile pass. An empty action changes status only.
// guard, when set, sees the ride as loaded under the lock and may refuse the transition.
func (e *Engine) Transition(ctx context.Context, driverID, rideID types.ID, action route.Action, status ride.Status, guard func(*ride.Ride) error) (route.ActionResult, error) {
	var res route.ActionResult
	err := e.WithDriverLock(ctx, driverID, func(ctx context.Context) error {
		snap, err := e.load(ctx, driverID, rideID)
		if err != nil {
			return err
		}
		if snap == nil {
			return ErrRideNotAssigned
		}
		r := snap.rides[rideID]
		if r == nil || !r.AssignedTo(driverID) {
			return ErrRideNotAssigned
		}
		if guard != nil {
			if err := guard(r); err != nil {
				return err
			}
		}
		if r.Status != status {
			r.Status = status
			snap.touch(r, e.now())
		}

		res = route.ActionResult{Stops: snap.route.Stops}
		if action != "" {
			res, err = route.ApplyStopAction(snap.route.Stops, rideID, action)
			if errors.Is(err, route.ErrRideNotInRoute) && action == route.ActionCancel {
				res, err = route.ActionResult{Stops: snap.route.Stops}, nil
			}
			if err != nil {
				return err
			}
			snap.route.Stops = res.Stops
		}

		if res.OutOfSequence {
			return e.reconcile(ctx, snap)
		}
		e.syncQueueStatuses(snap)
		_, err = e.commit(ctx, snap, true)
		return err
	})
	return res, err
}

// RefreshAll runs FixAndUpdateEtas for every driver with an active route, in parallel.
// Per-driver failures are logged and do not stop the pass.
func (e *Engine) RefreshAll(ctx context.Context) error {
	ids, err := e.routes.ListActiveDriverIDs(ctx)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	if e.cfg.RefreshLimit > 0 {
		g.SetLimit(e.cfg.RefreshLimit)
	}
	for _, id := range ids {
		g.Go(func() error {
			if err := e.FixAndUpdateEtas(gctx, id); err != nil {
				e.log.Warn("eta refresh failed", zap.String("driver_id", string(id)), zap.Error(err))
			}
			return nil
		})
	}
	return g.Wait()
}

func (e *Engine) RunRefresher(ctx context.Context) {
	tick := e.cfg.RefreshTick
	if tick <= 0 {
		tick = 30 * time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.RefreshAll(ctx); err != nil {
				e.log.Error("eta refresh pass failed", zap.Error(err))
			}
		}
	}
}

// driverKey identifies the driver's position as the predecessor of the first stop.
func driverKey(d *fleet.Driver) string {
	if d.Position.IsZero() {
		return "driver:" + string(d.ID) + "@unknown"
	}
	return "driver:" + string(d.ID) + "@" + d.Position.Key()
}

func hasWaitingStop(stops []route.Stop, rideID types.ID) bool {
	for _, s := range stops {
		if s.RideID == rideID && s.IsWaiting() {
			return true
		}
	}
	return false
}

func pickupDone(stops []route.Stop, rideID types.ID) bool {
	for _, s := range stops {
		if s.RideID == rideID && s.Type == route.StopPickup {
			return s.Status == route.StopDone
		}
	}
	return false
}
