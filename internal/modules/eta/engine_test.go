package eta

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ridepool/internal/config"
	"ridepool/internal/infra"
	"ridepool/internal/modules/fleet"
	"ridepool/internal/modules/ride"
	"ridepool/internal/modules/route"
	"ridepool/internal/store/memory"
	"ridepool/internal/types"
)

// ---------------------------------------------------------------------------
// Fixture: one driver backed by the in-memory store
// ---------------------------------------------------------------------------

const driverID types.ID = "d-1"

var driverPos = types.Point{Lat: 25.0330, Lng: 121.5654}

func pt(i int) types.Point {
	return types.Point{Lat: 25.0330 + float64(i)*0.002, Lng: 121.5654}
}

type fixture struct {
	t      *testing.T
	ctx    context.Context
	store  *memory.Store
	engine *Engine
	now    time.Time
	calls  atomic.Int32
}

func newFixture(t *testing.T, est Estimator) *fixture {
	t.Helper()
	f := &fixture{
		t:     t,
		ctx:   context.Background(),
		store: memory.NewStore(),
		now:   time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	if est == nil {
		est = EstimatorFunc(func(context.Context, types.Point, types.Point) (time.Duration, error) {
			return time.Minute, nil
		})
	}
	counted := EstimatorFunc(func(ctx context.Context, o, d types.Point) (time.Duration, error) {
		f.calls.Add(1)
		return est.Estimate(ctx, o, d)
	})
	err := f.store.CreateDriver(f.ctx, &fleet.Driver{
		ID: driverID, LocationID: "loc-1", Available: true, Position: driverPos, PositionAt: f.now,
	})
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.Defaults().ETA
	cfg.Timeout = 50 * time.Millisecond
	f.engine = NewEngine(Deps{
		Routes:    f.store,
		Rides:     f.store,
		Drivers:   f.store,
		Estimator: counted,
		Locker:    infra.NewLocalLocker(),
	}, cfg, time.Second)
	f.engine.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) addRide(id types.ID, status ride.Status, from, to int) *ride.Ride {
	f.t.Helper()
	r := &ride.Ride{
		ID:          id,
		LocationID:  "loc-1",
		RiderID:     "rider-" + id,
		DriverID:    types.IDPtr(driverID),
		Passengers:  1,
		Status:      status,
		Origin:      ride.Endpoint{Point: pt(from)},
		Destination: ride.Endpoint{Point: pt(to)},
		CreatedAt:   f.now,
		UpdatedAt:   f.now,
	}
	if err := f.store.CreateRide(f.ctx, r); err != nil {
		f.t.Fatal(err)
	}
	return r
}

func (f *fixture) saveRoute(stops ...route.Stop) {
	f.t.Helper()
	err := f.store.SaveRoute(f.ctx, route.Update{
		DriverID: driverID,
		Route:    &route.Route{ID: "route-1", DriverID: driverID, Active: true, Stops: stops, CreatedAt: f.now},
	})
	if err != nil {
		f.t.Fatal(err)
	}
}

func (f *fixture) ride(id types.ID) *ride.Ride {
	f.t.Helper()
	r, err := f.store.GetRide(f.ctx, id)
	if err != nil {
		f.t.Fatal(err)
	}
	return r
}

func (f *fixture) route() *route.Route {
	f.t.Helper()
	r, err := f.store.ActiveRoute(f.ctx, driverID)
	if err != nil {
		f.t.Fatal(err)
	}
	return r
}

func stopsOf(r *ride.Ride) (route.Stop, route.Stop) {
	p, d := route.NewStops(r)
	p.ID, d.ID = r.ID+"-p", r.ID+"-d"
	return p, d
}

func stopStatus(stops []route.Stop, id types.ID) route.StopStatus {
	for _, s := range stops {
		if s.ID == id {
			return s.Status
		}
	}
	return ""
}

// ---------------------------------------------------------------------------
// FixRoute
// ---------------------------------------------------------------------------

func TestFixRoute_HealsDriftAndIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	a := f.addRide("a", ride.StatusDriverAssigned, 1, 2)
	b := f.addRide("b", ride.StatusCancelledRider, 3, 4)
	c := f.addRide("c", ride.StatusCompleted, 5, 6)
	d := f.addRide("d", ride.StatusAccepted, 7, 8)
	ap, ad := stopsOf(a)
	bp, bd := stopsOf(b)
	cp, cd := stopsOf(c)
	f.saveRoute(ap, bp, ad, bd, cp, cd)

	changed, err := f.engine.FixRoute(f.ctx, driverID)
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Fatal("first FixRoute should heal the route")
	}

	rt := f.route()
	if stopStatus(rt.Stops, "b-p") != route.StopCancelled || stopStatus(rt.Stops, "b-d") != route.StopCancelled {
		t.Fatal("cancelled ride's stops must be cancelled")
	}
	if stopStatus(rt.Stops, "c-p") != route.StopDone || stopStatus(rt.Stops, "c-d") != route.StopDone {
		t.Fatal("completed ride's stops must be done")
	}
	if _, ok := route.StopsBeforePickupCount(rt.Stops, d.ID); !ok {
		t.Fatal("active ride missing from the route must be re-appended")
	}
	if got := f.ride("d").Status; got != ride.StatusNextInQueue {
		t.Fatalf("re-appended ride status = %v, want next in queue", got)
	}

	driver, err := f.store.GetDriver(f.ctx, driverID)
	if err != nil {
		t.Fatal(err)
	}
	if len(driver.RideList) != 2 || driver.RideList[0].RideID != "a" || driver.RideList[1].RideID != "d" {
		t.Fatalf("ride list not rebuilt from route: %+v", driver.RideList)
	}

	before := f.route()
	changed, err = f.engine.FixRoute(f.ctx, driverID)
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Fatal("second FixRoute must not change anything")
	}
	after := f.route()
	if len(before.Stops) != len(after.Stops) || !before.UpdatedAt.Equal(after.UpdatedAt) {
		t.Fatal("second FixRoute rewrote the route")
	}
}

func TestFixRoute_CancelsRidesReassignedElsewhere(t *testing.T) {
	f := newFixture(t, nil)
	a := f.addRide("a", ride.StatusDriverAssigned, 1, 2)
	ap, ad := stopsOf(a)
	f.saveRoute(ap, ad)

	moved := f.ride("a")
	moved.DriverID = types.IDPtr("d-2")
	if err := f.store.UpdateRides(f.ctx, []*ride.Ride{moved}); err != nil {
		t.Fatal(err)
	}

	if _, err := f.engine.FixRoute(f.ctx, driverID); err != nil {
		t.Fatal(err)
	}
	if stopStatus(f.route().Stops, "a-p") != route.StopCancelled {
		t.Fatal("stops of a ride assigned to another driver must be cancelled")
	}
}

func TestFixRoute_NoRouteNoRides(t *testing.T) {
	f := newFixture(t, nil)
	changed, err := f.engine.FixRoute(f.ctx, driverID)
	if err != nil || changed {
		t.Fatalf("idle driver: changed=%v err=%v", changed, err)
	}
}

// ---------------------------------------------------------------------------
// FixAndUpdateEtas
// ---------------------------------------------------------------------------

func TestFixAndUpdateEtas_ComputesEtasAndQueue(t *testing.T) {
	f := newFixture(t, nil)
	a := f.addRide("a", ride.StatusAccepted, 1, 2)
	b := f.addRide("b", ride.StatusAccepted, 3, 4)
	ap, ad := stopsOf(a)
	bp, bd := stopsOf(b)
	f.saveRoute(ap, ad, bp, bd)

	if err := f.engine.FixAndUpdateEtas(f.ctx, driverID); err != nil {
		t.Fatal(err)
	}

	gotA, gotB := f.ride("a"), f.ride("b")
	if gotA.Status != ride.StatusDriverAssigned || gotB.Status != ride.StatusNextInQueue {
		t.Fatalf("statuses a=%v b=%v", gotA.Status, gotB.Status)
	}
	checks := []struct {
		name string
		got  time.Time
		want time.Duration
	}{
		{"a pickup", gotA.Eta, 1 * time.Minute},
		{"a dropoff", gotA.DropoffEta, 2 * time.Minute},
		{"b pickup", gotB.Eta, 3 * time.Minute},
		{"b dropoff", gotB.DropoffEta, 4 * time.Minute},
	}
	for _, c := range checks {
		if !c.got.Equal(f.now.Add(c.want)) {
			t.Fatalf("%s eta = %v, want now+%v", c.name, c.got, c.want)
		}
	}
	if n := f.calls.Load(); n != 4 {
		t.Fatalf("estimator calls = %d, want 4", n)
	}
}

func TestFixAndUpdateEtas_RefreshesOnlyStaleCosts(t *testing.T) {
	f := newFixture(t, nil)
	a := f.addRide("a", ride.StatusDriverAssigned, 1, 2)
	ap, ad := stopsOf(a)
	f.saveRoute(ap, ad)

	if err := f.engine.FixAndUpdateEtas(f.ctx, driverID); err != nil {
		t.Fatal(err)
	}
	if n := f.calls.Load(); n != 2 {
		t.Fatalf("initial calls = %d, want 2", n)
	}

	f.now = f.now.Add(30 * time.Second)
	if err := f.engine.FixAndUpdateEtas(f.ctx, driverID); err != nil {
		t.Fatal(err)
	}
	if n := f.calls.Load(); n != 2 {
		t.Fatalf("fresh costs were re-estimated: calls = %d", n)
	}

	f.now = f.now.Add(config.Defaults().ETA.StaleAfter)
	if err := f.engine.FixAndUpdateEtas(f.ctx, driverID); err != nil {
		t.Fatal(err)
	}
	if n := f.calls.Load(); n != 4 {
		t.Fatalf("stale costs not refreshed: calls = %d", n)
	}
}

func TestFixAndUpdateEtas_ProviderFailureKeepsCachedCost(t *testing.T) {
	var fail atomic.Bool
	est := EstimatorFunc(func(ctx context.Context, _, _ types.Point) (time.Duration, error) {
		if fail.Load() {
			<-ctx.Done()
			return 0, ctx.Err()
		}
		return 5 * time.Minute, nil
	})
	f := newFixture(t, est)
	a := f.addRide("a", ride.StatusDriverAssigned, 1, 2)
	ap, ad := stopsOf(a)
	f.saveRoute(ap, ad)

	if err := f.engine.FixAndUpdateEtas(f.ctx, driverID); err != nil {
		t.Fatal(err)
	}

	fail.Store(true)
	f.now = f.now.Add(time.Hour)
	f.addRide("b", ride.StatusAccepted, 3, 4)
	if err := f.engine.FixAndUpdateEtas(f.ctx, driverID); err != nil {
		t.Fatalf("provider timeouts must not fail reconciliation: %v", err)
	}

	rt := f.route()
	for _, s := range rt.Stops {
		switch s.RideID {
		case "a":
			if s.Cost != 300 {
				t.Fatalf("stop %s cost = %d, want cached 300", s.ID, s.Cost)
			}
		case "b":
			if s.Cost <= 0 || s.Cost == 300 {
				t.Fatalf("stop %s cost = %d, want straight-line fallback", s.ID, s.Cost)
			}
		}
	}
	if got := f.ride("b").Eta; got.IsZero() {
		t.Fatal("fallback cost should still produce an eta")
	}
}

func TestFixAndUpdateEtas_ClosesFinishedRoute(t *testing.T) {
	f := newFixture(t, nil)
	a := f.addRide("a", ride.StatusCompleted, 1, 2)
	ap, ad := stopsOf(a)
	f.saveRoute(ap, ad)

	if err := f.engine.FixAndUpdateEtas(f.ctx, driverID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.ActiveRoute(f.ctx, driverID); !errors.Is(err, route.ErrNoActiveRoute) {
		t.Fatalf("route should be closed, got %v", err)
	}
	ids, err := f.store.ListActiveDriverIDs(f.ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Fatalf("active drivers = %v", ids)
	}
}

func TestFixAndUpdateEtas_SlowProviderStaysWithinLease(t *testing.T) {
	est := EstimatorFunc(func(ctx context.Context, _, _ types.Point) (time.Duration, error) {
		select {
		case <-time.After(80 * time.Millisecond):
			return time.Minute, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	})
	f := newFixture(t, est)
	f.engine.lockTTL = 300 * time.Millisecond
	for i, id := range []types.ID{"a", "b", "c"} {
		f.addRide(id, ride.StatusAccepted, 2*i+1, 2*i+2)
	}
	ap, ad := stopsOf(f.ride("a"))
	bp, bd := stopsOf(f.ride("b"))
	cp, cd := stopsOf(f.ride("c"))
	f.saveRoute(ap, ad, bp, bd, cp, cd)

	start := time.Now()
	if err := f.engine.FixAndUpdateEtas(f.ctx, driverID); err != nil {
		t.Fatal(err)
	}
	if took := time.Since(start); took >= f.engine.lockTTL {
		t.Fatalf("reconcile took %v, longer than the %v lease", took, f.engine.lockTTL)
	}
	for _, s := range f.route().Stops {
		if s.Cost <= 0 {
			t.Fatalf("stop %s has no cost after a budget-limited refresh", s.ID)
		}
	}
	if got := f.ride("c").DropoffEta; got.IsZero() {
		t.Fatal("rides past the budget should still get an eta")
	}
}

func TestRefreshCosts_RemeasuresLegsAroundInsertion(t *testing.T) {
	f := newFixture(t, nil)
	ap, ad := stopsOf(f.addRide("a", ride.StatusAccepted, 1, 10))
	bp, bd := stopsOf(f.addRide("b", ride.StatusAccepted, 2, 3))
	snap := &snapshot{
		driver: &fleet.Driver{ID: driverID, Position: driverPos},
		route:  &route.Route{Stops: []route.Stop{ap, ad}},
	}
	f.engine.refreshCosts(f.ctx, snap)
	if n := f.calls.Load(); n != 2 {
		t.Fatalf("initial calls = %d, want 2", n)
	}

	stops, ins, err := route.Insert(snap.route.Stops, bp, bd, route.InsertOptions{Pooling: true, Origin: driverPos})
	if err != nil {
		t.Fatal(err)
	}
	if ins.Appended {
		t.Fatalf("b should ride along inside a's trip, got %+v", ins)
	}
	etas := map[types.ID]RideEta{"a": {Eta: f.now.Add(time.Minute), DropoffEta: f.now.Add(2 * time.Minute)}}
	shifted := UpdateRideEta(stops, etas, 2*time.Minute, ins.PickupIndex)
	if got := shifted["a"].DropoffEta; !got.Equal(f.now.Add(4 * time.Minute)) {
		t.Fatalf("a dropoff eta = %v, want now+4m", got)
	}

	snap.route.Stops = stops
	f.engine.refreshCosts(f.ctx, snap)
	// b-p, b-d and a-d have new predecessors; a-p still follows the driver.
	if n := f.calls.Load(); n != 5 {
		t.Fatalf("calls after insertion = %d, want 5", n)
	}
	if got := ScheduleEtas(stops, f.now)["a"].DropoffEta; !got.Equal(f.now.Add(4 * time.Minute)) {
		t.Fatalf("scheduled a dropoff = %v, want now+4m", got)
	}
}

// A writer whose lease ran out must not overwrite what the next lock holder saved.
func TestFixAndUpdateEtas_ExpiredLeaseCannotRevertPickup(t *testing.T) {
	started, release := make(chan struct{}), make(chan struct{})
	var once sync.Once
	est := EstimatorFunc(func(context.Context, types.Point, types.Point) (time.Duration, error) {
		first := false
		once.Do(func() { first = true })
		if first {
			close(started)
			<-release
		}
		return time.Minute, nil
	})
	f := newFixture(t, est)
	f.engine.lockTTL = 50 * time.Millisecond
	a := f.addRide("a", ride.StatusAccepted, 1, 2)
	b := f.addRide("b", ride.StatusAccepted, 3, 4)
	ap, ad := stopsOf(a)
	bp, bd := stopsOf(b)
	f.saveRoute(ap, ad, bp, bd)

	done := make(chan error, 1)
	go func() { done <- f.engine.FixAndUpdateEtas(f.ctx, driverID) }()
	<-started
	time.Sleep(3 * f.engine.lockTTL)

	if _, err := f.engine.Transition(f.ctx, driverID, "a", route.ActionPickup, ride.StatusInProgress, nil); err != nil {
		t.Fatalf("pickup after lease expiry: %v", err)
	}
	close(release)
	if err := <-done; !errors.Is(err, route.ErrStaleRoute) {
		t.Fatalf("stale reconcile: expected ErrStaleRoute, got %v", err)
	}

	if got := f.ride("a").Status; got != ride.StatusInProgress {
		t.Fatalf("a = %v, want in progress", got)
	}
	if got := stopStatus(f.route().Stops, "a-p"); got == route.StopWaiting {
		t.Fatal("a's pickup was reverted to waiting")
	}

	if err := f.engine.FixAndUpdateEtas(f.ctx, driverID); err != nil {
		t.Fatalf("next pass: %v", err)
	}
	if got := f.ride("a").Status; got != ride.StatusInProgress {
		t.Fatalf("a = %v after the next pass, want in progress", got)
	}
}

// ---------------------------------------------------------------------------
// Transition
// ---------------------------------------------------------------------------

// TestTransition_CancelHeadPromotesNext mirrors the pooled queue scenario: A spans a long
// trip and is cancelled, leaving B assigned and C next in queue.
func TestTransition_CancelHeadPromotesNext(t *testing.T) {
	f := newFixture(t, nil)
	a := f.addRide("a", ride.StatusAccepted, 1, 20)
	b := f.addRide("b", ride.StatusAccepted, 2, 3)
	c := f.addRide("c", ride.StatusAccepted, 4, 5)
	ap, ad := stopsOf(a)
	bp, bd := stopsOf(b)
	cp, cd := stopsOf(c)
	f.saveRoute(ap, bp, bd, cp, cd, ad)
	if err := f.engine.FixAndUpdateEtas(f.ctx, driverID); err != nil {
		t.Fatal(err)
	}

	res, err := f.engine.Transition(f.ctx, driverID, "a", route.ActionCancel, ride.StatusCancelledRider, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.RouteChanged {
		t.Fatal("cancel should change the route")
	}

	if got := f.ride("a").Status; got != ride.StatusCancelledRider {
		t.Fatalf("a = %v", got)
	}
	if got := f.ride("b").Status; got != ride.StatusDriverAssigned {
		t.Fatalf("b = %v, want 202", got)
	}
	if got := f.ride("c").Status; got != ride.StatusNextInQueue {
		t.Fatalf("c = %v, want 201", got)
	}
	if got := f.route().Stops[0].ID; got != "b-p" {
		t.Fatalf("route head = %s, want b-p", got)
	}
}

func TestTransition_OutOfSequencePickupRecomputesEtas(t *testing.T) {
	f := newFixture(t, nil)
	a := f.addRide("a", ride.StatusAccepted, 1, 2)
	b := f.addRide("b", ride.StatusAccepted, 3, 4)
	ap, ad := stopsOf(a)
	bp, bd := stopsOf(b)
	f.saveRoute(ap, ad, bp, bd)
	if err := f.engine.FixAndUpdateEtas(f.ctx, driverID); err != nil {
		t.Fatal(err)
	}

	f.now = f.now.Add(time.Minute)
	res, err := f.engine.Transition(f.ctx, driverID, "b", route.ActionPickup, ride.StatusInProgress, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.OutOfSequence {
		t.Fatal("picking up b first is out of sequence")
	}
	if got := f.ride("b").Status; got != ride.StatusInProgress {
		t.Fatalf("b = %v", got)
	}
	// b's dropoff is three legs away from the driver now: a pickup, a dropoff, b dropoff.
	if got := f.ride("b").DropoffEta; !got.Equal(f.now.Add(3 * time.Minute)) {
		t.Fatalf("b dropoff eta = %v, want now+3m", got)
	}
}

func TestTransition_RejectsForeignRide(t *testing.T) {
	f := newFixture(t, nil)
	r := f.addRide("a", ride.StatusAccepted, 1, 2)
	r.DriverID = types.IDPtr("d-2")
	if err := f.store.UpdateRides(f.ctx, []*ride.Ride{r}); err != nil {
		t.Fatal(err)
	}
	_, err := f.engine.Transition(f.ctx, driverID, "a", route.ActionPickup, ride.StatusInProgress, nil)
	if !errors.Is(err, ErrRideNotAssigned) {
		t.Fatalf("expected ErrRideNotAssigned, got %v", err)
	}
}

func TestRefreshAll_VisitsEveryActiveDriver(t *testing.T) {
	f := newFixture(t, nil)
	a := f.addRide("a", ride.StatusAccepted, 1, 2)
	ap, ad := stopsOf(a)
	f.saveRoute(ap, ad)

	if err := f.engine.RefreshAll(f.ctx); err != nil {
		t.Fatal(err)
	}
	if got := f.ride("a"); got.Eta.IsZero() || got.Status != ride.StatusDriverAssigned {
		t.Fatalf("refresh did not reconcile: %+v", got)
	}
}
