package route

import (
	"errors"
	"testing"
	"time"

	"ridepool/internal/types"
)

var timeZero time.Time

func twoRides() []Stop {
	ap, ad := pair("a", 1, 1, 2)
	bp, bd := pair("b", 1, 3, 4)
	return []Stop{ap, ad, bp, bd}
}

func statusOf(stops []Stop, id types.ID) StopStatus {
	for _, s := range stops {
		if s.ID == id {
			return s.Status
		}
	}
	return ""
}

func TestApplyStopAction_PickupIsIdempotent(t *testing.T) {
	first, err := ApplyStopAction(twoRides(), "a", ActionPickup)
	if err != nil {
		t.Fatal(err)
	}
	if !first.RouteChanged || first.OutOfSequence {
		t.Fatalf("first pickup: %+v", first)
	}
	if statusOf(first.Stops, "a-p") != StopDone {
		t.Fatalf("pickup stop not done")
	}

	second, err := ApplyStopAction(first.Stops, "a", ActionPickup)
	if err != nil {
		t.Fatal(err)
	}
	if second.RouteChanged {
		t.Fatal("repeated pickup must report routeChanged=false")
	}
	for i := range first.Stops {
		if first.Stops[i] != second.Stops[i] {
			t.Fatalf("repeated pickup altered stop %d", i)
		}
	}
}

func TestApplyStopAction_DoesNotMutateInput(t *testing.T) {
	stops := twoRides()
	if _, err := ApplyStopAction(stops, "a", ActionCancel); err != nil {
		t.Fatal(err)
	}
	if statusOf(stops, "a-p") != StopWaiting || statusOf(stops, "a-d") != StopWaiting {
		t.Fatal("input sequence was modified")
	}
}

func TestApplyStopAction_OutOfSequence(t *testing.T) {
	res, err := ApplyStopAction(twoRides(), "b", ActionPickup)
	if err != nil {
		t.Fatal(err)
	}
	if !res.OutOfSequence {
		t.Fatal("picking up b before a should be out of sequence")
	}

	// b's dropoff is not the first waiting dropoff either.
	res, err = ApplyStopAction(res.Stops, "b", ActionDropoff)
	if err != nil {
		t.Fatal(err)
	}
	if !res.OutOfSequence {
		t.Fatal("dropping off b before a should be out of sequence")
	}

	res, err = ApplyStopAction(res.Stops, "a", ActionPickup)
	if err != nil {
		t.Fatal(err)
	}
	if res.OutOfSequence {
		t.Fatal("a is the only waiting pickup left")
	}
}

func TestApplyStopAction_CancelOverwrites(t *testing.T) {
	picked, err := ApplyStopAction(twoRides(), "a", ActionPickup)
	if err != nil {
		t.Fatal(err)
	}
	res, err := ApplyStopAction(picked.Stops, "a", ActionCancel)
	if err != nil {
		t.Fatal(err)
	}
	if !res.RouteChanged {
		t.Fatal("cancel should change the route")
	}
	if statusOf(res.Stops, "a-p") != StopCancelled || statusOf(res.Stops, "a-d") != StopCancelled {
		t.Fatal("cancel must mark both stops cancelled regardless of state")
	}
	if res.OutOfSequence {
		t.Fatal("cancelling the head ride is in sequence")
	}

	again, err := ApplyStopAction(res.Stops, "a", ActionCancel)
	if err != nil {
		t.Fatal(err)
	}
	if again.RouteChanged {
		t.Fatal("second cancel must be a no-op")
	}

	// A pickup racing the cancel is a no-op.
	late, err := ApplyStopAction(res.Stops, "a", ActionPickup)
	if err != nil {
		t.Fatal(err)
	}
	if late.RouteChanged || statusOf(late.Stops, "a-p") != StopCancelled {
		t.Fatal("pickup after cancel must not resurrect the stop")
	}
}

func TestApplyStopAction_CancelOutOfSequence(t *testing.T) {
	res, err := ApplyStopAction(twoRides(), "b", ActionCancel)
	if err != nil {
		t.Fatal(err)
	}
	if !res.OutOfSequence {
		t.Fatal("cancelling b while a waits ahead is out of sequence")
	}
}

func TestApplyStopAction_Errors(t *testing.T) {
	if _, err := ApplyStopAction(twoRides(), "zzz", ActionPickup); !errors.Is(err, ErrRideNotInRoute) {
		t.Fatalf("expected ErrRideNotInRoute, got %v", err)
	}
	if _, err := ApplyStopAction(twoRides(), "a", "teleport"); !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("expected ErrUnknownAction, got %v", err)
	}
}

func TestUpdateRouteOrClose(t *testing.T) {
	now := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)

	stops := twoRides()
	stops[0].Status = StopDone
	stops[1].Status = StopCancelled
	r := UpdateRouteOrClose(&Route{Active: true, Stops: stops}, now)
	if !r.Active {
		t.Fatal("route with waiting stops must stay active")
	}
	assertOrder(t, r.Stops, "b-p", "b-d")
	if !r.UpdatedAt.Equal(now) {
		t.Fatalf("UpdatedAt = %v", r.UpdatedAt)
	}

	// A serviced stop behind a waiting one is not a prefix and stays.
	mid := twoRides()
	mid[2].Status = StopDone
	r = UpdateRouteOrClose(&Route{Active: true, Stops: mid}, now)
	if len(r.Stops) != 4 || !r.Active {
		t.Fatalf("unexpected pruning: %v active=%v", order(r.Stops), r.Active)
	}

	all := twoRides()
	for i := range all {
		all[i].Status = StopDone
	}
	r = UpdateRouteOrClose(&Route{Active: true, Stops: all}, now)
	if r.Active || len(r.Stops) != 0 {
		t.Fatalf("route without waiting stops must close: active=%v stops=%d", r.Active, len(r.Stops))
	}

	// An inactive route that gained a waiting stop is reopened.
	r = UpdateRouteOrClose(&Route{Active: false, Stops: twoRides()}, now)
	if !r.Active {
		t.Fatal("route with waiting stops must be active")
	}
}

func TestStopsBeforeCount_CollapsesSharedFixedStops(t *testing.T) {
	s1, s2 := types.ID("fs-1"), types.ID("fs-2")
	ap, ad := pair("a", 1, 1, 2)
	bp, bd := pair("b", 1, 1, 3)
	cp, cd := pair("c", 1, 4, 5)
	ap.FixedStopID, bp.FixedStopID = &s1, &s1
	ad.FixedStopID = &s2
	done, _ := pair("x", 1, 0, 0)
	done.Status = StopDone
	here := Stop{ID: "here", Type: StopCurrentLocation, Status: StopWaiting}

	stops := []Stop{done, here, ap, bp, ad, cp, bd, cd}

	c, ok := StopsBeforePickupCount(stops, "c")
	if !ok {
		t.Fatal("c pickup should be waiting")
	}
	if c.ActionCount != 3 || c.StopCount != 2 {
		t.Fatalf("before c pickup = %+v, want 3 actions / 2 stops", c)
	}

	c, ok = StopsBeforeDropoffCount(stops, "c")
	if !ok || c.ActionCount != 5 || c.StopCount != 4 {
		t.Fatalf("before c dropoff = %+v ok=%v, want 5 actions / 4 stops", c, ok)
	}

	c, ok = StopsBeforePickupCount(stops, "a")
	if !ok || c != (Count{}) {
		t.Fatalf("head ride should have nothing before it, got %+v", c)
	}

	if _, ok := StopsBeforePickupCount(stops, "x"); ok {
		t.Fatal("serviced pickup has no queue position")
	}
}
