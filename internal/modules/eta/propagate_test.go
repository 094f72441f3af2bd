package eta

import (
	"testing"
	"time"

	"ridepool/internal/modules/ride"
	"ridepool/internal/modules/route"
	"ridepool/internal/types"
)

func waiting(id types.ID, t route.StopType, rideID types.ID) route.Stop {
	return route.Stop{ID: id, Type: t, RideID: rideID, Status: route.StopWaiting}
}

func TestUpdateRideEta_NeverDecreases(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	stops := []route.Stop{
		waiting("a-p", route.StopPickup, "a"),
		waiting("b-p", route.StopPickup, "b"),
		waiting("a-d", route.StopDropoff, "a"),
		waiting("b-d", route.StopDropoff, "b"),
	}
	etas := map[types.ID]RideEta{
		"a": {Eta: base.Add(1 * time.Minute), DropoffEta: base.Add(5 * time.Minute)},
		"b": {Eta: base.Add(2 * time.Minute), DropoffEta: base.Add(8 * time.Minute)},
	}

	for _, added := range []time.Duration{-5 * time.Minute, 0, 90 * time.Second} {
		for from := -1; from <= len(stops); from++ {
			got := UpdateRideEta(stops, etas, added, from)
			for id, before := range etas {
				after := got[id]
				if after.Eta.Before(before.Eta) || after.DropoffEta.Before(before.DropoffEta) {
					t.Fatalf("added=%v from=%d: eta of %s decreased: %+v -> %+v", added, from, id, before, after)
				}
			}
		}
	}
}

func TestUpdateRideEta_ShiftsOnlyFromIndex(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	stops := []route.Stop{
		waiting("a-p", route.StopPickup, "a"),
		waiting("b-p", route.StopPickup, "b"),
		waiting("a-d", route.StopDropoff, "a"),
		waiting("b-d", route.StopDropoff, "b"),
	}
	etas := map[types.ID]RideEta{
		"a": {Eta: base, DropoffEta: base.Add(10 * time.Minute)},
		"b": {Eta: base.Add(time.Minute), DropoffEta: base.Add(12 * time.Minute)},
	}
	got := UpdateRideEta(stops, etas, 2*time.Minute, 1)

	if !got["a"].Eta.Equal(base) {
		t.Fatalf("a pickup is before fromIndex and must not move: %v", got["a"].Eta)
	}
	if !got["b"].Eta.Equal(base.Add(3 * time.Minute)) {
		t.Fatalf("b pickup = %v", got["b"].Eta)
	}
	if !got["a"].DropoffEta.Equal(base.Add(12 * time.Minute)) {
		t.Fatalf("a dropoff = %v", got["a"].DropoffEta)
	}
	if !etas["b"].Eta.Equal(base.Add(time.Minute)) {
		t.Fatal("input map was modified")
	}
}

func TestScheduleEtas_SkipsServicedStops(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	done := waiting("a-p", route.StopPickup, "a")
	done.Status = route.StopDone
	done.Cost = 600
	ad := waiting("a-d", route.StopDropoff, "a")
	ad.Cost = 60
	bp := waiting("b-p", route.StopPickup, "b")
	bp.Cost = 120

	etas := ScheduleEtas([]route.Stop{done, ad, bp}, start)
	if !etas["a"].Eta.IsZero() {
		t.Fatal("picked-up ride has no pickup eta")
	}
	if !etas["a"].DropoffEta.Equal(start.Add(time.Minute)) {
		t.Fatalf("a dropoff = %v", etas["a"].DropoffEta)
	}
	if !etas["b"].Eta.Equal(start.Add(3 * time.Minute)) {
		t.Fatalf("b pickup = %v", etas["b"].Eta)
	}
}

func TestResequence_MovesFinishedRidesForward(t *testing.T) {
	ap := waiting("a-p", route.StopPickup, "a")
	bp := waiting("b-p", route.StopPickup, "b")
	bp.Status = route.StopCancelled
	ad := waiting("a-d", route.StopDropoff, "a")
	bd := waiting("b-d", route.StopDropoff, "b")
	bd.Status = route.StopCancelled
	cp := waiting("c-p", route.StopPickup, "c")
	cd := waiting("c-d", route.StopDropoff, "c")

	got := Resequence([]route.Stop{ap, bp, ad, cp, bd, cd})
	want := []types.ID{"b-p", "b-d", "a-p", "a-d", "c-p", "c-d"}
	for i, s := range got {
		if s.ID != want[i] {
			t.Fatalf("order[%d] = %s, want %s", i, s.ID, want[i])
		}
	}
}

func TestQueueStatus(t *testing.T) {
	stops := []route.Stop{
		waiting("a-d", route.StopDropoff, "a"),
		waiting("b-p", route.StopPickup, "b"),
		waiting("c-p", route.StopPickup, "c"),
	}
	cases := []struct {
		ride *ride.Ride
		want ride.Status
	}{
		{&ride.Ride{ID: "b", Status: ride.StatusAccepted}, ride.StatusNextInQueue},
		{&ride.Ride{ID: "a", Status: ride.StatusInProgress}, ride.StatusInProgress},
		{&ride.Ride{ID: "c", Status: ride.StatusDriverAssigned}, ride.StatusNextInQueue},
	}
	for _, tc := range cases {
		if got := QueueStatus(stops, tc.ride); got != tc.want {
			t.Fatalf("ride %s: got %v, want %v", tc.ride.ID, got, tc.want)
		}
	}

	head := &ride.Ride{ID: "b", Status: ride.StatusNextInQueue}
	if got := QueueStatus(stops[1:], head); got != ride.StatusDriverAssigned {
		t.Fatalf("head pickup should be driver assigned, got %v", got)
	}
	arrived := &ride.Ride{ID: "c", Status: ride.StatusDriverArrived}
	if got := QueueStatus(stops, arrived); got != ride.StatusDriverArrived {
		t.Fatalf("arrived ride keeps its status, got %v", got)
	}
}

func TestBuildRideList(t *testing.T) {
	ap := waiting("a-p", route.StopPickup, "a")
	ap.Status = route.StopDone
	ad := waiting("a-d", route.StopDropoff, "a")
	bp := waiting("b-p", route.StopPickup, "b")
	bd := waiting("b-d", route.StopDropoff, "b")
	xp := waiting("x-p", route.StopPickup, "x")
	xp.Status = route.StopCancelled

	rides := map[types.ID]*ride.Ride{
		"a": {ID: "a", Status: ride.StatusInProgress, Passengers: 2},
		"b": {ID: "b", Status: ride.StatusNextInQueue, Passengers: 1},
		"x": {ID: "x", Status: ride.StatusCancelledRider},
	}
	list := BuildRideList([]route.Stop{xp, ap, ad, bp, bd}, rides)
	if len(list) != 2 || list[0].RideID != "a" || list[1].RideID != "b" {
		t.Fatalf("unexpected list %+v", list)
	}
	if list[1].StopsBefore != 1 || list[1].StopsBeforeEnd != 2 {
		t.Fatalf("b counts = %d/%d, want 1/2", list[1].StopsBefore, list[1].StopsBeforeEnd)
	}
}
