package location

import (
	"testing"
	"time"

	"ridepool/internal/types"
)

func testIndex() *Index {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	loc := Location{ID: "loc", ServiceArea: square(0, 0, 10)}
	zones := []Zone{
		{ID: "default", LocationID: "loc", ServiceArea: square(0, 0, 10), IsDefault: true},
		// Zone A is registered before the zone B nested inside it.
		{ID: "zone-a", LocationID: "loc", ServiceArea: square(1, 1, 4), CreatedAt: base},
		{ID: "zone-b", LocationID: "loc", ServiceArea: square(2, 2, 1), CreatedAt: base.Add(time.Hour), FixedStopEnabled: true},
		{ID: "zone-c", LocationID: "loc", ServiceArea: square(6, 6, 2), CreatedAt: base, FixedStopEnabled: true},
	}
	stops := []FixedStop{
		{ID: "s1", Point: types.Point{Lat: 2.5, Lng: 2.5}, Status: FixedStopActive},
		{ID: "s2", Point: types.Point{Lat: 2.6, Lng: 2.6}, Status: FixedStopActive},
		{ID: "s3", Point: types.Point{Lat: 2.1, Lng: 2.1}, Status: FixedStopInactive},
		{ID: "s4", Point: types.Point{Lat: 7, Lng: 7}, Status: FixedStopActive},
	}
	return NewIndex(loc, zones, stops)
}

func TestResolveZone_NestedZoneWins(t *testing.T) {
	idx := testIndex()
	z, inArea := idx.ResolveZone(types.Point{Lat: 2.5, Lng: 2.5})
	if z.ID != "zone-b" {
		t.Fatalf("resolved %s, want zone-b", z.ID)
	}
	if !inArea {
		t.Error("point should be inside the service area")
	}
}

func TestResolveZone_OuterZone(t *testing.T) {
	z, _ := testIndex().ResolveZone(types.Point{Lat: 4, Lng: 4})
	if z.ID != "zone-a" {
		t.Fatalf("resolved %s, want zone-a", z.ID)
	}
}

func TestResolveZone_DefaultFallback(t *testing.T) {
	z, inArea := testIndex().ResolveZone(types.Point{Lat: 9, Lng: 1})
	if z.ID != "default" || !inArea {
		t.Fatalf("got zone=%s inArea=%v, want default/true", z.ID, inArea)
	}
}

func TestResolveZone_OutsideServiceArea(t *testing.T) {
	z, inArea := testIndex().ResolveZone(types.Point{Lat: 20, Lng: 20})
	if z.ID != "default" {
		t.Fatalf("resolved %s, want default", z.ID)
	}
	if inArea {
		t.Fatal("point outside service area must report inArea=false")
	}
}

func TestResolveZone_ZonePastServiceArea(t *testing.T) {
	loc := Location{ID: "loc", ServiceArea: square(0, 0, 10)}
	zones := []Zone{
		{ID: "default", LocationID: "loc", ServiceArea: square(0, 0, 10), IsDefault: true},
		{ID: "edge", LocationID: "loc", ServiceArea: square(8, 8, 4)},
	}
	idx := NewIndex(loc, zones, nil)

	if z, inArea := idx.ResolveZone(types.Point{Lat: 9, Lng: 9}); z.ID != "edge" || !inArea {
		t.Fatalf("inside both: got zone=%s inArea=%v", z.ID, inArea)
	}
	z, inArea := idx.ResolveZone(types.Point{Lat: 11, Lng: 11})
	if z.ID != "edge" {
		t.Fatalf("resolved %s, want edge", z.ID)
	}
	if inArea {
		t.Fatal("a zone reaching past the service area must not put the point inside it")
	}
}

func TestZones_ResolutionOrder(t *testing.T) {
	zones := testIndex().Zones()
	want := []types.ID{"zone-b", "zone-c", "zone-a", "default"}
	if len(zones) != len(want) {
		t.Fatalf("got %d zones", len(zones))
	}
	for i, z := range zones {
		if z.ID != want[i] {
			t.Errorf("zones[%d] = %s, want %s", i, z.ID, want[i])
		}
	}
}

func TestResolveStop_Nearest(t *testing.T) {
	idx := testIndex()
	zb, _ := idx.Zone("zone-b")
	res := idx.ResolveStop(zb, types.Point{Lat: 2.45, Lng: 2.45}, nil)
	if !res.Found || !res.IsFixedStop || res.FixedStop.ID != "s1" {
		t.Fatalf("unexpected resolution: %+v", res)
	}
	if res.Point != res.FixedStop.Point {
		t.Error("resolved point should be the fixed stop's point")
	}
}

func TestResolveStop_ExcludedReturnsNextNearest(t *testing.T) {
	idx := testIndex()
	zb, _ := idx.Zone("zone-b")
	pickup := idx.ResolveStop(zb, types.Point{Lat: 2.5, Lng: 2.5}, nil)
	exclude := pickup.FixedStop.ID
	dropoff := idx.ResolveStop(zb, types.Point{Lat: 2.5, Lng: 2.5}, &exclude)
	if !dropoff.IsFixedStop {
		t.Fatal("expected a fixed stop")
	}
	if dropoff.FixedStop.ID == exclude {
		t.Fatalf("dropoff collapsed onto excluded stop %s", exclude)
	}
	if dropoff.FixedStop.ID != "s2" {
		t.Errorf("got %s, want s2", dropoff.FixedStop.ID)
	}
}

func TestResolveStop_ExcludedOnlyCandidateKept(t *testing.T) {
	idx := testIndex()
	zc, _ := idx.Zone("zone-c")
	exclude := types.ID("s4")
	res := idx.ResolveStop(zc, types.Point{Lat: 7.1, Lng: 7.1}, &exclude)
	if !res.IsFixedStop || res.FixedStop.ID != "s4" {
		t.Fatalf("with no alternative the only stop is returned, got %+v", res)
	}
}

func TestResolveStop_FixedStopsDisabled(t *testing.T) {
	idx := testIndex()
	za, _ := idx.Zone("zone-a")
	p := types.Point{Lat: 4, Lng: 4}
	res := idx.ResolveStop(za, p, nil)
	if !res.Found || res.IsFixedStop || res.Point != p {
		t.Fatalf("expected raw point, got %+v", res)
	}
}

func TestResolveStop_OutsideLocation(t *testing.T) {
	idx := testIndex()
	res := idx.ResolveStop(idx.DefaultZone(), types.Point{Lat: 50, Lng: 50}, nil)
	if res.Found || res.FixedStop != nil {
		t.Fatalf("expected empty result, got %+v", res)
	}
}
