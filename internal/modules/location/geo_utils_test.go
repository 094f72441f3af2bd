package location

import (
	"errors"
	"math"
	"testing"

	"github.com/paulmach/orb"

	"ridepool/internal/types"
)

func TestHaversineKm_KnownDistances(t *testing.T) {
	tests := []struct {
		name      string
		lat1      float64
		lng1      float64
		lat2      float64
		lng2      float64
		wantKm    float64
		tolerance float64
	}{
		{name: "same point", lat1: 25.033, lng1: 121.565, lat2: 25.033, lng2: 121.565, wantKm: 0, tolerance: 0.001},
		{name: "Taipei 101 to Taipei Main Station", lat1: 25.0340, lng1: 121.5645, lat2: 25.0478, lng2: 121.5170, wantKm: 5.0, tolerance: 1.0},
		{name: "New York to Los Angeles (~3944km)", lat1: 40.7128, lng1: -74.0060, lat2: 34.0522, lng2: -118.2437, wantKm: 3944, tolerance: 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := haversineKm(tt.lat1, tt.lng1, tt.lat2, tt.lng2)
			if math.Abs(got-tt.wantKm) > tt.tolerance {
				t.Errorf("haversineKm() = %f, want %f (±%f)", got, tt.wantKm, tt.tolerance)
			}
		})
	}
}

func TestHaversineMeters_Symmetry(t *testing.T) {
	a := types.Point{Lat: 25.0, Lng: 121.0}
	b := types.Point{Lat: 26.0, Lng: 122.0}
	if math.Abs(HaversineMeters(a, b)-HaversineMeters(b, a)) > 0.0001 {
		t.Error("haversine is not symmetric")
	}
}

func TestSortByDistance_FixedStops(t *testing.T) {
	stops := []FixedStop{
		{ID: "c", Point: types.Point{Lat: 0, Lng: 0.03}},
		{ID: "a", Point: types.Point{Lat: 0, Lng: 0.01}},
		{ID: "b", Point: types.Point{Lat: 0, Lng: 0.02}},
	}
	origin := types.Point{}
	sortByDistance(stops, func(s FixedStop) float64 { return HaversineMeters(origin, s.Point) })
	if stops[0].ID != "a" || stops[1].ID != "b" || stops[2].ID != "c" {
		t.Errorf("unexpected sort order: %v", stops)
	}
}

func TestSortByDistance_Empty(t *testing.T) {
	var stops []FixedStop
	sortByDistance(stops, func(s FixedStop) float64 { return 0 })
}

func TestNormalizePolygon(t *testing.T) {
	open := orb.Polygon{{{0, 0}, {1, 0}, {1, 1}, {0, 1}}}
	got, err := normalizePolygon(open)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if !got[0].Closed() {
		t.Error("ring should be closed")
	}
	if len(open[0]) != 4 {
		t.Error("input ring must not be mutated")
	}

	if _, err := normalizePolygon(orb.Polygon{{{0, 0}, {1, 1}}}); !errors.Is(err, ErrInvalidPolygon) {
		t.Errorf("expected ErrInvalidPolygon, got %v", err)
	}
	if _, err := normalizePolygon(nil); !errors.Is(err, ErrInvalidPolygon) {
		t.Errorf("expected ErrInvalidPolygon for nil, got %v", err)
	}
}

func TestContains(t *testing.T) {
	poly := square(0, 0, 1)
	if !Contains(poly, types.Point{Lat: 0.5, Lng: 0.5}) {
		t.Error("centre should be inside")
	}
	if Contains(poly, types.Point{Lat: 1.5, Lng: 0.5}) {
		t.Error("point outside reported inside")
	}
	if Contains(nil, types.Point{}) {
		t.Error("empty polygon contains nothing")
	}
}

// square builds a closed square polygon with its south-west corner at (lat, lng).
func square(lat, lng, size float64) orb.Polygon {
	return orb.Polygon{{
		{lng, lat},
		{lng + size, lat},
		{lng + size, lat + size},
		{lng, lat + size},
		{lng, lat},
	}}
}
