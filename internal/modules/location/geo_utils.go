// README: Pure geographic helpers: haversine distance and polygon normalization.
package location

import (
	"errors"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"ridepool/internal/types"
)

const earthRadiusKm = 6371.0

var ErrInvalidPolygon = errors.New("polygon needs at least three distinct vertices")

// HaversineMeters returns the great-circle distance in metres between two points.
func HaversineMeters(a, b types.Point) float64 {
	return haversineKm(a.Lat, a.Lng, b.Lat, b.Lng) * 1000
}

// haversineKm returns the great-circle distance in kilometres between two
// points specified in decimal degrees.
func haversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := degreesToRadians(lat2 - lat1)
	dLng := degreesToRadians(lng2 - lng1)

	rLat1 := degreesToRadians(lat1)
	rLat2 := degreesToRadians(lat2)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusKm * c
}

func degreesToRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}

// sortByDistance performs a stable insertion sort (fine for small N) on any slice
// where each element exposes a distance via the accessor function.
func sortByDistance[T any](items []T, dist func(T) float64) {
	for i := 1; i < len(items); i++ {
		key := items[i]
		j := i - 1
		for j >= 0 && dist(items[j]) > dist(key) {
			items[j+1] = items[j]
			j--
		}
		items[j+1] = key
	}
}

// Contains reports whether p lies inside poly (holes excluded).
func Contains(poly orb.Polygon, p types.Point) bool {
	if len(poly) == 0 {
		return false
	}
	return planar.PolygonContains(poly, p.Orb())
}

func polygonArea(poly orb.Polygon) float64 {
	return math.Abs(planar.Area(poly))
}

// normalizePolygon closes every ring and rejects degenerate outer rings.
func normalizePolygon(poly orb.Polygon) (orb.Polygon, error) {
	if len(poly) == 0 {
		return nil, ErrInvalidPolygon
	}
	out := make(orb.Polygon, 0, len(poly))
	for _, ring := range poly {
		if len(ring) == 0 {
			continue
		}
		r := append(orb.Ring(nil), ring...)
		if !r.Closed() {
			r = append(r, r[0])
		}
		out = append(out, r)
	}
	if len(out) == 0 || len(out[0]) < 4 {
		return nil, ErrInvalidPolygon
	}
	return out, nil
}
