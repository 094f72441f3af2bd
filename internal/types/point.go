// README: Geographic point value object used across modules.
package types

import (
	"fmt"
	"strconv"

	"github.com/paulmach/orb"
)

type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Orb converts the point to an orb.Point (x = longitude, y = latitude).
func (p Point) Orb() orb.Point {
	return orb.Point{p.Lng, p.Lat}
}

func PointFromOrb(p orb.Point) Point {
	return Point{Lat: p.Lat(), Lng: p.Lon()}
}

func (p Point) IsZero() bool {
	return p.Lat == 0 && p.Lng == 0
}

// String renders "lat,lng", the form accepted by the Maps APIs.
func (p Point) String() string {
	return strconv.FormatFloat(p.Lat, 'f', 6, 64) + "," + strconv.FormatFloat(p.Lng, 'f', 6, 64)
}

// Key is a stable cache key for the point at ~10cm precision.
func (p Point) Key() string {
	return fmt.Sprintf("%.6f:%.6f", p.Lat, p.Lng)
}
