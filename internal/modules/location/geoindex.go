// README: GeoIndex resolves coordinates into zones and snaps riders to fixed stops.
package location

import (
	"sort"

	"ridepool/internal/types"
)

// Index is an immutable snapshot of one location's zones and fixed stops.
// Explicit zones are kept in containment priority: smallest area first, then
// creation time, then ID, so a zone nested inside another always wins.
type Index struct {
	location    Location
	zones       []Zone
	defaultZone Zone
	stops       []FixedStop
}

func NewIndex(loc Location, zones []Zone, stops []FixedStop) *Index {
	idx := &Index{location: loc}
	for _, z := range zones {
		if z.IsDefault {
			idx.defaultZone = z
			continue
		}
		idx.zones = append(idx.zones, z)
	}
	sort.SliceStable(idx.zones, func(i, j int) bool {
		ai, aj := polygonArea(idx.zones[i].ServiceArea), polygonArea(idx.zones[j].ServiceArea)
		if ai != aj {
			return ai < aj
		}
		if !idx.zones[i].CreatedAt.Equal(idx.zones[j].CreatedAt) {
			return idx.zones[i].CreatedAt.Before(idx.zones[j].CreatedAt)
		}
		return idx.zones[i].ID < idx.zones[j].ID
	})
	for _, s := range stops {
		if s.Status == FixedStopActive {
			idx.stops = append(idx.stops, s)
		}
	}
	return idx
}

func (idx *Index) Location() Location { return idx.location }

func (idx *Index) DefaultZone() Zone { return idx.defaultZone }

// Zones returns the explicit zones in resolution order followed by the default zone.
func (idx *Index) Zones() []Zone {
	out := make([]Zone, 0, len(idx.zones)+1)
	out = append(out, idx.zones...)
	return append(out, idx.defaultZone)
}

func (idx *Index) Zone(id types.ID) (Zone, bool) {
	if idx.defaultZone.ID == id {
		return idx.defaultZone, true
	}
	for _, z := range idx.zones {
		if z.ID == id {
			return z, true
		}
	}
	return Zone{}, false
}

// ResolveZone returns the first explicit zone containing p, else the default zone.
// inArea reports whether p lies inside the location's service area at all; callers
// use it to tell "outside the service area" apart from "resolved to default". A zone
// polygon reaching past the service area does not extend it.
func (idx *Index) ResolveZone(p types.Point) (zone Zone, inArea bool) {
	inArea = Contains(idx.location.ServiceArea, p)
	for _, z := range idx.zones {
		if Contains(z.ServiceArea, p) {
			return z, inArea
		}
	}
	return idx.defaultZone, inArea
}

// ResolveStop snaps p to the nearest active fixed stop inside zone when the zone has fixed
// stops enabled. When excludeStopID is set (the rider's other endpoint), the nearest stop
// other than that one is chosen if any exists.
func (idx *Index) ResolveStop(zone Zone, p types.Point, excludeStopID *types.ID) StopResolution {
	if !Contains(idx.location.ServiceArea, p) {
		return StopResolution{}
	}
	raw := StopResolution{Found: true, Point: p}
	if !zone.FixedStopEnabled {
		return raw
	}

	var candidates []FixedStop
	for _, s := range idx.stops {
		if Contains(zone.ServiceArea, s.Point) {
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 {
		return raw
	}
	sortByDistance(candidates, func(s FixedStop) float64 { return HaversineMeters(p, s.Point) })

	chosen := candidates[0]
	if excludeStopID != nil && chosen.ID == *excludeStopID && len(candidates) > 1 {
		chosen = candidates[1]
	}
	return StopResolution{Found: true, IsFixedStop: true, FixedStop: &chosen, Point: chosen.Point}
}
