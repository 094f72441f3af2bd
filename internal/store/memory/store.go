// README: In-memory persistence used when no database is configured and by tests.
// Every read returns a copy, so callers never share state with the store.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/paulmach/orb"

	"ridepool/internal/modules/fleet"
	"ridepool/internal/modules/location"
	"ridepool/internal/modules/ride"
	"ridepool/internal/modules/route"
	"ridepool/internal/types"
)

// Store provides thread-safe access to every dispatch record.
type Store struct {
	mu sync.RWMutex

	locations  map[types.ID]*location.Location
	zones      map[types.ID]*location.Zone
	fixedStops map[types.ID]*location.FixedStop
	vehicles   map[types.ID]*fleet.Vehicle
	drivers    map[types.ID]*fleet.Driver
	requests   map[types.ID]*ride.Request
	rides      map[types.ID]*ride.Ride
	routes     map[types.ID]*route.Route

	// Additional indexes for faster lookups
	zonesByLocation map[types.ID][]types.ID // map[locationID][]zoneID
	activeRoute     map[types.ID]types.ID   // map[driverID]routeID
}

func NewStore() *Store {
	return &Store{
		locations:       make(map[types.ID]*location.Location),
		zones:           make(map[types.ID]*location.Zone),
		fixedStops:      make(map[types.ID]*location.FixedStop),
		vehicles:        make(map[types.ID]*fleet.Vehicle),
		drivers:         make(map[types.ID]*fleet.Driver),
		requests:        make(map[types.ID]*ride.Request),
		rides:           make(map[types.ID]*ride.Ride),
		routes:          make(map[types.ID]*route.Route),
		zonesByLocation: make(map[types.ID][]types.ID),
		activeRoute:     make(map[types.ID]types.ID),
	}
}

// ---------------------------------------------------------------------------
// Locations, zones and fixed stops
// ---------------------------------------------------------------------------

func (s *Store) GetLocation(_ context.Context, id types.ID) (*location.Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.locations[id]
	if !ok {
		return nil, location.ErrNotFound
	}
	c := *l
	return &c, nil
}

func (s *Store) CreateLocation(_ context.Context, l *location.Location) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.locations[l.ID]; ok {
		return fmt.Errorf("location %s already exists", l.ID)
	}
	c := *l
	s.locations[l.ID] = &c
	return nil
}

func (s *Store) UpdateServiceArea(_ context.Context, id types.ID, area orb.Polygon) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locations[id]
	if !ok {
		return location.ErrNotFound
	}
	l.ServiceArea = area
	return nil
}

func (s *Store) ListZones(_ context.Context, locationID types.ID) ([]location.Zone, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]location.Zone, 0, len(s.zonesByLocation[locationID]))
	for _, id := range s.zonesByLocation[locationID] {
		out = append(out, *s.zones[id])
	}
	return out, nil
}

func (s *Store) GetZone(_ context.Context, id types.ID) (*location.Zone, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	z, ok := s.zones[id]
	if !ok {
		return nil, location.ErrZoneNotFound
	}
	c := *z
	return &c, nil
}

func (s *Store) CreateZone(_ context.Context, z *location.Zone) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.locations[z.LocationID]; !ok {
		return location.ErrNotFound
	}
	c := *z
	s.zones[z.ID] = &c
	s.zonesByLocation[z.LocationID] = append(s.zonesByLocation[z.LocationID], z.ID)
	return nil
}

func (s *Store) UpdateZone(_ context.Context, z *location.Zone) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.zones[z.ID]
	if !ok {
		return location.ErrZoneNotFound
	}
	cur.Name = z.Name
	cur.ServiceArea = z.ServiceArea
	cur.FixedStopEnabled = z.FixedStopEnabled
	return nil
}

func (s *Store) DeleteZone(_ context.Context, id types.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	z, ok := s.zones[id]
	if !ok || z.IsDefault {
		return location.ErrZoneNotFound
	}
	delete(s.zones, id)
	ids := s.zonesByLocation[z.LocationID]
	for i, zid := range ids {
		if zid == id {
			s.zonesByLocation[z.LocationID] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	return nil
}

func (s *Store) ListFixedStops(_ context.Context, locationID types.ID) ([]location.FixedStop, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []location.FixedStop
	for _, fs := range s.fixedStops {
		if fs.LocationID == locationID {
			out = append(out, *fs)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) CreateFixedStop(_ context.Context, fs *location.FixedStop) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *fs
	s.fixedStops[fs.ID] = &c
	return nil
}

// ---------------------------------------------------------------------------
// Vehicles and drivers
// ---------------------------------------------------------------------------

func copyVehicle(v *fleet.Vehicle) *fleet.Vehicle {
	c := *v
	c.Zones = append([]types.ID(nil), v.Zones...)
	if v.DriverID != nil {
		c.DriverID = types.IDPtr(*v.DriverID)
	}
	return &c
}

func copyDriver(d *fleet.Driver) *fleet.Driver {
	c := *d
	c.RideList = append([]fleet.RideSummary(nil), d.RideList...)
	if d.VehicleID != nil {
		c.VehicleID = types.IDPtr(*d.VehicleID)
	}
	return &c
}

func (s *Store) GetVehicle(_ context.Context, id types.ID) (*fleet.Vehicle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vehicles[id]
	if !ok {
		return nil, fleet.ErrNotFound
	}
	return copyVehicle(v), nil
}

func (s *Store) CreateVehicle(_ context.Context, v *fleet.Vehicle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vehicles[v.ID] = copyVehicle(v)
	return nil
}

func (s *Store) UpdateVehicle(_ context.Context, v *fleet.Vehicle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.vehicles[v.ID]
	if !ok {
		return fleet.ErrNotFound
	}
	next := copyVehicle(v)
	next.DriverID = cur.DriverID
	s.vehicles[v.ID] = next
	return nil
}

func (s *Store) ListVehicles(_ context.Context, locationID types.ID) ([]fleet.Vehicle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []fleet.Vehicle
	for _, v := range s.vehicles {
		if v.LocationID == locationID {
			out = append(out, *copyVehicle(v))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) AttachDriver(_ context.Context, vehicleID, driverID types.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vehicles[vehicleID]
	if !ok {
		return fleet.ErrNotFound
	}
	d, ok := s.drivers[driverID]
	if !ok {
		return fleet.ErrDriverNotFound
	}
	if v.DriverID != nil {
		return &fleet.VehicleUnavailableError{VehicleID: vehicleID}
	}
	v.DriverID = types.IDPtr(driverID)
	d.VehicleID = types.IDPtr(vehicleID)
	return nil
}

func (s *Store) DetachDriver(_ context.Context, vehicleID, driverID types.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.vehicles[vehicleID]; ok && v.DriverID != nil && *v.DriverID == driverID {
		v.DriverID = nil
		v.Online = false
	}
	d, ok := s.drivers[driverID]
	if !ok {
		return fleet.ErrDriverNotFound
	}
	d.VehicleID = nil
	return nil
}

func (s *Store) CountVehiclesInZone(_ context.Context, zoneID types.ID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, v := range s.vehicles {
		if v.HasZone(zoneID) {
			n++
		}
	}
	return n, nil
}

func (s *Store) GetDriver(_ context.Context, id types.ID) (*fleet.Driver, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.drivers[id]
	if !ok {
		return nil, fleet.ErrDriverNotFound
	}
	return copyDriver(d), nil
}

func (s *Store) CreateDriver(_ context.Context, d *fleet.Driver) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drivers[d.ID] = copyDriver(d)
	return nil
}

func (s *Store) UpdateDriverPosition(_ context.Context, id types.ID, p types.Point, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drivers[id]
	if !ok {
		return fleet.ErrDriverNotFound
	}
	if !d.PositionAt.IsZero() && at.Before(d.PositionAt) {
		return nil
	}
	d.Position, d.PositionAt = p, at
	return nil
}

// ---------------------------------------------------------------------------
// Requests and rides
// ---------------------------------------------------------------------------

func copyRide(r *ride.Ride) *ride.Ride {
	c := *r
	if r.DriverID != nil {
		c.DriverID = types.IDPtr(*r.DriverID)
	}
	if r.VehicleID != nil {
		c.VehicleID = types.IDPtr(*r.VehicleID)
	}
	return &c
}

func (s *Store) CreateRequest(_ context.Context, r *ride.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *r
	s.requests[r.ID] = &c
	return nil
}

func (s *Store) GetRequest(_ context.Context, id types.ID) (*ride.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, ride.ErrRequestNotFound
	}
	c := *r
	return &c, nil
}

// ListPendingRequests returns pending requests oldest first.
func (s *Store) ListPendingRequests(_ context.Context, limit int) ([]ride.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ride.Request, 0, len(s.requests))
	for _, r := range s.requests {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) DeleteRequest(_ context.Context, id types.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[id]; !ok {
		return ride.ErrRequestNotFound
	}
	delete(s.requests, id)
	return nil
}

func (s *Store) CreateRide(_ context.Context, r *ride.Ride) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rides[r.ID] = copyRide(r)
	return nil
}

func (s *Store) GetRide(_ context.Context, id types.ID) (*ride.Ride, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rides[id]
	if !ok {
		return nil, ride.ErrNotFound
	}
	return copyRide(r), nil
}

func (s *Store) GetRides(_ context.Context, ids []types.ID) (map[types.ID]*ride.Ride, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[types.ID]*ride.Ride, len(ids))
	for _, id := range ids {
		if r, ok := s.rides[id]; ok {
			out[id] = copyRide(r)
		}
	}
	return out, nil
}

func (s *Store) ListActiveByDriver(_ context.Context, driverID types.ID) ([]*ride.Ride, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ride.Ride
	for _, r := range s.rides {
		if r.AssignedTo(driverID) && r.Status.IsActive() {
			out = append(out, copyRide(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) UpdateRides(_ context.Context, rides []*ride.Ride) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rides {
		if _, ok := s.rides[r.ID]; !ok {
			return fmt.Errorf("%w: %s", ride.ErrNotFound, r.ID)
		}
	}
	for _, r := range rides {
		s.rides[r.ID] = copyRide(r)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Routes
// ---------------------------------------------------------------------------

func (s *Store) ActiveRoute(_ context.Context, driverID types.ID) (*route.Route, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.activeRoute[driverID]
	if !ok {
		return nil, route.ErrNoActiveRoute
	}
	return s.routes[id].Clone(), nil
}

func (s *Store) ListActiveDriverIDs(context.Context) ([]types.ID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.ID, 0, len(s.activeRoute))
	for driverID := range s.activeRoute {
		out = append(out, driverID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *Store) SaveRoute(_ context.Context, u route.Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkUpdate(u); err != nil {
		return err
	}
	s.applyUpdate(u)
	return nil
}

func (s *Store) CommitMatch(_ context.Context, m route.Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[m.RequestID]; !ok {
		return ride.ErrRequestNotFound
	}
	if err := s.checkUpdate(m.Update); err != nil {
		return err
	}
	delete(s.requests, m.RequestID)
	s.rides[m.NewRide.ID] = copyRide(m.NewRide)
	s.applyUpdate(m.Update)
	return nil
}

// checkUpdate validates an update up front so applyUpdate cannot fail halfway.
func (s *Store) checkUpdate(u route.Update) error {
	if _, ok := s.drivers[u.DriverID]; !ok {
		return fleet.ErrDriverNotFound
	}
	if r := u.Route; r != nil {
		var stored int64
		if cur, ok := s.routes[r.ID]; ok {
			stored = cur.Version
		}
		if r.Version != stored {
			return fmt.Errorf("%w: route %s at version %d, stored %d", route.ErrStaleRoute, r.ID, r.Version, stored)
		}
		if cur, ok := s.activeRoute[r.DriverID]; ok && r.Active && cur != r.ID {
			return fmt.Errorf("%w: driver %s already has active route %s", route.ErrStaleRoute, r.DriverID, cur)
		}
	}
	for _, r := range u.Rides {
		if _, ok := s.rides[r.ID]; !ok {
			return fmt.Errorf("%w: %s", ride.ErrNotFound, r.ID)
		}
	}
	return nil
}

func (s *Store) applyUpdate(u route.Update) {
	if r := u.Route; r != nil {
		saved := r.Clone()
		saved.Version++
		s.routes[r.ID] = saved
		if r.Active {
			s.activeRoute[r.DriverID] = r.ID
		} else if s.activeRoute[r.DriverID] == r.ID {
			delete(s.activeRoute, r.DriverID)
		}
	}
	s.drivers[u.DriverID].RideList = append([]fleet.RideSummary(nil), u.RideList...)
	for _, r := range u.Rides {
		s.rides[r.ID] = copyRide(r)
	}
}
