// README: Location service manages zones, keeps the default zone in sync and builds GeoIndex snapshots.
package location

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/paulmach/orb"
	"go.uber.org/zap"

	"ridepool/internal/logger"
	"ridepool/internal/types"
)

var (
	ErrNotFound             = errors.New("location not found")
	ErrZoneNotFound         = errors.New("zone not found")
	ErrDefaultZoneImmutable = errors.New("default zone cannot be updated or deleted")
	ErrZoneHasVehicles      = errors.New("cannot delete zone with vehicles assigned")
	ErrBadRequest           = errors.New("bad request")
)

type Repository interface {
	GetLocation(ctx context.Context, id types.ID) (*Location, error)
	CreateLocation(ctx context.Context, loc *Location) error
	UpdateServiceArea(ctx context.Context, id types.ID, area orb.Polygon) error
	ListZones(ctx context.Context, locationID types.ID) ([]Zone, error)
	GetZone(ctx context.Context, id types.ID) (*Zone, error)
	CreateZone(ctx context.Context, z *Zone) error
	UpdateZone(ctx context.Context, z *Zone) error
	DeleteZone(ctx context.Context, id types.ID) error
	ListFixedStops(ctx context.Context, locationID types.ID) ([]FixedStop, error)
	CreateFixedStop(ctx context.Context, fs *FixedStop) error
}

// VehicleCounter reports how many vehicles have a zone assigned.
type VehicleCounter interface {
	CountVehiclesInZone(ctx context.Context, zoneID types.ID) (int, error)
}

type Service struct {
	store    Repository
	vehicles VehicleCounter
	log      *zap.Logger
	now      func() time.Time
}

func NewService(store Repository, vehicles VehicleCounter, log *zap.Logger) *Service {
	return &Service{store: store, vehicles: vehicles, log: logger.OrNop(log), now: time.Now}
}

type CreateLocationCommand struct {
	Name             string
	ServiceArea      orb.Polygon
	PoolingEnabled   bool
	FixedStopEnabled bool
	Timezone         string
	Fare             FareConfig
}

type CreateZoneCommand struct {
	LocationID       types.ID
	Name             string
	ServiceArea      orb.Polygon
	FixedStopEnabled bool
}

type UpdateZoneCommand struct {
	ZoneID           types.ID
	Name             *string
	ServiceArea      orb.Polygon
	FixedStopEnabled *bool
}

func (s *Service) GetLocation(ctx context.Context, id types.ID) (*Location, error) {
	return s.store.GetLocation(ctx, id)
}

// CreateLocation stores a location together with its default zone.
func (s *Service) CreateLocation(ctx context.Context, cmd CreateLocationCommand) (*Location, error) {
	area, err := normalizePolygon(cmd.ServiceArea)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	if cmd.Fare.Mode == "" {
		cmd.Fare.Mode = FareFree
	}
	loc := &Location{
		ID:               types.NewID(),
		Name:             cmd.Name,
		ServiceArea:      area,
		PoolingEnabled:   cmd.PoolingEnabled,
		FixedStopEnabled: cmd.FixedStopEnabled,
		Timezone:         cmd.Timezone,
		Fare:             cmd.Fare,
		CreatedAt:        s.now(),
	}
	if err := s.store.CreateLocation(ctx, loc); err != nil {
		return nil, err
	}
	if _, err := s.syncDefaultZone(ctx, loc); err != nil {
		return nil, err
	}
	return loc, nil
}

// UpdateServiceArea changes a location's polygon and re-derives its default zone.
func (s *Service) UpdateServiceArea(ctx context.Context, locationID types.ID, area orb.Polygon) error {
	area, err := normalizePolygon(area)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	loc, err := s.store.GetLocation(ctx, locationID)
	if err != nil {
		return err
	}
	if err := s.store.UpdateServiceArea(ctx, locationID, area); err != nil {
		return err
	}
	loc.ServiceArea = area
	_, err = s.syncDefaultZone(ctx, loc)
	return err
}

// syncDefaultZone creates the default zone when missing and otherwise overwrites its polygon
// and fixed-stop flag from the location.
func (s *Service) syncDefaultZone(ctx context.Context, loc *Location) (*Zone, error) {
	zones, err := s.store.ListZones(ctx, loc.ID)
	if err != nil {
		return nil, err
	}
	for i := range zones {
		if !zones[i].IsDefault {
			continue
		}
		z := zones[i]
		z.ServiceArea = loc.ServiceArea
		z.FixedStopEnabled = loc.FixedStopEnabled
		if err := s.store.UpdateZone(ctx, &z); err != nil {
			return nil, err
		}
		return &z, nil
	}
	z := &Zone{
		ID:               types.NewID(),
		LocationID:       loc.ID,
		Name:             defaultZoneName,
		ServiceArea:      loc.ServiceArea,
		FixedStopEnabled: loc.FixedStopEnabled,
		IsDefault:        true,
		CreatedAt:        s.now(),
	}
	if err := s.store.CreateZone(ctx, z); err != nil {
		return nil, err
	}
	s.log.Info("default zone created", zap.String("location_id", string(loc.ID)), zap.String("zone_id", string(z.ID)))
	return z, nil
}

func (s *Service) CreateZone(ctx context.Context, cmd CreateZoneCommand) (*Zone, error) {
	if cmd.Name == "" {
		return nil, fmt.Errorf("%w: zone name is required", ErrBadRequest)
	}
	area, err := normalizePolygon(cmd.ServiceArea)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	if _, err := s.store.GetLocation(ctx, cmd.LocationID); err != nil {
		return nil, err
	}
	z := &Zone{
		ID:               types.NewID(),
		LocationID:       cmd.LocationID,
		Name:             cmd.Name,
		ServiceArea:      area,
		FixedStopEnabled: cmd.FixedStopEnabled,
		CreatedAt:        s.now(),
	}
	if err := s.store.CreateZone(ctx, z); err != nil {
		return nil, err
	}
	return z, nil
}

func (s *Service) UpdateZone(ctx context.Context, cmd UpdateZoneCommand) (*Zone, error) {
	z, err := s.store.GetZone(ctx, cmd.ZoneID)
	if err != nil {
		return nil, err
	}
	if z.IsDefault {
		return nil, ErrDefaultZoneImmutable
	}
	if cmd.Name != nil {
		if *cmd.Name == "" {
			return nil, fmt.Errorf("%w: zone name is required", ErrBadRequest)
		}
		z.Name = *cmd.Name
	}
	if cmd.ServiceArea != nil {
		area, err := normalizePolygon(cmd.ServiceArea)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
		}
		z.ServiceArea = area
	}
	if cmd.FixedStopEnabled != nil {
		z.FixedStopEnabled = *cmd.FixedStopEnabled
	}
	if err := s.store.UpdateZone(ctx, z); err != nil {
		return nil, err
	}
	return z, nil
}

func (s *Service) DeleteZone(ctx context.Context, zoneID types.ID) error {
	z, err := s.store.GetZone(ctx, zoneID)
	if err != nil {
		return err
	}
	if z.IsDefault {
		return ErrDefaultZoneImmutable
	}
	if s.vehicles != nil {
		n, err := s.vehicles.CountVehiclesInZone(ctx, zoneID)
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrZoneHasVehicles
		}
	}
	return s.store.DeleteZone(ctx, zoneID)
}

// Index loads a GeoIndex snapshot for the location.
func (s *Service) Index(ctx context.Context, locationID types.ID) (*Index, error) {
	loc, err := s.store.GetLocation(ctx, locationID)
	if err != nil {
		return nil, err
	}
	zones, err := s.store.ListZones(ctx, locationID)
	if err != nil {
		return nil, err
	}
	hasDefault := false
	for _, z := range zones {
		if z.IsDefault {
			hasDefault = true
			break
		}
	}
	if !hasDefault {
		z, err := s.syncDefaultZone(ctx, loc)
		if err != nil {
			return nil, err
		}
		zones = append(zones, *z)
	}
	stops, err := s.store.ListFixedStops(ctx, locationID)
	if err != nil {
		return nil, err
	}
	return NewIndex(*loc, zones, stops), nil
}

type CreateFixedStopCommand struct {
	LocationID types.ID
	Name       string
	Point      types.Point
}

// CreateFixedStop adds an active fixed stop. The point must lie inside the service area.
func (s *Service) CreateFixedStop(ctx context.Context, cmd CreateFixedStopCommand) (*FixedStop, error) {
	if cmd.Name == "" {
		return nil, fmt.Errorf("%w: stop name is required", ErrBadRequest)
	}
	loc, err := s.store.GetLocation(ctx, cmd.LocationID)
	if err != nil {
		return nil, err
	}
	if !Contains(loc.ServiceArea, cmd.Point) {
		return nil, fmt.Errorf("%w: stop lies outside the service area", ErrBadRequest)
	}
	fs := &FixedStop{
		ID:         types.NewID(),
		LocationID: cmd.LocationID,
		Name:       cmd.Name,
		Point:      cmd.Point,
		Status:     FixedStopActive,
	}
	if err := s.store.CreateFixedStop(ctx, fs); err != nil {
		return nil, err
	}
	return fs, nil
}
