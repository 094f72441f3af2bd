// README: Fleet service manages vehicles, driver attachment and driver positions.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"ridepool/internal/logger"
	"ridepool/internal/types"
)

var (
	ErrDriverNotFound = errors.New("driver not found")
	ErrBadRequest     = errors.New("bad request")
)

type Repository interface {
	VehicleReader
	CreateVehicle(ctx context.Context, v *Vehicle) error
	UpdateVehicle(ctx context.Context, v *Vehicle) error
	ListVehicles(ctx context.Context, locationID types.ID) ([]Vehicle, error)
	// AttachDriver links driver and vehicle. It returns VehicleUnavailableError when
	// another driver got there first.
	AttachDriver(ctx context.Context, vehicleID, driverID types.ID) error
	DetachDriver(ctx context.Context, vehicleID, driverID types.ID) error
	CountVehiclesInZone(ctx context.Context, zoneID types.ID) (int, error)

	GetDriver(ctx context.Context, id types.ID) (*Driver, error)
	CreateDriver(ctx context.Context, d *Driver) error
	UpdateDriverPosition(ctx context.Context, id types.ID, p types.Point, at time.Time) error
}

type Service struct {
	store     Repository
	zones     ZoneLister
	validator *Validator
	log       *zap.Logger
	now       func() time.Time
}

func NewService(store Repository, zones ZoneLister, log *zap.Logger) *Service {
	return &Service{
		store:     store,
		zones:     zones,
		validator: NewValidator(store, zones),
		log:       logger.OrNop(log),
		now:       time.Now,
	}
}

func (s *Service) Validator() *Validator { return s.validator }

type CreateVehicleCommand struct {
	LocationID   types.ID
	Name         string
	Capacity     int
	MatchingRule MatchingRule
	Zones        []types.ID
}

func (s *Service) CreateVehicle(ctx context.Context, cmd CreateVehicleCommand) (*Vehicle, error) {
	if cmd.Capacity <= 0 {
		return nil, fmt.Errorf("%w: capacity must be positive", ErrBadRequest)
	}
	locationZones, err := s.zones.ListZones(ctx, cmd.LocationID)
	if err != nil {
		return nil, err
	}
	rule := cmd.MatchingRule.OrDefault()
	if err := ValidateMatchingRule(rule, cmd.Zones, locationZones); err != nil {
		return nil, err
	}
	v := &Vehicle{
		ID:           types.NewID(),
		LocationID:   cmd.LocationID,
		Name:         cmd.Name,
		Capacity:     cmd.Capacity,
		MatchingRule: rule,
		Zones:        append([]types.ID(nil), cmd.Zones...),
		CreatedAt:    s.now(),
	}
	if err := s.store.CreateVehicle(ctx, v); err != nil {
		return nil, err
	}
	return v, nil
}

func (s *Service) GetVehicle(ctx context.Context, id types.ID) (*Vehicle, error) {
	return s.store.GetVehicle(ctx, id)
}

// SetPolicy replaces a vehicle's matching rule and zones after validating them together.
func (s *Service) SetPolicy(ctx context.Context, vehicleID types.ID, rule MatchingRule, zones []types.ID) (*Vehicle, error) {
	v, err := s.store.GetVehicle(ctx, vehicleID)
	if err != nil {
		return nil, err
	}
	locationZones, err := s.zones.ListZones(ctx, v.LocationID)
	if err != nil {
		return nil, err
	}
	rule = rule.OrDefault()
	if err := ValidateMatchingRule(rule, zones, locationZones); err != nil {
		return nil, err
	}
	v.MatchingRule = rule
	v.Zones = append([]types.ID{}, zones...)
	if err := s.store.UpdateVehicle(ctx, v); err != nil {
		return nil, err
	}
	return v, nil
}

// AttachDriver puts a driver behind the wheel after the availability check passes.
func (s *Service) AttachDriver(ctx context.Context, vehicleID, driverID types.ID) error {
	d, err := s.store.GetDriver(ctx, driverID)
	if err != nil {
		return err
	}
	if d.VehicleID != nil && *d.VehicleID != vehicleID {
		return fmt.Errorf("%w: driver already drives vehicle %s", ErrBadRequest, *d.VehicleID)
	}
	if err := s.validator.CheckVehicleAvailability(ctx, vehicleID, nil); err != nil {
		return err
	}
	if err := s.store.AttachDriver(ctx, vehicleID, driverID); err != nil {
		return err
	}
	s.log.Info("driver attached", zap.String("vehicle_id", string(vehicleID)), zap.String("driver_id", string(driverID)))
	return nil
}

func (s *Service) DetachDriver(ctx context.Context, vehicleID, driverID types.ID) error {
	return s.store.DetachDriver(ctx, vehicleID, driverID)
}

func (s *Service) SetOnline(ctx context.Context, vehicleID types.ID, online bool) error {
	v, err := s.store.GetVehicle(ctx, vehicleID)
	if err != nil {
		return err
	}
	if v.Online == online {
		return nil
	}
	v.Online = online
	return s.store.UpdateVehicle(ctx, v)
}

// UpdateDriverPosition records the driver's latest coordinate. Updates are not ordered;
// an update older than the stored one is dropped.
func (s *Service) UpdateDriverPosition(ctx context.Context, driverID types.ID, p types.Point, at time.Time) error {
	if at.IsZero() {
		at = s.now()
	}
	d, err := s.store.GetDriver(ctx, driverID)
	if err != nil {
		return err
	}
	if !d.PositionAt.IsZero() && at.Before(d.PositionAt) {
		return nil
	}
	return s.store.UpdateDriverPosition(ctx, driverID, p, at)
}

func (s *Service) GetDriver(ctx context.Context, id types.ID) (*Driver, error) {
	return s.store.GetDriver(ctx, id)
}

func (s *Service) ListVehicles(ctx context.Context, locationID types.ID) ([]Vehicle, error) {
	return s.store.ListVehicles(ctx, locationID)
}

type RegisterDriverCommand struct {
	// ID is the driver's auth uid.
	ID         types.ID
	LocationID types.ID
	Name       string
}

func (s *Service) RegisterDriver(ctx context.Context, cmd RegisterDriverCommand) (*Driver, error) {
	if cmd.ID == "" || cmd.LocationID == "" {
		return nil, fmt.Errorf("%w: driver id and location are required", ErrBadRequest)
	}
	d := &Driver{ID: cmd.ID, LocationID: cmd.LocationID, Name: cmd.Name, Available: true}
	if err := s.store.CreateDriver(ctx, d); err != nil {
		return nil, err
	}
	s.log.Info("driver registered", zap.String("driver_id", string(d.ID)), zap.String("location_id", string(d.LocationID)))
	return d, nil
}
