// README: Fleet store backed by PostgreSQL; zone assignments live in vehicle_zones.
package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"ridepool/internal/types"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

const vehicleColumns = `id, location_id, name, capacity, matching_rule, driver_id, online, created_at`

func (s *Store) GetVehicle(ctx context.Context, id types.ID) (*Vehicle, error) {
	row := s.db.QueryRow(ctx, `SELECT `+vehicleColumns+` FROM vehicles WHERE id = $1`, string(id))
	v, err := scanVehicle(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if v.Zones, err = s.vehicleZones(ctx, v.ID); err != nil {
		return nil, err
	}
	return v, nil
}

func (s *Store) ListVehicles(ctx context.Context, locationID types.ID) ([]Vehicle, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+vehicleColumns+`
		FROM vehicles
		WHERE location_id = $1
		ORDER BY id`, string(locationID),
	)
	if err != nil {
		return nil, err
	}
	var out []Vehicle
	for rows.Next() {
		v, err := scanVehicle(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, *v)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].Zones, err = s.vehicleZones(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) CreateVehicle(ctx context.Context, v *Vehicle) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO vehicles (id, location_id, name, capacity, matching_rule, driver_id, online, created_at)
			VALUES ($1, $2, $3, $4, $5, NULL, $6, $7)`,
			string(v.ID), string(v.LocationID), v.Name, v.Capacity, string(v.MatchingRule), v.Online, v.CreatedAt,
		)
		if err != nil {
			return err
		}
		return replaceZones(ctx, tx, v.ID, v.Zones)
	})
}

// UpdateVehicle persists name, capacity, rule, zones and the online flag. Driver
// attachment goes through AttachDriver.
func (s *Store) UpdateVehicle(ctx context.Context, v *Vehicle) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE vehicles
			SET name = $1, capacity = $2, matching_rule = $3, online = $4
			WHERE id = $5`,
			v.Name, v.Capacity, string(v.MatchingRule), v.Online, string(v.ID),
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return replaceZones(ctx, tx, v.ID, v.Zones)
	})
}

func (s *Store) AttachDriver(ctx context.Context, vehicleID, driverID types.ID) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE vehicles SET driver_id = $1
			WHERE id = $2 AND driver_id IS NULL`,
			string(driverID), string(vehicleID),
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return &VehicleUnavailableError{VehicleID: vehicleID}
		}
		return setDriverVehicle(ctx, tx, driverID, &vehicleID)
	})
}

func (s *Store) DetachDriver(ctx context.Context, vehicleID, driverID types.ID) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE vehicles SET driver_id = NULL, online = FALSE
			WHERE id = $1 AND driver_id = $2`,
			string(vehicleID), string(driverID),
		)
		if err != nil {
			return err
		}
		return setDriverVehicle(ctx, tx, driverID, nil)
	})
}

func (s *Store) CountVehiclesInZone(ctx context.Context, zoneID types.ID) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM vehicle_zones WHERE zone_id = $1`, string(zoneID)).Scan(&n)
	return n, err
}

func (s *Store) GetDriver(ctx context.Context, id types.ID) (*Driver, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, location_id, name, vehicle_id, available, lat, lng, position_at, ride_list
		FROM drivers
		WHERE id = $1`, string(id),
	)
	var d Driver
	var vehicleID *string
	var positionAt *time.Time
	var rideList []byte
	err := row.Scan(&d.ID, &d.LocationID, &d.Name, &vehicleID, &d.Available,
		&d.Position.Lat, &d.Position.Lng, &positionAt, &rideList)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrDriverNotFound
	}
	if err != nil {
		return nil, err
	}
	if vehicleID != nil {
		d.VehicleID = types.IDPtr(types.ID(*vehicleID))
	}
	if positionAt != nil {
		d.PositionAt = *positionAt
	}
	if len(rideList) > 0 {
		if err := json.Unmarshal(rideList, &d.RideList); err != nil {
			return nil, fmt.Errorf("driver %s ride list: %w", id, err)
		}
	}
	return &d, nil
}

func (s *Store) CreateDriver(ctx context.Context, d *Driver) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO drivers (id, location_id, name, vehicle_id, available, lat, lng, ride_list)
		VALUES ($1, $2, $3, NULL, $4, $5, $6, '[]')`,
		string(d.ID), string(d.LocationID), d.Name, d.Available, d.Position.Lat, d.Position.Lng,
	)
	return err
}

func (s *Store) UpdateDriverPosition(ctx context.Context, id types.ID, p types.Point, at time.Time) error {
	// Stale positions match zero rows and are dropped silently.
	_, err := s.db.Exec(ctx, `
		UPDATE drivers SET lat = $1, lng = $2, position_at = $3
		WHERE id = $4 AND (position_at IS NULL OR position_at <= $3)`,
		p.Lat, p.Lng, at, string(id),
	)
	return err
}

// Execer is satisfied by both *pgxpool.Pool and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// SaveRideList overwrites the driver's cached ride list using q, which may be a transaction.
func SaveRideList(ctx context.Context, q Execer, driverID types.ID, list []RideSummary) error {
	if list == nil {
		list = []RideSummary{}
	}
	b, err := json.Marshal(list)
	if err != nil {
		return err
	}
	tag, err := q.Exec(ctx, `UPDATE drivers SET ride_list = $1 WHERE id = $2`, string(b), string(driverID))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDriverNotFound
	}
	return nil
}

func (s *Store) vehicleZones(ctx context.Context, vehicleID types.ID) ([]types.ID, error) {
	rows, err := s.db.Query(ctx, `
		SELECT zone_id FROM vehicle_zones WHERE vehicle_id = $1 ORDER BY zone_id`, string(vehicleID),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var zones []types.ID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		zones = append(zones, types.ID(id))
	}
	return zones, rows.Err()
}

func replaceZones(ctx context.Context, tx pgx.Tx, vehicleID types.ID, zones []types.ID) error {
	if _, err := tx.Exec(ctx, `DELETE FROM vehicle_zones WHERE vehicle_id = $1`, string(vehicleID)); err != nil {
		return err
	}
	for _, z := range zones {
		if _, err := tx.Exec(ctx, `
			INSERT INTO vehicle_zones (vehicle_id, zone_id) VALUES ($1, $2)`,
			string(vehicleID), string(z),
		); err != nil {
			return err
		}
	}
	return nil
}

func setDriverVehicle(ctx context.Context, tx pgx.Tx, driverID types.ID, vehicleID *types.ID) error {
	var v *string
	if vehicleID != nil {
		s := string(*vehicleID)
		v = &s
	}
	tag, err := tx.Exec(ctx, `UPDATE drivers SET vehicle_id = $1 WHERE id = $2`, v, string(driverID))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDriverNotFound
	}
	return nil
}

func scanVehicle(row pgx.Row) (*Vehicle, error) {
	var v Vehicle
	var rule string
	var driverID *string
	if err := row.Scan(&v.ID, &v.LocationID, &v.Name, &v.Capacity, &rule, &driverID, &v.Online, &v.CreatedAt); err != nil {
		return nil, err
	}
	v.MatchingRule = MatchingRule(rule)
	if driverID != nil {
		v.DriverID = types.IDPtr(types.ID(*driverID))
	}
	return &v, nil
}
