// README: Location store backed by PostgreSQL; polygons are persisted as GeoJSON.
package location

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"ridepool/internal/types"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) GetLocation(ctx context.Context, id types.ID) (*Location, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, name, service_area, pooling_enabled, fixed_stop_enabled, timezone,
		       fare_mode, fare_amount, fare_currency, created_at
		FROM locations
		WHERE id = $1`, string(id),
	)
	var l Location
	var area []byte
	var mode string
	err := row.Scan(&l.ID, &l.Name, &area, &l.PoolingEnabled, &l.FixedStopEnabled, &l.Timezone,
		&mode, &l.Fare.Amount.Amount, &l.Fare.Amount.Currency, &l.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	l.Fare.Mode = FareMode(mode)
	if l.ServiceArea, err = decodePolygon(area); err != nil {
		return nil, fmt.Errorf("location %s service area: %w", id, err)
	}
	return &l, nil
}

func (s *Store) CreateLocation(ctx context.Context, l *Location) error {
	area, err := encodePolygon(l.ServiceArea)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO locations (
			id, name, service_area, pooling_enabled, fixed_stop_enabled, timezone,
			fare_mode, fare_amount, fare_currency, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		string(l.ID), l.Name, area, l.PoolingEnabled, l.FixedStopEnabled, l.Timezone,
		string(l.Fare.Mode), l.Fare.Amount.Amount, l.Fare.Amount.Currency, l.CreatedAt,
	)
	return err
}

func (s *Store) UpdateServiceArea(ctx context.Context, id types.ID, area orb.Polygon) error {
	encoded, err := encodePolygon(area)
	if err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx, `UPDATE locations SET service_area = $1 WHERE id = $2`, encoded, string(id))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const zoneColumns = `id, location_id, name, service_area, fixed_stop_enabled, is_default, created_at`

func (s *Store) ListZones(ctx context.Context, locationID types.ID) ([]Zone, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+zoneColumns+`
		FROM zones
		WHERE location_id = $1
		ORDER BY created_at, id`, string(locationID),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var zones []Zone
	for rows.Next() {
		z, err := scanZone(rows)
		if err != nil {
			return nil, err
		}
		zones = append(zones, *z)
	}
	return zones, rows.Err()
}

func (s *Store) GetZone(ctx context.Context, id types.ID) (*Zone, error) {
	row := s.db.QueryRow(ctx, `SELECT `+zoneColumns+` FROM zones WHERE id = $1`, string(id))
	z, err := scanZone(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrZoneNotFound
	}
	return z, err
}

func (s *Store) CreateZone(ctx context.Context, z *Zone) error {
	area, err := encodePolygon(z.ServiceArea)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO zones (`+zoneColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		string(z.ID), string(z.LocationID), z.Name, area, z.FixedStopEnabled, z.IsDefault, z.CreatedAt,
	)
	return err
}

func (s *Store) UpdateZone(ctx context.Context, z *Zone) error {
	area, err := encodePolygon(z.ServiceArea)
	if err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE zones
		SET name = $1, service_area = $2, fixed_stop_enabled = $3
		WHERE id = $4`,
		z.Name, area, z.FixedStopEnabled, string(z.ID),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrZoneNotFound
	}
	return nil
}

func (s *Store) DeleteZone(ctx context.Context, id types.ID) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM zones WHERE id = $1 AND NOT is_default`, string(id))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrZoneNotFound
	}
	return nil
}

func (s *Store) ListFixedStops(ctx context.Context, locationID types.ID) ([]FixedStop, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, location_id, name, lat, lng, status
		FROM fixed_stops
		WHERE location_id = $1
		ORDER BY id`, string(locationID),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stops []FixedStop
	for rows.Next() {
		var fs FixedStop
		var status string
		if err := rows.Scan(&fs.ID, &fs.LocationID, &fs.Name, &fs.Point.Lat, &fs.Point.Lng, &status); err != nil {
			return nil, err
		}
		fs.Status = FixedStopStatus(status)
		stops = append(stops, fs)
	}
	return stops, rows.Err()
}

func (s *Store) CreateFixedStop(ctx context.Context, fs *FixedStop) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO fixed_stops (id, location_id, name, lat, lng, status)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		string(fs.ID), string(fs.LocationID), fs.Name, fs.Point.Lat, fs.Point.Lng, string(fs.Status),
	)
	return err
}

func scanZone(row pgx.Row) (*Zone, error) {
	var z Zone
	var area []byte
	var createdAt time.Time
	if err := row.Scan(&z.ID, &z.LocationID, &z.Name, &area, &z.FixedStopEnabled, &z.IsDefault, &createdAt); err != nil {
		return nil, err
	}
	z.CreatedAt = createdAt
	poly, err := decodePolygon(area)
	if err != nil {
		return nil, fmt.Errorf("zone %s service area: %w", z.ID, err)
	}
	z.ServiceArea = poly
	return &z, nil
}

func encodePolygon(p orb.Polygon) (string, error) {
	b, err := geojson.NewGeometry(p).MarshalJSON()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodePolygon(b []byte) (orb.Polygon, error) {
	if len(b) == 0 {
		return nil, nil
	}
	g, err := geojson.UnmarshalGeometry(b)
	if err != nil {
		return nil, err
	}
	switch geom := g.Geometry().(type) {
	case orb.Polygon:
		return geom, nil
	case orb.MultiPolygon:
		if len(geom) > 0 {
			return geom[0], nil
		}
	}
	return nil, fmt.Errorf("unsupported geometry %s", g.Type)
}

// DecodePolygon parses a GeoJSON Polygon geometry (or the first polygon of a MultiPolygon).
func DecodePolygon(b []byte) (orb.Polygon, error) {
	return decodePolygon(b)
}
