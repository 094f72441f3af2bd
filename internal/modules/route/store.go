// README: Route store backed by PostgreSQL. A route and its driver's cached ride list are
// always written in one transaction.
package route

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"ridepool/internal/modules/fleet"
	"ridepool/internal/modules/ride"
	"ridepool/internal/types"
)

var (
	ErrNoActiveRoute = errors.New("driver has no active route")
	// ErrStaleRoute means the route changed after it was read; the write is rolled back.
	ErrStaleRoute = errors.New("route was modified concurrently")
)

// Update is everything that changes together when a route is rewritten. Route may be
// nil when only the rides and the cached list change.
type Update struct {
	DriverID types.ID
	Route    *Route
	RideList []fleet.RideSummary
	Rides    []*ride.Ride
}

// Match is an Update that also turns a request into a new ride.
type Match struct {
	Update
	NewRide   *ride.Ride
	RequestID types.ID
}

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) ActiveRoute(ctx context.Context, driverID types.ID) (*Route, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, driver_id, active, stops, version, created_at, updated_at
		FROM routes
		WHERE driver_id = $1 AND active
		LIMIT 1`, string(driverID),
	)
	var r Route
	var stops []byte
	err := row.Scan(&r.ID, &r.DriverID, &r.Active, &stops, &r.Version, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoActiveRoute
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(stops, &r.Stops); err != nil {
		return nil, fmt.Errorf("route %s stops: %w", r.ID, err)
	}
	return &r, nil
}

func (s *Store) ListActiveDriverIDs(ctx context.Context) ([]types.ID, error) {
	rows, err := s.db.Query(ctx, `SELECT driver_id FROM routes WHERE active ORDER BY driver_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.ID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, types.ID(id))
	}
	return out, rows.Err()
}

// SaveRoute writes the route, the driver's ride list and any changed rides atomically. It
// fails with ErrStaleRoute when the stored route moved past u.Route.Version.
func (s *Store) SaveRoute(ctx context.Context, u Update) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		return saveUpdate(ctx, tx, u)
	})
}

// CommitMatch creates the ride, rewrites the route and driver cache and deletes the request
// in one transaction. A request deleted concurrently rolls everything back.
func (s *Store) CommitMatch(ctx context.Context, m Match) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if err := ride.DeleteRequest(ctx, tx, m.RequestID); err != nil {
			return err
		}
		if err := ride.InsertRide(ctx, tx, m.NewRide); err != nil {
			return err
		}
		return saveUpdate(ctx, tx, m.Update)
	})
}

func saveUpdate(ctx context.Context, tx pgx.Tx, u Update) error {
	if u.Route != nil {
		if err := saveRoute(ctx, tx, u.Route); err != nil {
			return err
		}
	}
	if err := fleet.SaveRideList(ctx, tx, u.DriverID, u.RideList); err != nil {
		return err
	}
	for _, rd := range u.Rides {
		if err := ride.UpdateRide(ctx, tx, rd); err != nil {
			return err
		}
	}
	return nil
}

func saveRoute(ctx context.Context, tx pgx.Tx, r *Route) error {
	stops := r.Stops
	if stops == nil {
		stops = []Stop{}
	}
	b, err := json.Marshal(stops)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `
		INSERT INTO routes (id, driver_id, active, stops, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE
		SET active = EXCLUDED.active, stops = EXCLUDED.stops, version = EXCLUDED.version,
		    updated_at = EXCLUDED.updated_at
		WHERE routes.version = $8`,
		string(r.ID), string(r.DriverID), r.Active, string(b), r.Version+1, r.CreatedAt, r.UpdatedAt, r.Version,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		// routes_one_active: another writer opened a route for this driver.
		return fmt.Errorf("%w: driver %s", ErrStaleRoute, r.DriverID)
	}
	if err != nil {
		return fmt.Errorf("save route %s: %w", r.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: route %s at version %d", ErrStaleRoute, r.ID, r.Version)
	}
	return nil
}
