// README: Ride and request store backed by PostgreSQL.
package ride

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

var (
	ErrNotFound        = errors.New("ride not found")
	ErrRequestNotFound = errors.New("request not found")
)

// Execer is satisfied by both *pgxpool.Pool and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) CreateRequest(ctx context.Context, r *Request) error {
	origin, destination, err := encodeEndpoints(r.Origin, r.Destination)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO requests (id, location_id, rider_id, passengers, origin, destination, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		string(r.ID), string(r.LocationID), string(r.RiderID), r.Passengers, origin, destination, r.CreatedAt,
	)
	return err
}

const requestColumns = `id, location_id, rider_id, passengers, origin, destination, created_at`

func (s *Store) GetRequest(ctx context.Context, id types.ID) (*Request, error) {
	row := s.db.QueryRow(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = $1`, string(id))
	r, err := scanRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRequestNotFound
	}
	return r, err
}

// ListPendingRequests returns pending requests oldest first.
func (s *Store) ListPendingRequests(ctx context.Context, limit int) ([]Request, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+requestColumns+`
		FROM requests
		ORDER BY created_at, id
		LIMIT $1`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *Store) DeleteRequest(ctx context.Context, id types.ID) error {
	return DeleteRequest(ctx, s.db, id)
}

// DeleteRequest removes a request using q, which may be a transaction.
func DeleteRequest(ctx context.Context, q Execer, id types.ID) error {
	tag, err := q.Exec(ctx, `DELETE FROM requests WHERE id = $1`, string(id))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRequestNotFound
	}
	return nil
}

// InsertRide stores a new ride using q, which may be a transaction.
func InsertRide(ctx context.Context, q Execer, r *Ride) error {
	origin, destination, err := encodeEndpoints(r.Origin, r.Destination)
	if err != nil {
		return err
	}
	_, err = q.Exec(ctx, `
		INSERT INTO rides (
			id, request_id, location_id, rider_id, driver_id, vehicle_id, passengers, status,
			origin, destination, eta, dropoff_eta, fare_mode, fare_amount, fare_currency,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		string(r.ID), string(r.RequestID), string(r.LocationID), string(r.RiderID),
		toStringPtr(r.DriverID), toStringPtr(r.VehicleID), r.Passengers, int(r.Status),
		origin, destination, nullTime(r.Eta), nullTime(r.DropoffEta),
		r.Fare.Mode, r.Fare.Amount.Amount, r.Fare.Amount.Currency,
		r.CreatedAt, r.UpdatedAt,
	)
	return err
}

func (s *Store) CreateRide(ctx context.Context, r *Ride) error {
	return InsertRide(ctx, s.db, r)
}

const rideColumns = `id, request_id, location_id, rider_id, driver_id, vehicle_id, passengers, status,
	origin, destination, eta, dropoff_eta, fare_mode, fare_amount, fare_currency, created_at, updated_at`

func (s *Store) GetRide(ctx context.Context, id types.ID) (*Ride, error) {
	row := s.db.QueryRow(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, string(id))
	r, err := scanRide(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// GetRides returns the rides that exist among ids, keyed by ID.
func (s *Store) GetRides(ctx context.Context, ids []types.ID) (map[types.ID]*Ride, error) {
	out := make(map[types.ID]*Ride, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	raw := make([]string, len(ids))
	for i, id := range ids {
		raw[i] = string(id)
	}
	rows, err := s.db.Query(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = ANY($1)`, raw)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out[r.ID] = r
	}
	return out, rows.Err()
}

// ListActiveByDriver returns matched, unfinished rides assigned to the driver.
func (s *Store) ListActiveByDriver(ctx context.Context, driverID types.ID) ([]*Ride, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+rideColumns+`
		FROM rides
		WHERE driver_id = $1 AND status >= $2 AND status < $3
		ORDER BY created_at, id`,
		string(driverID), int(StatusAccepted), int(StatusCancelledRider),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpdateRides persists status, assignment and ETA fields in one transaction.
func (s *Store) UpdateRides(ctx context.Context, rides []*Ride) error {
	if len(rides) == 0 {
		return nil
	}
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		for _, r := range rides {
			if err := UpdateRide(ctx, tx, r); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpdateRide persists one ride's mutable fields using q, which may be a transaction.
func UpdateRide(ctx context.Context, q Execer, r *Ride) error {
	tag, err := q.Exec(ctx, `
		UPDATE rides
		SET status = $1, driver_id = $2, vehicle_id = $3, eta = $4, dropoff_eta = $5, updated_at = $6
		WHERE id = $7`,
		int(r.Status), toStringPtr(r.DriverID), toStringPtr(r.VehicleID),
		nullTime(r.Eta), nullTime(r.DropoffEta), r.UpdatedAt, string(r.ID),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, r.ID)
	}
	return nil
}

func scanRequest(row pgx.Row) (*Request, error) {
	var r Request
	var origin, destination []byte
	if err := row.Scan(&r.ID, &r.LocationID, &r.RiderID, &r.Passengers, &origin, &destination, &r.CreatedAt); err != nil {
		return nil, err
	}
	if err := decodeEndpoints(origin, destination, &r.Origin, &r.Destination); err != nil {
		return nil, fmt.Errorf("request %s: %w", r.ID, err)
	}
	return &r, nil
}

func scanRide(row pgx.Row) (*Ride, error) {
	var r Ride
	var driverID, vehicleID *string
	var status int
	var origin, destination []byte
	var eta, dropoffEta *time.Time
	err := row.Scan(
		&r.ID, &r.RequestID, &r.LocationID, &r.RiderID, &driverID, &vehicleID, &r.Passengers, &status,
		&origin, &destination, &eta, &dropoffEta,
		&r.Fare.Mode, &r.Fare.Amount.Amount, &r.Fare.Amount.Currency, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Status = Status(status)
	if driverID != nil {
		r.DriverID = types.IDPtr(types.ID(*driverID))
	}
	if vehicleID != nil {
		r.VehicleID = types.IDPtr(types.ID(*vehicleID))
	}
	if eta != nil {
		r.Eta = *eta
	}
	if dropoffEta != nil {
		r.DropoffEta = *dropoffEta
	}
	if err := decodeEndpoints(origin, destination, &r.Origin, &r.Destination); err != nil {
		return nil, fmt.Errorf("ride %s: %w", r.ID, err)
	}
	return &r, nil
}

func encodeEndpoints(origin, destination Endpoint) (string, string, error) {
	o, err := json.Marshal(origin)
	if err != nil {
		return "", "", err
	}
	d, err := json.Marshal(destination)
	if err != nil {
		return "", "", err
	}
	return string(o), string(d), nil
}

func decodeEndpoints(origin, destination []byte, o, d *Endpoint) error {
	if err := json.Unmarshal(origin, o); err != nil {
		return fmt.Errorf("origin: %w", err)
	}
	if err := json.Unmarshal(destination, d); err != nil {
		return fmt.Errorf("destination: %w", err)
	}
	return nil
}

func toStringPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
