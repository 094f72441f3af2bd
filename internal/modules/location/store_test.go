// README: Postgres store tests; skipped unless RIDEPOOL_TEST_DSN points at a scratch database.
package location

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/paulmach/orb"

	"ridepool/internal/types"
)

func TestStore_LocationAndZones(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	now := time.Now().UTC().Truncate(time.Millisecond)

	area := orb.Polygon{{{121.5, 25.0}, {121.6, 25.0}, {121.6, 25.1}, {121.5, 25.1}, {121.5, 25.0}}}
	loc := &Location{
		ID:             types.NewID(),
		Name:           "Campus",
		ServiceArea:    area,
		PoolingEnabled: true,
		Fare:           FareConfig{Mode: FareFixed, Amount: types.Money{Amount: 150, Currency: "TWD"}},
		CreatedAt:      now,
	}
	if err := store.CreateLocation(ctx, loc); err != nil {
		t.Fatalf("create location: %v", err)
	}
	got, err := store.GetLocation(ctx, loc.ID)
	if err != nil {
		t.Fatalf("get location: %v", err)
	}
	if !got.PoolingEnabled || got.Fare.Mode != FareFixed || got.Fare.Amount.Amount != 150 {
		t.Fatalf("unexpected location: %+v", got)
	}
	if !orb.Equal(got.ServiceArea, area) {
		t.Fatalf("service area = %v, want %v", got.ServiceArea, area)
	}

	def := &Zone{ID: types.NewID(), LocationID: loc.ID, Name: "Campus", ServiceArea: area, IsDefault: true, CreatedAt: now}
	if err := store.CreateZone(ctx, def); err != nil {
		t.Fatalf("create default zone: %v", err)
	}
	second := &Zone{ID: types.NewID(), LocationID: loc.ID, Name: "Other", ServiceArea: area, IsDefault: true, CreatedAt: now}
	if err := store.CreateZone(ctx, second); err == nil {
		t.Fatalf("expected a second default zone to be rejected")
	}

	north := &Zone{
		ID:          types.NewID(),
		LocationID:  loc.ID,
		Name:        "North",
		ServiceArea: orb.Polygon{{{121.5, 25.05}, {121.6, 25.05}, {121.6, 25.1}, {121.5, 25.1}, {121.5, 25.05}}},
		CreatedAt:   now.Add(time.Second),
	}
	if err := store.CreateZone(ctx, north); err != nil {
		t.Fatalf("create zone: %v", err)
	}
	zones, err := store.ListZones(ctx, loc.ID)
	if err != nil {
		t.Fatalf("list zones: %v", err)
	}
	if len(zones) != 2 || zones[0].ID != def.ID || zones[1].ID != north.ID {
		t.Fatalf("unexpected zones: %+v", zones)
	}

	if err := store.DeleteZone(ctx, def.ID); !errors.Is(err, ErrZoneNotFound) {
		t.Fatalf("default zone delete: expected ErrZoneNotFound, got %v", err)
	}
	if err := store.DeleteZone(ctx, north.ID); err != nil {
		t.Fatalf("delete zone: %v", err)
	}
	if _, err := store.GetZone(ctx, north.ID); !errors.Is(err, ErrZoneNotFound) {
		t.Fatalf("expected ErrZoneNotFound after delete, got %v", err)
	}
	if _, err := store.GetLocation(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func setupTestStore(t *testing.T) *Store {
	t.Helper()

	dsn := os.Getenv("RIDEPOOL_TEST_DSN")
	if dsn == "" {
		t.Skip("RIDEPOOL_TEST_DSN not set; skipping DB-backed store tests")
	}

	ctx := context.Background()
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := applyMigration(ctx, db); err != nil {
		t.Fatalf("apply migration: %v", err)
	}
	if _, err := db.Exec(ctx, "TRUNCATE TABLE locations CASCADE"); err != nil {
		t.Fatalf("truncate tables: %v", err)
	}
	return NewStore(db)
}

func applyMigration(ctx context.Context, db *pgxpool.Pool) error {
	root, err := repoRoot()
	if err != nil {
		return err
	}
	content, err := os.ReadFile(filepath.Join(root, "migrations", "0001_init.sql"))
	if err != nil {
		return err
	}
	var lines []string
	for _, line := range strings.Split(string(content), "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		lines = append(lines, line)
	}
	for _, stmt := range strings.Split(strings.Join(lines, "\n"), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func repoRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for i := 0; i < 6; i++ {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", os.ErrNotExist
}
