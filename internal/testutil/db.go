// README: Postgres test helper; skips unless RIDE_TEST_DSN points at a scratch database.
package testutil

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"ridedispatch/internal/infra"
)

const TestDSNEnv = "RIDE_TEST_DSN"

// PGPool migrates the scratch database, truncates every table and returns a pool
// closed on test cleanup.
func PGPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dsn := os.Getenv(TestDSNEnv)
	if dsn == "" {
		t.Skip(TestDSNEnv + " not set; skipping DB-backed tests")
	}
	ctx := context.Background()
	if err := infra.Migrate(ctx, dsn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	db, err := infra.NewDB(ctx, dsn)
	if err != nil {
		t.Fatalf("connect db: %v", err)
	}
	t.Cleanup(db.Close)

	if _, err := db.Exec(ctx, `TRUNCATE TABLE jobs, driver_location_snapshots, ride_status_history, rides, drivers, users`); err != nil {
		t.Fatalf("truncate tables: %v", err)
	}
	return db
}
