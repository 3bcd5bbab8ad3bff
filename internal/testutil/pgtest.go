// Package testutil provides shared infrastructure for Postgres-backed tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// gooseTable is goose's bookkeeping table; it survives truncation so
// migrations are not re-applied between tests sharing a database.
const gooseTable = "goose_db_version"

var gooseOnce sync.Once

// PGTest connects to a test database migrated to the latest schema and
// returns it with a cleanup func that empties every store table.
//
//	db, cleanup := testutil.PGTest(t)
//	defer cleanup()
//
// The database is POSTGRES_URL, or a throwaway postgres:16 container when
// PGTEST_CONTAINER=1. With neither set the test is skipped.
func PGTest(t *testing.T) (*sql.DB, func()) {
	t.Helper()

	ctx := context.Background()
	dsn := os.Getenv("POSTGRES_URL")
	stop := func() {}
	if dsn == "" && os.Getenv("PGTEST_CONTAINER") == "1" {
		dsn, stop = startContainer(ctx, t)
	}
	if dsn == "" {
		t.Skip("POSTGRES_URL not set, skipping integration test")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		stop()
		t.Fatalf("pgtest: open: %v", err)
	}
	fail := func(format string, args ...any) {
		_ = db.Close()
		stop()
		t.Fatalf(format, args...)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		fail("pgtest: ping: %v", err)
	}

	if err := migrate(ctx, db, MigrationsDir(t)); err != nil {
		fail("pgtest: migrate: %v", err)
	}

	return db, func() {
		truncate(ctx, t, db)
		_ = db.Close()
		stop()
	}
}

func startContainer(ctx context.Context, t *testing.T) (string, func()) {
	t.Helper()

	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("assetescrow"),
		postgres.WithUsername("assetescrow"),
		postgres.WithPassword("assetescrow"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("pgtest: start container: %v", err)
	}
	stop := func() {
		if err := testcontainers.TerminateContainer(ctr); err != nil {
			t.Logf("pgtest: terminate container: %v", err)
		}
	}

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	dsn, err := ctr.ConnectionString(connCtx, "sslmode=disable")
	if err != nil {
		stop()
		t.Fatalf("pgtest: container dsn: %v", err)
	}
	return dsn, stop
}

// MigrationsDir walks up from the working directory to the repository's
// migrations/ directory.
func MigrationsDir(t *testing.T) string {
	t.Helper()

	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("pgtest: getwd: %v", err)
	}
	for {
		candidate := filepath.Join(dir, "migrations")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatalf("pgtest: no migrations/ directory above %s", dir)
		}
		dir = parent
	}
}

// migrate applies pending migrations with goose, the same runner
// cmd/migrate uses, so tests see exactly the deployed schema.
func migrate(ctx context.Context, db *sql.DB, dir string) error {
	var err error
	gooseOnce.Do(func() {
		goose.SetLogger(goose.NopLogger())
		err = goose.SetDialect("postgres")
	})
	if err != nil {
		return err
	}
	return goose.UpContext(ctx, db, dir)
}

func truncate(ctx context.Context, t *testing.T, db *sql.DB) {
	rows, err := db.QueryContext(ctx, `SELECT tablename FROM pg_tables WHERE schemaname = 'public'`)
	if err != nil {
		t.Logf("pgtest: list tables: %v", err)
		return
	}
	var names []string
	for rows.Next() {
		var name string
		if rows.Scan(&name) == nil {
			names = append(names, name)
		}
	}
	_ = rows.Close()

	tables := storeTables(names)
	if len(tables) == 0 {
		return
	}
	// Names come from pg_tables, not user input.
	stmt := "TRUNCATE " + strings.Join(tables, ", ") + " CASCADE" // #nosec G202
	if _, err := db.ExecContext(ctx, stmt); err != nil {
		t.Logf("pgtest: truncate: %v", err)
	}
}

// storeTables filters catalog table names down to the ones the stores own,
// sorted for a stable TRUNCATE statement.
func storeTables(names []string) []string {
	var out []string
	for _, n := range names {
		if n == gooseTable || strings.HasPrefix(n, "pg_") || strings.HasPrefix(n, "sql_") {
			continue
		}
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}
