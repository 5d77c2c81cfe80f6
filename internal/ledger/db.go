// Package ledger persists pipeline progress in SQLite: which subregions of an
// area have been fully exported, which chip/year rasters have been ingested,
// submission failures and run records. A fresh process resumes from it.
package ledger

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/landcover.report/internal/monitoring"
	"github.com/banshee-data/landcover.report/internal/timeutil"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUnknownQuery is returned by Read and Write for names missing from the
// query catalog.
var ErrUnknownQuery = errors.New("ledger: unknown query")

var logf = monitoring.Component("Ledger")

// timeLayout is used for every timestamp column.
const timeLayout = time.RFC3339Nano

// DB is the ledger database.
type DB struct {
	*sql.DB
	clock timeutil.Clock
	sb    sq.StatementBuilderType
}

// pragmas are applied to every pooled connection through the DSN.
var pragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"synchronous(NORMAL)",
	"temp_store(MEMORY)",
	"foreign_keys(ON)",
}

func dsn(path string) string {
	q := url.Values{}
	for _, p := range pragmas {
		q.Add("_pragma", p)
	}
	return "file:" + path + "?" + q.Encode()
}

// OpenDB opens the database without touching the schema.
func OpenDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	return &DB{
		DB:    db,
		clock: timeutil.RealClock{},
		sb:    sq.StatementBuilder.RunWith(db),
	}, nil
}

// NewDB opens the database and applies all pending migrations.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := db.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// SetClock replaces the clock used for timestamps.
func (db *DB) SetClock(c timeutil.Clock) {
	db.clock = c
}

func (db *DB) now() string {
	return db.clock.Now().UTC().Format(timeLayout)
}

// MigrateUp runs all pending migrations.
func (db *DB) MigrateUp() error {
	m, err := db.newMigrate()
	if err != nil {
		return err
	}
	// m is not closed: that would close the shared connection pool.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// MigrateDown rolls back the most recent migration.
func (db *DB) MigrateDown() error {
	m, err := db.newMigrate()
	if err != nil {
		return err
	}
	if err := m.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration down failed: %w", err)
	}
	return nil
}

// MigrateVersion returns the schema version; 0 when nothing is applied.
func (db *DB) MigrateVersion() (uint, bool, error) {
	m, err := db.newMigrate()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func (db *DB) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db.DB, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrateLogger{}
	return m, nil
}

type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) {
	monitoring.Logf("[migrate] "+format, v...)
}

func (migrateLogger) Verbose() bool { return false }

// Query names in the catalog.
const (
	QueryIsComplete         = "subregion.is_complete"
	QueryMarkComplete       = "subregion.mark_complete"
	QueryCompleted          = "subregion.completed"
	QueryRecordChipYear     = "chip_year.record"
	QueryRecordFailure      = "failure.record"
	QueryStartRun           = "run.start"
	QueryFinishRun          = "run.finish"
	QueryRun                = "run.get"
	QueryCountChipYearsArea = "chip_year.count_area"
)

var catalog = map[string]string{
	QueryIsComplete: `
		SELECT COUNT(*) FROM subregions WHERE area = ? AND polygon_index = ?`,
	QueryMarkComplete: `
		INSERT INTO subregions (area, polygon_index, completed_at, run_id)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (area, polygon_index) DO NOTHING`,
	QueryCompleted: `
		SELECT polygon_index FROM subregions WHERE area = ? ORDER BY polygon_index`,
	QueryRecordChipYear: `
		INSERT INTO chip_years (area, chip_id, base_id, year, recorded_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (area, chip_id, year) DO NOTHING`,
	QueryRecordFailure: `
		INSERT INTO submission_failures
			(run_id, area, polygon_index, tile_id, year, error, failed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
	QueryStartRun: `
		INSERT INTO runs (run_id, area, kind, version, started_at, status)
		VALUES (?, ?, ?, ?, ?, 'running')`,
	QueryFinishRun: `
		UPDATE runs SET finished_at = ?, status = ?, detail = ? WHERE run_id = ?`,
	QueryRun: `
		SELECT run_id, area, kind, version, started_at, finished_at, status, detail
		FROM runs WHERE run_id = ?`,
	QueryCountChipYearsArea: `
		SELECT COUNT(*) FROM chip_years WHERE area = ?`,
}

func lookup(name string) (string, error) {
	q, ok := catalog[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownQuery, name)
	}
	return q, nil
}

// Read runs a named catalog query and returns its rows.
func (db *DB) Read(ctx context.Context, name string, args ...interface{}) (*sql.Rows, error) {
	q, err := lookup(name)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return rows, nil
}

// Write runs a named catalog statement.
func (db *DB) Write(ctx context.Context, name string, args ...interface{}) (sql.Result, error) {
	q, err := lookup(name)
	if err != nil {
		return nil, err
	}
	res, err := db.ExecContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return res, nil
}

func (db *DB) readInt(ctx context.Context, name string, args ...interface{}) (int, error) {
	rows, err := db.Read(ctx, name, args...)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	var n int
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return 0, fmt.Errorf("%s: %w", name, err)
		}
	}
	return n, rows.Err()
}
