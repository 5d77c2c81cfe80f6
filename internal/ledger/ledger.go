package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/banshee-data/landcover.report/internal/tiling"
	"github.com/banshee-data/landcover.report/internal/version"
)

// Run kinds.
const (
	RunExport    = "export"
	RunIngest    = "ingest"
	RunAggregate = "aggregate"
)

// Run statuses.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusPartial   = "partial"
	StatusFailed    = "failed"
)

// Failure is a recorded submission failure.
type Failure struct {
	ID           int64
	RunID        string
	Area         string
	PolygonIndex int
	TileID       string
	Year         string
	Err          string
	FailedAt     time.Time
}

// FailureFilter narrows Failures. Zero fields match everything.
type FailureFilter struct {
	Area         string
	RunID        string
	PolygonIndex *int
}

// Run is a pipeline invocation record.
type Run struct {
	ID         string
	Area       string
	Kind       string
	Version    string
	StartedAt  time.Time
	FinishedAt *time.Time
	Status     string
	Detail     string
}

// IsComplete reports whether subregion sub of area has been marked complete.
func (db *DB) IsComplete(ctx context.Context, area string, sub int) (bool, error) {
	n, err := db.readInt(ctx, QueryIsComplete, area, sub)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkComplete records that every tile of the subregion was submitted.
// Calling it again for the same subregion is a no-op.
func (db *DB) MarkComplete(ctx context.Context, area string, sub int, runID string) error {
	_, err := db.Write(ctx, QueryMarkComplete, area, sub, db.now(), nullable(runID))
	return err
}

// CompletedSubregions lists the completed subregion indices of area.
func (db *DB) CompletedSubregions(ctx context.Context, area string) ([]int, error) {
	rows, err := db.Read(ctx, QueryCompleted, area)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int
	for rows.Next() {
		var idx int
		if err := rows.Scan(&idx); err != nil {
			return nil, err
		}
		out = append(out, idx)
	}
	return out, rows.Err()
}

// RecordClassification notes that the raster for chip and year exists.
func (db *DB) RecordClassification(ctx context.Context, area, chip, year string) error {
	_, err := db.Write(ctx, QueryRecordChipYear, area, chip, tiling.BaseID(chip), year, db.now())
	return err
}

// IsTileAlreadyProcessed reports whether the base id of tileID has every
// one of years recorded. Parts of one multi-part tile share the base id.
func (db *DB) IsTileAlreadyProcessed(ctx context.Context, area, tileID string, years []string) (bool, error) {
	if len(years) == 0 {
		return false, nil
	}
	var n int
	err := db.sb.
		Select("COUNT(DISTINCT year)").
		From("chip_years").
		Where(sq.Eq{"area": area, "base_id": tiling.BaseID(tileID), "year": years}).
		QueryRowContext(ctx).
		Scan(&n)
	if err != nil {
		return false, fmt.Errorf("tile %s processed: %w", tileID, err)
	}
	return n == len(uniq(years)), nil
}

// ProcessedBaseIDs returns every base id of area with all of years recorded.
func (db *DB) ProcessedBaseIDs(ctx context.Context, area string, years []string) (map[string]bool, error) {
	out := make(map[string]bool)
	if len(years) == 0 {
		return out, nil
	}
	rows, err := db.sb.
		Select("base_id").
		From("chip_years").
		Where(sq.Eq{"area": area, "year": years}).
		GroupBy("base_id").
		Having("COUNT(DISTINCT year) = ?", len(uniq(years))).
		QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("processed base ids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var base string
		if err := rows.Scan(&base); err != nil {
			return nil, err
		}
		out[base] = true
	}
	return out, rows.Err()
}

func uniq(years []string) map[string]struct{} {
	m := make(map[string]struct{}, len(years))
	for _, y := range years {
		m[y] = struct{}{}
	}
	return m
}

// ChipsWithCoverage returns the chips of area that have every one of years
// recorded, sorted.
func (db *DB) ChipsWithCoverage(ctx context.Context, area string, years []string) ([]string, error) {
	if len(years) == 0 {
		return nil, nil
	}
	rows, err := db.sb.
		Select("chip_id").
		From("chip_years").
		Where(sq.Eq{"area": area, "year": years}).
		GroupBy("chip_id").
		Having("COUNT(DISTINCT year) = ?", len(uniq(years))).
		OrderBy("chip_id").
		QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("chips with coverage: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var chip string
		if err := rows.Scan(&chip); err != nil {
			return nil, err
		}
		out = append(out, chip)
	}
	return out, rows.Err()
}

// RecordFailure stores a failed submission.
func (db *DB) RecordFailure(ctx context.Context, f Failure) error {
	at := f.FailedAt
	if at.IsZero() {
		at = db.clock.Now()
	}
	_, err := db.Write(ctx, QueryRecordFailure,
		nullable(f.RunID), f.Area, f.PolygonIndex, f.TileID, f.Year, f.Err,
		at.UTC().Format(timeLayout))
	return err
}

// Failures lists recorded submission failures, oldest first.
func (db *DB) Failures(ctx context.Context, filter FailureFilter) ([]Failure, error) {
	b := db.sb.
		Select("failure_id", "COALESCE(run_id, '')", "area", "polygon_index", "tile_id", "year", "error", "failed_at").
		From("submission_failures").
		OrderBy("failure_id")
	if filter.Area != "" {
		b = b.Where(sq.Eq{"area": filter.Area})
	}
	if filter.RunID != "" {
		b = b.Where(sq.Eq{"run_id": filter.RunID})
	}
	if filter.PolygonIndex != nil {
		b = b.Where(sq.Eq{"polygon_index": *filter.PolygonIndex})
	}

	rows, err := b.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failures: %w", err)
	}
	defer rows.Close()

	var out []Failure
	for rows.Next() {
		var f Failure
		var at string
		if err := rows.Scan(&f.ID, &f.RunID, &f.Area, &f.PolygonIndex, &f.TileID, &f.Year, &f.Err, &at); err != nil {
			return nil, err
		}
		if f.FailedAt, err = time.Parse(timeLayout, at); err != nil {
			return nil, fmt.Errorf("failure %d: bad timestamp %q: %w", f.ID, at, err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// StartRun inserts a running run record and returns its id.
func (db *DB) StartRun(ctx context.Context, area, kind string) (string, error) {
	id := uuid.NewString()
	if _, err := db.Write(ctx, QueryStartRun, id, area, kind, version.String(), db.now()); err != nil {
		return "", err
	}
	return id, nil
}

// FinishRun closes a run record with its final status.
func (db *DB) FinishRun(ctx context.Context, runID, status, detail string) error {
	res, err := db.Write(ctx, QueryFinishRun, db.now(), status, detail, runID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("finish run %s: %w", runID, sql.ErrNoRows)
	}
	return nil
}

// GetRun loads a run record.
func (db *DB) GetRun(ctx context.Context, runID string) (*Run, error) {
	rows, err := db.Read(ctx, QueryRun, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("run %s: %w", runID, sql.ErrNoRows)
	}

	var r Run
	var started string
	var finished, detail sql.NullString
	if err := rows.Scan(&r.ID, &r.Area, &r.Kind, &r.Version, &started, &finished, &r.Status, &detail); err != nil {
		return nil, err
	}
	if r.StartedAt, err = time.Parse(timeLayout, started); err != nil {
		return nil, err
	}
	if finished.Valid {
		t, err := time.Parse(timeLayout, finished.String)
		if err != nil {
			return nil, err
		}
		r.FinishedAt = &t
	}
	r.Detail = detail.String
	return &r, nil
}

// Status summarises the ledger state of one area.
type Status struct {
	Area                string
	CompletedSubregions []int
	ChipYears           int
	Failures            int
}

// AreaStatus collects a Status for area.
func (db *DB) AreaStatus(ctx context.Context, area string) (*Status, error) {
	done, err := db.CompletedSubregions(ctx, area)
	if err != nil {
		return nil, err
	}
	n, err := db.readInt(ctx, QueryCountChipYearsArea, area)
	if err != nil {
		return nil, err
	}
	failures, err := db.Failures(ctx, FailureFilter{Area: area})
	if err != nil {
		return nil, err
	}
	return &Status{Area: area, CompletedSubregions: done, ChipYears: n, Failures: len(failures)}, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
