// Package testutil provides shared test fixtures: a migrated ledger in a
// temporary directory and yearly time ranges.
package testutil

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/banshee-data/landcover.report/internal/landcover"
	"github.com/banshee-data/landcover.report/internal/ledger"
)

// AssertNoError fails the test if err is not nil.
func AssertNoError(t testing.TB, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// Ranges returns calendar-year ranges for years, in the given order.
func Ranges(t testing.TB, years ...int) []landcover.TimeRange {
	t.Helper()
	out := make([]landcover.TimeRange, 0, len(years))
	for _, y := range years {
		r, err := landcover.NewTimeRange(fmt.Sprintf("%d-01-01", y), fmt.Sprintf("%d-01-01", y+1))
		AssertNoError(t, err)
		out = append(out, r)
	}
	return out
}

// NewLedger opens a migrated ledger in t.TempDir and closes it on cleanup.
func NewLedger(t testing.TB) *ledger.DB {
	t.Helper()
	db, err := ledger.NewDB(filepath.Join(t.TempDir(), "ledger.db"))
	AssertNoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}
