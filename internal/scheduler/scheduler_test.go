package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ctessum/geom"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/banshee-data/landcover.report/internal/classify"
	"github.com/banshee-data/landcover.report/internal/landcover"
	"github.com/banshee-data/landcover.report/internal/ledger"
	"github.com/banshee-data/landcover.report/internal/retry"
	"github.com/banshee-data/landcover.report/internal/testutil"
	"github.com/banshee-data/landcover.report/internal/tiling"
	"github.com/banshee-data/landcover.report/internal/timeutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeService struct {
	mu        sync.Mutex
	inFlight  []int // successive poll results; the last one repeats
	polls     int
	requests  []classify.Request
	submitErr map[string][]error // by output name, consumed in order
	onSubmit  func(classify.Request)
}

func (f *fakeService) Submit(ctx context.Context, req classify.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if errs := f.submitErr[req.OutputName]; len(errs) > 0 {
		f.submitErr[req.OutputName] = errs[1:]
		return "", errs[0]
	}
	f.requests = append(f.requests, req)
	if f.onSubmit != nil {
		f.onSubmit(req)
	}
	return fmt.Sprintf("job-%d", len(f.requests)), nil
}

func (f *fakeService) InFlight(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if len(f.inFlight) == 0 {
		return 0, nil
	}
	n := f.inFlight[0]
	if len(f.inFlight) > 1 {
		f.inFlight = f.inFlight[1:]
	}
	return n, nil
}

func (f *fakeService) outputs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, r := range f.requests {
		out = append(out, r.OutputName)
	}
	return out
}

type fakeLedger struct {
	complete  map[int]bool
	processed map[string]bool
	years     []string
	failures  []ledger.Failure
	marks     []int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{complete: map[int]bool{}, processed: map[string]bool{}}
}

func (l *fakeLedger) IsComplete(ctx context.Context, area string, sub int) (bool, error) {
	return l.complete[sub], nil
}

func (l *fakeLedger) MarkComplete(ctx context.Context, area string, sub int, runID string) error {
	l.complete[sub] = true
	l.marks = append(l.marks, sub)
	return nil
}

func (l *fakeLedger) ProcessedBaseIDs(ctx context.Context, area string, years []string) (map[string]bool, error) {
	l.years = years
	return l.processed, nil
}

func (l *fakeLedger) RecordFailure(ctx context.Context, f ledger.Failure) error {
	l.failures = append(l.failures, f)
	return nil
}

func square(x, y float64) geom.Polygon {
	return geom.Polygon{{{X: x, Y: y}, {X: x + 1, Y: y}, {X: x + 1, Y: y + 1}, {X: x, Y: y + 1}}}
}

func tile(sub, col, row int) tiling.Tile {
	return tiling.Tile{
		ID:       tiling.ID{Subregion: sub, Col: col, Row: row},
		Geometry: square(float64(col), float64(row)),
	}
}

func newTestScheduler(t *testing.T, svc *fakeService, l *fakeLedger, clock *timeutil.MockClock) *Scheduler {
	t.Helper()
	s, err := New(svc, l, Config{
		Area:      "Denmark",
		RunID:     "run-1",
		BatchSize: 2,
		Clock:     clock,
		Retry:     &retry.Policy{Name: "test", Interval: 30 * time.Second, MaxRetries: 3},
	})
	require.NoError(t, err)
	return s
}

var start = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestRun_SubmitsEveryTileAndYear(t *testing.T) {
	svc := &fakeService{}
	l := newFakeLedger()
	s := newTestScheduler(t, svc, l, timeutil.NewMockClock(start))

	tiles := &tiling.Result{Tiles: []tiling.Tile{tile(0, 0, 0), tile(0, 1, 0), tile(0, 0, 1), tile(1, 0, 0)}}
	report, err := s.Run(context.Background(), tiles, testutil.Ranges(t, 2016, 2017))
	require.NoError(t, err)

	assert.Equal(t, []string{
		"0_0_0_2016", "0_0_0_2017", "0_1_0_2016", "0_1_0_2017",
		"0_0_1_2016", "0_0_1_2017", "1_0_0_2016", "1_0_0_2017",
	}, svc.outputs())
	assert.Equal(t, map[State]int{StateSucceeded: 8}, report.Counts())
	assert.Equal(t, []string{"0_0_0", "0_1_0", "0_0_1", "1_0_0"}, report.Done)
	assert.Equal(t, []int{0, 1}, l.marks)
	assert.Equal(t, []int{0, 1}, report.Completed)
	assert.Equal(t, "job-1", report.Jobs[0].JobID)

	req := svc.requests[0]
	assert.Equal(t, "DenmarkDynamicWorld", req.Folder)
	assert.Equal(t, 10.0, req.ScaleMeters)
	assert.Equal(t, "0_0_0", req.TileID)
}

func TestRun_SkipsCompletedAndProcessed(t *testing.T) {
	svc := &fakeService{}
	l := newFakeLedger()
	l.complete[0] = true
	l.processed["1_0_0"] = true
	s := newTestScheduler(t, svc, l, timeutil.NewMockClock(start))

	multi := tile(1, 0, 0)
	multi.ID.MultiPart, multi.ID.Part = true, 1
	tiles := &tiling.Result{Tiles: []tiling.Tile{tile(0, 0, 0), multi, tile(1, 1, 0)}}
	report, err := s.Run(context.Background(), tiles, testutil.Ranges(t, 2016))
	require.NoError(t, err)

	assert.Equal(t, []string{"1_1_0_2016"}, svc.outputs())
	assert.Equal(t, map[State]int{StateSkipped: 2, StateSucceeded: 1}, report.Counts())
	assert.Equal(t, []int{1}, l.marks, "completed subregions are not marked again")
	assert.Equal(t, []string{"2016"}, l.years, "processed tiles are looked up by the requested years")
}

func TestRun_BackpressurePollsFreshCount(t *testing.T) {
	svc := &fakeService{inFlight: []int{3500, 3001, 3000, 10}}
	l := newFakeLedger()
	clock := timeutil.NewMockClock(start)
	s := newTestScheduler(t, svc, l, clock)

	tiles := &tiling.Result{Tiles: []tiling.Tile{tile(0, 0, 0)}}
	report, err := s.Run(context.Background(), tiles, testutil.Ranges(t, 2016, 2017))
	require.NoError(t, err)

	// Two over-limit polls, then 3000 is at the ceiling and allowed through.
	assert.Equal(t, []time.Duration{DefaultPollInterval, DefaultPollInterval}, clock.Sleeps())
	assert.Equal(t, 4, svc.polls, "one poll per iteration plus one for the second job")
	assert.Equal(t, map[State]int{StateSucceeded: 2}, report.Counts())
}

func TestRun_TransientErrorsAreRetried(t *testing.T) {
	svc := &fakeService{submitErr: map[string][]error{
		"0_0_0_2016": {retry.Transient(errors.New("503")), retry.Transient(errors.New("429"))},
	}}
	l := newFakeLedger()
	clock := timeutil.NewMockClock(start)
	s := newTestScheduler(t, svc, l, clock)

	report, err := s.Run(context.Background(), &tiling.Result{Tiles: []tiling.Tile{tile(0, 0, 0)}}, testutil.Ranges(t, 2016))
	require.NoError(t, err)

	assert.Equal(t, map[State]int{StateSucceeded: 1}, report.Counts())
	assert.Equal(t, []time.Duration{30 * time.Second, 30 * time.Second}, clock.Sleeps())
	assert.Empty(t, l.failures)
	assert.Equal(t, []int{0}, l.marks)
}

func TestRun_PermanentFailureKeepsSubregionOpen(t *testing.T) {
	svc := &fakeService{submitErr: map[string][]error{
		"0_1_0_2017": {errors.New("region rejected")},
	}}
	l := newFakeLedger()
	s := newTestScheduler(t, svc, l, timeutil.NewMockClock(start))

	tiles := &tiling.Result{Tiles: []tiling.Tile{tile(0, 0, 0), tile(0, 1, 0), tile(0, 2, 0), tile(1, 0, 0)}}
	report, err := s.Run(context.Background(), tiles, testutil.Ranges(t, 2016, 2017))
	require.NoError(t, err)

	assert.Equal(t, map[State]int{StateSucceeded: 7, StateFailed: 1}, report.Counts())
	assert.Equal(t, []int{1}, l.marks, "subregion 0 stays open")

	require.Len(t, report.Failures, 1)
	f := report.Failures[0]
	assert.Equal(t, "0_1_0", f.TileID)
	assert.Equal(t, "2017", f.Year)
	assert.EqualError(t, f, "subregion 0 tile 0_1_0 year 2017: region rejected")

	require.Len(t, l.failures, 1)
	assert.Equal(t, "run-1", l.failures[0].RunID)
	assert.Equal(t, "Denmark", l.failures[0].Area)
	assert.Equal(t, "region rejected", l.failures[0].Err)

	// The rest of the window still ran.
	assert.Contains(t, svc.outputs(), "0_1_0_2016")
	assert.Contains(t, svc.outputs(), "0_2_0_2017")
	// The window holding the failure is not reported done; later windows are.
	assert.Equal(t, []string{"0_2_0", "1_0_0"}, report.Done)
}

func TestRun_ExhaustedRetriesBecomeFailures(t *testing.T) {
	transient := retry.Transient(errors.New("503"))
	svc := &fakeService{submitErr: map[string][]error{
		"0_0_0_2016": {transient, transient, transient, transient},
	}}
	l := newFakeLedger()
	s := newTestScheduler(t, svc, l, timeutil.NewMockClock(start))

	report, err := s.Run(context.Background(), &tiling.Result{Tiles: []tiling.Tile{tile(0, 0, 0)}}, testutil.Ranges(t, 2016))
	require.NoError(t, err)
	assert.Equal(t, map[State]int{StateFailed: 1}, report.Counts())
	assert.Empty(t, l.marks)
}

func TestRun_CancelStopsAtTileBoundary(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc := &fakeService{}
	svc.onSubmit = func(req classify.Request) {
		if req.OutputName == "0_0_0_2017" {
			cancel()
		}
	}
	l := newFakeLedger()
	s := newTestScheduler(t, svc, l, timeutil.NewMockClock(start))

	tiles := &tiling.Result{Tiles: []tiling.Tile{tile(0, 0, 0), tile(0, 1, 0)}}
	report, err := s.Run(ctx, tiles, testutil.Ranges(t, 2016, 2017))
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, report)

	assert.Equal(t, []string{"0_0_0_2016", "0_0_0_2017"}, svc.outputs())
	assert.Empty(t, l.marks)
}

func TestRun_RejectsBadRanges(t *testing.T) {
	svc := &fakeService{}
	s := newTestScheduler(t, svc, newFakeLedger(), timeutil.NewMockClock(start))

	_, err := s.Run(context.Background(), &tiling.Result{Tiles: []tiling.Tile{tile(0, 0, 0)}}, nil)
	assert.ErrorIs(t, err, landcover.ErrFatalConfiguration)
	assert.Zero(t, svc.polls)
}

func TestNew_RequiresArea(t *testing.T) {
	_, err := New(&fakeService{}, newFakeLedger(), Config{})
	assert.ErrorIs(t, err, landcover.ErrFatalConfiguration)
}

func TestReport_Summary(t *testing.T) {
	r := &Report{}
	assert.Equal(t, "no jobs", r.Summary())
	r.addSkipped(0, tile(0, 0, 0), testutil.Ranges(t, 2016, 2017))
	r.add(0, tile(0, 1, 0), testutil.Ranges(t, 2016)[0]).State = StateFailed
	assert.Equal(t, "skipped=2 failed=1", r.Summary())
}
