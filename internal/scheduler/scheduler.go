// Package scheduler submits one classification job per tile and year while
// keeping the service queue under a ceiling. Progress is persisted per
// subregion so an interrupted export resumes where it stopped.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/banshee-data/landcover.report/internal/classify"
	"github.com/banshee-data/landcover.report/internal/landcover"
	"github.com/banshee-data/landcover.report/internal/ledger"
	"github.com/banshee-data/landcover.report/internal/monitoring"
	"github.com/banshee-data/landcover.report/internal/retry"
	"github.com/banshee-data/landcover.report/internal/security"
	"github.com/banshee-data/landcover.report/internal/tiling"
	"github.com/banshee-data/landcover.report/internal/timeutil"
)

var logf = monitoring.Component("Scheduler")

// Defaults used when Config leaves a field zero.
const (
	DefaultBatchSize    = 10
	DefaultMaxInFlight  = 3000
	DefaultPollInterval = 10 * time.Second
	DefaultScaleMeters  = 10
)

// Ledger is the persistence the scheduler needs.
type Ledger interface {
	IsComplete(ctx context.Context, area string, sub int) (bool, error)
	MarkComplete(ctx context.Context, area string, sub int, runID string) error
	ProcessedBaseIDs(ctx context.Context, area string, years []string) (map[string]bool, error)
	RecordFailure(ctx context.Context, f ledger.Failure) error
}

// Config controls a scheduler run.
type Config struct {
	Area   string
	Folder string
	RunID  string

	ScaleMeters  float64
	BatchSize    int
	MaxInFlight  int
	PollInterval time.Duration

	// Retry handles transient service errors. Nil retries every 30s forever.
	Retry *retry.Policy
	Clock timeutil.Clock
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Folder == "" {
		out.Folder = security.SanitizeFilename(out.Area) + "DynamicWorld"
	}
	if out.ScaleMeters <= 0 {
		out.ScaleMeters = DefaultScaleMeters
	}
	if out.BatchSize <= 0 {
		out.BatchSize = DefaultBatchSize
	}
	if out.MaxInFlight <= 0 {
		out.MaxInFlight = DefaultMaxInFlight
	}
	if out.PollInterval <= 0 {
		out.PollInterval = DefaultPollInterval
	}
	if out.Clock == nil {
		out.Clock = timeutil.RealClock{}
	}
	if out.Retry == nil {
		out.Retry = &retry.Policy{Name: "classification-service", Interval: 30 * time.Second}
	}
	if out.Retry.Clock == nil {
		p := *out.Retry
		p.Clock = out.Clock
		out.Retry = &p
	}
	return out
}

// Scheduler drives exports for one area.
type Scheduler struct {
	svc    classify.Service
	ledger Ledger
	cfg    Config
}

// New returns a scheduler; zero Config fields take their defaults.
func New(svc classify.Service, l Ledger, cfg Config) (*Scheduler, error) {
	if svc == nil || l == nil {
		return nil, errors.New("scheduler: service and ledger are required")
	}
	if cfg.Area == "" {
		return nil, landcover.Fatalf("scheduler: area name is required")
	}
	return &Scheduler{svc: svc, ledger: l, cfg: cfg.withDefaults()}, nil
}

// Run submits every outstanding tile of tiles for every range. It stops at
// the next tile boundary when ctx is cancelled and returns the partial report
// alongside ctx's error.
func (s *Scheduler) Run(ctx context.Context, tiles *tiling.Result, ranges []landcover.TimeRange) (*Report, error) {
	if err := landcover.ValidateRanges(ranges); err != nil {
		return nil, err
	}
	if tiles == nil {
		return nil, landcover.Fatalf("scheduler: no tiles")
	}

	report := &Report{}
	processed, err := s.ledger.ProcessedBaseIDs(ctx, s.cfg.Area, landcover.Labels(ranges))
	if err != nil {
		return nil, fmt.Errorf("load processed tiles: %w", err)
	}

	bySub := tiles.BySubregion()
	subs := make([]int, 0, len(bySub))
	for idx := range bySub {
		subs = append(subs, idx)
	}
	sort.Ints(subs)

	for _, idx := range subs {
		if err := s.runSubregion(ctx, idx, bySub[idx], ranges, processed, report); err != nil {
			return report, err
		}
	}
	logf("%s: %s", s.cfg.Area, report.Summary())
	return report, nil
}

func (s *Scheduler) runSubregion(ctx context.Context, idx int, tiles []tiling.Tile, ranges []landcover.TimeRange,
	processed map[string]bool, report *Report) error {
	done, err := s.ledger.IsComplete(ctx, s.cfg.Area, idx)
	if err != nil {
		return fmt.Errorf("subregion %d: %w", idx, err)
	}
	if done {
		logf("subregion %d of %s already complete, skipping %d tiles", idx, s.cfg.Area, len(tiles))
		for _, t := range tiles {
			report.addSkipped(idx, t, ranges)
		}
		return nil
	}

	var worklist []tiling.Tile
	for _, t := range tiles {
		if processed[t.ID.Base()] {
			report.addSkipped(idx, t, ranges)
			continue
		}
		worklist = append(worklist, t)
	}

	failed := false
	windows := (len(worklist) + s.cfg.BatchSize - 1) / s.cfg.BatchSize
	for w := 0; w < windows; w++ {
		lo := w * s.cfg.BatchSize
		hi := min(lo+s.cfg.BatchSize, len(worklist))
		logf("subregion %d: window %d of %d (%d tiles)", idx, w+1, windows, hi-lo)

		windowFailed := false
		for _, t := range worklist[lo:hi] {
			if err := ctx.Err(); err != nil {
				return err
			}
			for _, r := range ranges {
				job := report.add(idx, t, r)
				if err := s.submit(ctx, job); err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					var sf *SubmissionFailure
					if !errors.As(err, &sf) {
						return err
					}
					windowFailed = true
					report.Failures = append(report.Failures, sf)
				}
			}
		}
		if windowFailed {
			failed = true
			continue
		}
		for _, t := range worklist[lo:hi] {
			report.Done = append(report.Done, t.Key())
		}
	}

	if failed {
		logf("subregion %d of %s left open after failed submissions", idx, s.cfg.Area)
		return nil
	}
	if err := s.ledger.MarkComplete(ctx, s.cfg.Area, idx, s.cfg.RunID); err != nil {
		return fmt.Errorf("mark subregion %d complete: %w", idx, err)
	}
	report.Completed = append(report.Completed, idx)
	return nil
}

// submit moves job through QUEUED and SUBMITTED to SUCCEEDED or FAILED. A
// permanent rejection is returned as a *SubmissionFailure.
func (s *Scheduler) submit(ctx context.Context, job *Job) error {
	if err := s.waitForCapacity(ctx); err != nil {
		return err
	}
	job.State = StateQueued

	req := classify.Request{
		TileID:      job.TileID,
		Geometry:    job.tile.Geometry,
		Range:       job.Range,
		Folder:      s.cfg.Folder,
		OutputName:  classify.OutputName(job.TileID, job.Range),
		ScaleMeters: s.cfg.ScaleMeters,
	}
	job.State = StateSubmitted
	err := s.cfg.Retry.Do(ctx, func() error {
		id, err := s.svc.Submit(ctx, req)
		if err != nil {
			return err
		}
		job.JobID = id
		return nil
	})
	if err == nil {
		job.State = StateSucceeded
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	job.State = StateFailed
	job.Err = err
	sf := &SubmissionFailure{Subregion: job.Subregion, TileID: job.TileID, Year: job.Range.Label(), Err: err}
	logf("submission failed: %v", sf)
	rec := ledger.Failure{
		RunID:        s.cfg.RunID,
		Area:         s.cfg.Area,
		PolygonIndex: job.Subregion,
		TileID:       job.TileID,
		Year:         job.Range.Label(),
		Err:          err.Error(),
		FailedAt:     s.cfg.Clock.Now(),
	}
	if lerr := s.ledger.RecordFailure(ctx, rec); lerr != nil {
		return fmt.Errorf("record failure for %s: %w", job.TileID, lerr)
	}
	return sf
}

// waitForCapacity blocks while the service holds more than MaxInFlight
// queued jobs, polling a fresh count every PollInterval.
func (s *Scheduler) waitForCapacity(ctx context.Context) error {
	for {
		var n int
		err := s.cfg.Retry.Do(ctx, func() error {
			var err error
			n, err = s.svc.InFlight(ctx)
			return err
		})
		if err != nil {
			return fmt.Errorf("poll in-flight jobs: %w", err)
		}
		if n <= s.cfg.MaxInFlight {
			return nil
		}
		logf("%d jobs in flight (max %d), waiting %s", n, s.cfg.MaxInFlight, s.cfg.PollInterval)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.cfg.Clock.After(s.cfg.PollInterval):
		}
	}
}
