// Package pipeline runs the three passes over one area: export submits a
// classification job per tile and year, ingest records which yearly rasters
// have landed, and aggregate reduces every fully covered tile into dynamicity
// codes and the change-sequence histogram.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/landcover.report/internal/classify"
	"github.com/banshee-data/landcover.report/internal/fsutil"
	"github.com/banshee-data/landcover.report/internal/geo"
	"github.com/banshee-data/landcover.report/internal/landcover"
	"github.com/banshee-data/landcover.report/internal/ledger"
	"github.com/banshee-data/landcover.report/internal/monitoring"
	"github.com/banshee-data/landcover.report/internal/raster"
	"github.com/banshee-data/landcover.report/internal/retry"
	"github.com/banshee-data/landcover.report/internal/scheduler"
	"github.com/banshee-data/landcover.report/internal/tiling"
	"github.com/banshee-data/landcover.report/internal/timeutil"
)

var logf = monitoring.Component("Pipeline")

// Ledger is the persistence used across all passes.
type Ledger interface {
	scheduler.Ledger
	RecordClassification(ctx context.Context, area, chip, year string) error
	ChipsWithCoverage(ctx context.Context, area string, years []string) ([]string, error)
	StartRun(ctx context.Context, area, kind string) (string, error)
	FinishRun(ctx context.Context, runID, status, detail string) error
}

// Options wires a Pipeline. Service and Boundary are only needed by Export.
type Options struct {
	Area   string
	Ranges []landcover.TimeRange

	Boundary   geo.BoundarySource
	CellMeters float64
	Service    classify.Service
	Scheduler  scheduler.Config

	Ledger Ledger

	// Artifacts holds the yearly tile rasters; OutputFS/OutputDir receive
	// the dynamics rasters and CSV outputs.
	Artifacts     *raster.Store
	OutputFS      fsutil.FileSystem
	OutputDir     string
	Quicklook     bool
	KeepArtifacts bool

	// Retry wraps ledger reads during aggregation.
	Retry *retry.Policy
	Clock timeutil.Clock
}

// Pipeline runs passes for one area.
type Pipeline struct {
	opts   Options
	labels []string
}

// New validates opts. Problems are fatal configuration errors.
func New(opts Options) (*Pipeline, error) {
	if opts.Area == "" {
		return nil, landcover.Fatalf("area name is required")
	}
	if err := landcover.ValidateRanges(opts.Ranges); err != nil {
		return nil, err
	}
	if opts.Ledger == nil {
		return nil, landcover.Fatalf("ledger is required")
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.OutputFS == nil {
		opts.OutputFS = fsutil.OSFileSystem{}
	}
	if opts.Retry == nil {
		opts.Retry = &retry.Policy{Name: "ledger", Interval: 30 * time.Second}
	}
	if opts.Retry.Clock == nil {
		p := *opts.Retry
		p.Clock = opts.Clock
		opts.Retry = &p
	}
	return &Pipeline{opts: opts, labels: landcover.Labels(opts.Ranges)}, nil
}

// finish closes a run record, logging rather than masking err.
func (p *Pipeline) finish(runID string, err error, partial bool, detail string) {
	status := ledger.StatusSucceeded
	switch {
	case err != nil:
		status = ledger.StatusFailed
		detail = err.Error()
	case partial:
		status = ledger.StatusPartial
	}
	// The run may have been cancelled; the record still gets closed.
	if ferr := p.opts.Ledger.FinishRun(context.Background(), runID, status, detail); ferr != nil {
		logf("close run %s: %v", runID, ferr)
	}
}

// Export tiles the area and submits every outstanding tile and year. All
// configuration is checked before the first submission.
func (p *Pipeline) Export(ctx context.Context) (*scheduler.Report, error) {
	if p.opts.Boundary == nil {
		return nil, landcover.Fatalf("boundary source is required")
	}
	if p.opts.Service == nil {
		return nil, landcover.Fatalf("classification service is required")
	}
	tiler, err := tiling.NewTiler(p.opts.CellMeters)
	if err != nil {
		return nil, err
	}
	area, err := p.opts.Boundary.Boundary(ctx, p.opts.Area)
	if err != nil {
		return nil, err
	}
	tiles, err := tiler.Tile(area)
	if err != nil {
		return nil, err
	}
	for _, s := range tiles.Skipped {
		logf("skipped subregion %d (col %d row %d): %v", s.Subregion, s.Col, s.Row, s.Err)
	}

	runID, err := p.opts.Ledger.StartRun(ctx, p.opts.Area, ledger.RunExport)
	if err != nil {
		return nil, err
	}
	cfg := p.opts.Scheduler
	cfg.Area = p.opts.Area
	cfg.RunID = runID
	if cfg.Clock == nil {
		cfg.Clock = p.opts.Clock
	}
	sched, err := scheduler.New(p.opts.Service, p.opts.Ledger, cfg)
	if err != nil {
		p.finish(runID, err, false, "")
		return nil, err
	}

	report, err := sched.Run(ctx, tiles, p.opts.Ranges)
	detail := ""
	partial := false
	if report != nil {
		detail = report.Summary()
		partial = len(report.Failures) > 0
	}
	p.finish(runID, err, partial, detail)
	return report, err
}

// Ingest records every yearly artifact present in the artifact store and
// returns how many chip/year pairs were seen.
func (p *Pipeline) Ingest(ctx context.Context) (int, error) {
	if p.opts.Artifacts == nil {
		return 0, landcover.Fatalf("artifact store is required")
	}
	runID, err := p.opts.Ledger.StartRun(ctx, p.opts.Area, ledger.RunIngest)
	if err != nil {
		return 0, err
	}
	n, err := p.ingest(ctx)
	p.finish(runID, err, false, fmt.Sprintf("%d chip years", n))
	return n, err
}

func (p *Pipeline) ingest(ctx context.Context) (int, error) {
	found, err := p.opts.Artifacts.YearArtifacts(p.labels)
	if err != nil {
		return 0, fmt.Errorf("scan artifacts: %w", err)
	}
	n := 0
	for _, chip := range sortedKeys(found) {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		for _, year := range found[chip] {
			if err := p.opts.Ledger.RecordClassification(ctx, p.opts.Area, chip, year); err != nil {
				return n, err
			}
			n++
		}
	}
	logf("%s: recorded %d chip years across %d chips", p.opts.Area, n, len(found))
	return n, nil
}

// errChip marks failures confined to one chip.
var errChip = errors.New("chip failed")
