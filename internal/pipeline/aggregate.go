package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/banshee-data/landcover.report/internal/align"
	"github.com/banshee-data/landcover.report/internal/landcover"
	"github.com/banshee-data/landcover.report/internal/ledger"
	"github.com/banshee-data/landcover.report/internal/raster"
	"github.com/banshee-data/landcover.report/internal/retry"
	"github.com/banshee-data/landcover.report/internal/sequence"
)

// AggregateReport is the outcome of one aggregation pass.
type AggregateReport struct {
	Processed []string
	// AlreadyDone counts covered chips that already had a summary row.
	AlreadyDone int
	Aligned     []string
	Failed      map[string]error
	Summary     sequence.RunSummary
}

// Aggregate reduces every chip with all years ingested and not yet
// summarised. A chip whose rasters cannot be read or aligned is reported and
// skipped; failures writing the shared outputs stop the pass.
func (p *Pipeline) Aggregate(ctx context.Context) (*AggregateReport, error) {
	if p.opts.Artifacts == nil || p.opts.OutputDir == "" {
		return nil, landcover.Fatalf("artifact store and output dir are required")
	}
	runID, err := p.opts.Ledger.StartRun(ctx, p.opts.Area, ledger.RunAggregate)
	if err != nil {
		return nil, err
	}
	report, err := p.aggregate(ctx)
	detail := ""
	partial := false
	if report != nil {
		detail = fmt.Sprintf("%d chips, %d failed", len(report.Processed), len(report.Failed))
		partial = len(report.Failed) > 0
	}
	p.finish(runID, err, partial, detail)
	return report, err
}

func (p *Pipeline) aggregate(ctx context.Context) (*AggregateReport, error) {
	acc, err := sequence.OpenAccumulator(p.opts.OutputFS, p.opts.OutputDir, p.labels)
	if err != nil {
		return nil, err
	}
	if p.opts.Quicklook {
		acc.EnableQuicklook(sequence.NewQuicklook(p.opts.OutputFS, p.opts.OutputDir))
	}
	outputs := &raster.Store{FS: p.opts.OutputFS, Dir: p.opts.OutputDir}

	var covered []string
	err = p.opts.Retry.Do(ctx, func() error {
		var err error
		covered, err = p.opts.Ledger.ChipsWithCoverage(ctx, p.opts.Area, p.labels)
		if ledger.IsTransient(err) {
			return retry.Transient(err)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list covered chips: %w", err)
	}

	report := &AggregateReport{Failed: make(map[string]error)}
	var todo []string
	for _, chip := range covered {
		if acc.Done(chip) {
			report.AlreadyDone++
			continue
		}
		todo = append(todo, chip)
	}
	logf("%s: %d chips to aggregate, %d already done", p.opts.Area, len(todo), report.AlreadyDone)

	var elapsed time.Duration
	for i, chip := range todo {
		if err := ctx.Err(); err != nil {
			report.Summary = acc.Summary()
			return report, err
		}
		started := p.opts.Clock.Now()

		aligned, err := p.reduceChip(chip, acc, outputs)
		if errors.Is(err, errChip) {
			logf("chip %s: %v", chip, err)
			report.Failed[chip] = err
			continue
		}
		if err != nil {
			report.Summary = acc.Summary()
			return report, fmt.Errorf("chip %s: %w", chip, err)
		}
		report.Processed = append(report.Processed, chip)
		if aligned {
			report.Aligned = append(report.Aligned, chip)
		}

		elapsed += p.opts.Clock.Since(started)
		done := i + 1
		eta := elapsed / time.Duration(done) * time.Duration(len(todo)-done)
		logf("chip %s done (%d/%d), eta %s", chip, done, len(todo), eta.Round(time.Second))
	}

	report.Summary = acc.Summary()
	s := report.Summary
	logf("%s: %d tiles, %.0f changed pixels (median %.1f, max %.0f per tile)",
		p.opts.Area, s.Tiles, s.TotalChanged, s.MedianChanged, s.MaxChanged)
	return report, nil
}

// reduceChip loads, aligns and reduces one chip and records the result.
// Errors wrapping errChip are confined to the chip.
func (p *Pipeline) reduceChip(chip string, acc *sequence.Accumulator, outputs *raster.Store) (bool, error) {
	years := make([]*raster.Raster, len(p.labels))
	for i, label := range p.labels {
		r, err := p.opts.Artifacts.LoadYear(chip, label)
		if err != nil {
			return false, fmt.Errorf("%w: load %s: %v", errChip, label, err)
		}
		years[i] = r
	}

	years, changed, err := align.Align(years)
	if err != nil {
		return false, fmt.Errorf("%w: align: %v", errChip, err)
	}
	if changed {
		logf("chip %s: realigned %d rasters to a common grid", chip, len(years))
	}

	res, err := sequence.Reduce(chip, p.labels, years)
	if err != nil {
		return false, fmt.Errorf("%w: reduce: %v", errChip, err)
	}
	if err := outputs.SaveDynamics(chip, res.Codes); err != nil {
		return false, fmt.Errorf("save dynamics: %w", err)
	}
	if err := acc.Record(res); err != nil {
		return false, err
	}
	if !p.opts.KeepArtifacts {
		if err := p.opts.Artifacts.RemoveYears(chip, p.labels); err != nil {
			logf("chip %s: %v", chip, err)
		}
	}
	return changed, nil
}

func sortedKeys(m map[string][]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
