package sequence

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/banshee-data/landcover.report/internal/fsutil"
)

// Output file names inside the output directory.
const (
	HistogramFileName  = "change_sequences.csv"
	DynamicityFileName = "dynamicity.csv"
)

// Accumulator owns the running histogram and summary files of one output
// directory. The base histogram is loaded once; each recorded tile is merged
// in memory and the file is replaced before the tile's summary row is
// appended, so a tile listed in the summary is always counted.
type Accumulator struct {
	hist      *Histogram
	histFile  *HistogramFile
	dynLog    *DynamicityLog
	done      map[string]bool
	stats     RunStats
	quicklook *Quicklook
}

// OpenAccumulator loads the existing outputs in dir for the given years.
func OpenAccumulator(fsys fsutil.FileSystem, dir string, years []string) (*Accumulator, error) {
	if err := fsys.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	a := &Accumulator{
		histFile: &HistogramFile{FS: fsys, Path: filepath.Join(dir, HistogramFileName)},
		dynLog:   &DynamicityLog{FS: fsys, Path: filepath.Join(dir, DynamicityFileName)},
	}
	var err error
	if a.hist, err = a.histFile.Load(years); err != nil {
		return nil, err
	}
	if a.done, err = a.dynLog.Chips(); err != nil {
		return nil, err
	}
	return a, nil
}

// EnableQuicklook renders a PNG beside every tile's dynamics raster.
func (a *Accumulator) EnableQuicklook(q *Quicklook) { a.quicklook = q }

// Done reports whether chip already has a summary row.
func (a *Accumulator) Done(chip string) bool { return a.done[chip] }

// Record merges a tile's histogram, persists it, and appends its summary.
func (a *Accumulator) Record(res *TileResult) error {
	if a.done[res.Summary.Chip] {
		return fmt.Errorf("chip %s already recorded", res.Summary.Chip)
	}
	next := a.hist.Clone()
	if err := next.Merge(res.Histogram); err != nil {
		return err
	}
	if err := a.histFile.Save(next); err != nil {
		return fmt.Errorf("save histogram: %w", err)
	}
	a.hist = next
	if err := a.dynLog.Append(res.Summary); err != nil {
		return fmt.Errorf("append dynamicity: %w", err)
	}
	a.done[res.Summary.Chip] = true
	a.stats.Add(res.Summary)
	if a.quicklook != nil {
		if err := a.quicklook.Render(res.Summary.Chip, res.Codes); err != nil {
			return fmt.Errorf("render quicklook: %w", err)
		}
	}
	return nil
}

// Histogram returns a copy of the running histogram.
func (a *Accumulator) Histogram() *Histogram { return a.hist.Clone() }

// Summary reports the tiles recorded through this accumulator.
func (a *Accumulator) Summary() RunSummary { return a.stats.Summary() }
