package sequence

import (
	"gonum.org/v1/gonum/floats"
)

// RunStats accumulates tile summaries for the end-of-run report.
type RunStats struct {
	changed []float64
	maxima  []float64
}

// Add records one tile.
func (s *RunStats) Add(ts TileSummary) {
	s.changed = append(s.changed, float64(ts.Changed))
	s.maxima = append(s.maxima, float64(ts.Max))
}

// Tiles is the number of recorded tiles.
func (s *RunStats) Tiles() int { return len(s.changed) }

// RunSummary aggregates the changed-pixel counts over all tiles of a run.
type RunSummary struct {
	Tiles         int
	TotalChanged  float64
	MedianChanged float64
	MaxChanged    float64
	MaxCode       float64
}

// Summary returns the run-level median and max of changed-pixel counts.
func (s *RunStats) Summary() RunSummary {
	if len(s.changed) == 0 {
		return RunSummary{}
	}
	xs := append([]float64(nil), s.changed...)
	return RunSummary{
		Tiles:         len(xs),
		TotalChanged:  floats.Sum(xs),
		MedianChanged: median(xs),
		MaxChanged:    floats.Max(s.changed),
		MaxCode:       floats.Max(s.maxima),
	}
}
