package sequence

import (
	"errors"
	"fmt"
	"sort"

	"github.com/banshee-data/landcover.report/internal/landcover"
	"github.com/banshee-data/landcover.report/internal/raster"
)

// TileSummary is the dynamicity record of one tile.
type TileSummary struct {
	Chip string
	// Changed is the sum of all non-sentinel dynamicity codes.
	Changed int64
	// Median and Max are over the non-sentinel codes; zero when none.
	Median float64
	Max    int16
}

// TileResult is the reduction of one tile.
type TileResult struct {
	Summary   TileSummary
	Codes     *raster.CodeRaster
	Histogram *Histogram
}

// Reduce computes per-pixel dynamicity codes, the tile summary and the tile's
// sequence histogram. years must be aligned and in chronological order.
func Reduce(chip string, labels []string, years []*raster.Raster) (*TileResult, error) {
	if len(years) == 0 {
		return nil, errors.New("no rasters to reduce")
	}
	if len(years) != len(labels) {
		return nil, fmt.Errorf("%d rasters for %d years", len(years), len(labels))
	}
	ref := years[0]
	for i, r := range years[1:] {
		if !ref.SameGrid(r) {
			return nil, fmt.Errorf("raster %d (%s) is not aligned with %s", i+1, labels[i+1], labels[0])
		}
	}

	n := ref.Width * ref.Height
	codes := &raster.CodeRaster{
		Width: ref.Width, Height: ref.Height,
		Pix:       make([]int16, n),
		Transform: ref.Transform,
		EPSG:      ref.EPSG,
	}
	hist := NewHistogram(labels)
	seq := make([]uint8, len(years))
	valid := make([]float64, 0, n)

	var changed int64
	var maxCode int16
	for i := 0; i < n; i++ {
		for y, r := range years {
			seq[y] = r.Pix[i]
		}
		code := Dynamicity(seq)
		codes.Pix[i] = code
		hist.Counts[Key(seq)]++
		if code == landcover.Sentinel {
			continue
		}
		changed += int64(code)
		valid = append(valid, float64(code))
		if code > maxCode {
			maxCode = code
		}
	}

	return &TileResult{
		Summary: TileSummary{
			Chip:    chip,
			Changed: changed,
			Median:  median(valid),
			Max:     maxCode,
		},
		Codes:     codes,
		Histogram: hist,
	}, nil
}

// median averages the two middle values for even counts and returns 0 for
// no values. xs is sorted in place.
func median(xs []float64) float64 {
	switch len(xs) {
	case 0:
		return 0
	case 1:
		return xs[0]
	}
	sort.Float64s(xs)
	mid := len(xs) / 2
	if len(xs)%2 == 1 {
		return xs[mid]
	}
	// Even count: mean of the middle pair.
	return (xs[mid-1] + xs[mid]) / 2
}
