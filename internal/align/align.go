// Package align re-rasterizes the yearly classifications of a tile onto one
// common grid when their shapes or geotransforms differ.
package align

import (
	"errors"
	"fmt"
	"math"

	"github.com/banshee-data/landcover.report/internal/raster"
)

// ErrEPSGMismatch is returned when rasters use different reference systems.
var ErrEPSGMismatch = errors.New("rasters use different reference systems")

// Aligned reports whether all rasters share dimensions, geotransform and EPSG.
func Aligned(rs []*raster.Raster) bool {
	for _, r := range rs[1:] {
		if !rs[0].SameGrid(r) {
			return false
		}
	}
	return true
}

// Align returns rasters that share one grid. When the inputs already agree
// they are returned unchanged and changed is false. Otherwise the common grid
// covers the union of all footprints at the finest pixel size, and every
// input is resampled onto it by nearest neighbour with zero fill outside its
// own footprint.
func Align(rs []*raster.Raster) (out []*raster.Raster, changed bool, err error) {
	if len(rs) == 0 {
		return nil, false, errors.New("no rasters to align")
	}
	for i, r := range rs {
		if r == nil {
			return nil, false, fmt.Errorf("raster %d is nil", i)
		}
		if err := r.Validate(); err != nil {
			return nil, false, fmt.Errorf("raster %d: %w", i, err)
		}
		if r.EPSG != rs[0].EPSG {
			return nil, false, fmt.Errorf("%w: %d and %d", ErrEPSGMismatch, rs[0].EPSG, r.EPSG)
		}
	}
	if Aligned(rs) {
		return rs, false, nil
	}

	grid := commonGrid(rs)
	out = make([]*raster.Raster, len(rs))
	for i, r := range rs {
		out[i] = resample(r, grid)
	}
	return out, true, nil
}

type target struct {
	width, height int
	gt            raster.GeoTransform
}

func commonGrid(rs []*raster.Raster) target {
	minLeft, maxTop := math.Inf(1), math.Inf(-1)
	maxRight, minBottom := math.Inf(-1), math.Inf(1)
	px, py := math.Inf(1), math.Inf(1)
	for _, r := range rs {
		left, bottom, right, top := r.Transform.Bounds(r.Width, r.Height)
		minLeft = math.Min(minLeft, left)
		minBottom = math.Min(minBottom, bottom)
		maxRight = math.Max(maxRight, right)
		maxTop = math.Max(maxTop, top)
		px = math.Min(px, r.Transform.PixelWidth)
		py = math.Min(py, r.Transform.PixelHeight)
	}
	w := int(math.Round((maxRight - minLeft) / px))
	h := int(math.Round((maxTop - minBottom) / py))
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	return target{
		width:  w,
		height: h,
		gt:     raster.GeoTransform{OriginX: minLeft, OriginY: maxTop, PixelWidth: px, PixelHeight: py},
	}
}

// resample samples src at the centre of every target pixel. At equal pixel
// size this is a window copy at offset round((left-minLeft)/px),
// round((maxTop-top)/py).
func resample(src *raster.Raster, t target) *raster.Raster {
	dst := raster.New(t.width, t.height, t.gt, src.EPSG)
	if src.Transform.PixelWidth == t.gt.PixelWidth && src.Transform.PixelHeight == t.gt.PixelHeight {
		left, _, _, top := src.Transform.Bounds(src.Width, src.Height)
		offX := int(math.Round((left - t.gt.OriginX) / t.gt.PixelWidth))
		offY := int(math.Round((t.gt.OriginY - top) / t.gt.PixelHeight))
		w := min(src.Width, t.width-offX)
		h := min(src.Height, t.height-offY)
		for row := 0; row < h; row++ {
			copy(dst.Pix[(offY+row)*t.width+offX:(offY+row)*t.width+offX+w], src.Pix[row*src.Width:row*src.Width+w])
		}
		return dst
	}

	for row := 0; row < t.height; row++ {
		y := t.gt.OriginY - (float64(row)+0.5)*t.gt.PixelHeight
		for col := 0; col < t.width; col++ {
			x := t.gt.OriginX + (float64(col)+0.5)*t.gt.PixelWidth
			sc, sr := src.Transform.Pixel(x, y)
			dst.Pix[row*t.width+col] = src.At(sc, sr)
		}
	}
	return dst
}
