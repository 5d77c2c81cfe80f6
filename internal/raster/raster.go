// Package raster holds single-band classification and dynamicity rasters,
// their north-up geotransform, and GeoTIFF encoding for both.
package raster

import (
	"fmt"
	"math"
)

// GeoTransform maps pixel (col, row) to model coordinates for a north-up
// grid. PixelWidth and PixelHeight are positive sizes; Y decreases with row.
type GeoTransform struct {
	OriginX     float64 // left edge
	OriginY     float64 // top edge
	PixelWidth  float64
	PixelHeight float64
}

// Bounds returns left, bottom, right, top for a width x height grid.
func (g GeoTransform) Bounds(width, height int) (left, bottom, right, top float64) {
	left = g.OriginX
	top = g.OriginY
	right = left + float64(width)*g.PixelWidth
	bottom = top - float64(height)*g.PixelHeight
	return
}

// Equal compares transforms exactly.
func (g GeoTransform) Equal(o GeoTransform) bool {
	return g == o
}

// Pixel returns the column and row containing model point (x, y).
func (g GeoTransform) Pixel(x, y float64) (col, row int) {
	col = int(math.Floor((x - g.OriginX) / g.PixelWidth))
	row = int(math.Floor((g.OriginY - y) / g.PixelHeight))
	return
}

// Validate rejects non-positive or non-finite pixel sizes.
func (g GeoTransform) Validate() error {
	for _, v := range []float64{g.PixelWidth, g.PixelHeight} {
		if !(v > 0) || math.IsInf(v, 0) {
			return fmt.Errorf("invalid pixel size %vx%v", g.PixelWidth, g.PixelHeight)
		}
	}
	return nil
}

// Raster is a single band of uint8 land-cover category codes in row-major
// order. Code 0 is background.
type Raster struct {
	Width     int
	Height    int
	Pix       []uint8
	Transform GeoTransform
	EPSG      int
}

// New allocates a zero-filled raster.
func New(width, height int, gt GeoTransform, epsg int) *Raster {
	return &Raster{Width: width, Height: height, Pix: make([]uint8, width*height), Transform: gt, EPSG: epsg}
}

// At returns the code at (col, row), or 0 outside the raster.
func (r *Raster) At(col, row int) uint8 {
	if col < 0 || row < 0 || col >= r.Width || row >= r.Height {
		return 0
	}
	return r.Pix[row*r.Width+col]
}

// Set writes the code at (col, row).
func (r *Raster) Set(col, row int, v uint8) {
	r.Pix[row*r.Width+col] = v
}

// SameGrid reports whether r and o share dimensions, geotransform and EPSG.
func (r *Raster) SameGrid(o *Raster) bool {
	return r.Width == o.Width && r.Height == o.Height && r.Transform.Equal(o.Transform) && r.EPSG == o.EPSG
}

// Validate checks dimensions against the pixel buffer.
func (r *Raster) Validate() error {
	if r.Width <= 0 || r.Height <= 0 {
		return fmt.Errorf("invalid raster size %dx%d", r.Width, r.Height)
	}
	if len(r.Pix) != r.Width*r.Height {
		return fmt.Errorf("raster %dx%d has %d pixels", r.Width, r.Height, len(r.Pix))
	}
	return r.Transform.Validate()
}

// CodeRaster is a single band of signed dynamicity codes.
type CodeRaster struct {
	Width     int
	Height    int
	Pix       []int16
	Transform GeoTransform
	EPSG      int
}

// At returns the code at (col, row).
func (c *CodeRaster) At(col, row int) int16 {
	return c.Pix[row*c.Width+col]
}
