// Package geo holds the boundary geometry of a target area and the helpers the
// tiler needs on top of github.com/ctessum/geom: degree/meter conversion,
// polygon validation and splitting multi-part clip results into parts.
package geo

import (
	"errors"
	"fmt"
	"math"

	"github.com/ctessum/geom"
)

// MetersPerDegree is the length of one degree of latitude.
const MetersPerDegree = 111000.0

// DefaultEPSG is WGS84 lon/lat.
const DefaultEPSG = 4326

// ErrMalformed reports a polygon that cannot be clipped.
var ErrMalformed = errors.New("malformed geometry")

// Area is a named target region. Each subregion is one polygon: the first
// path is its outer ring, any further paths are holes. Coordinates are
// X = longitude, Y = latitude.
type Area struct {
	Name       string
	EPSG       int
	Subregions []geom.Polygon
}

// Bounds returns the bounding box of the whole area.
func (a *Area) Bounds() *geom.Bounds {
	b := geom.NewBounds()
	for _, s := range a.Subregions {
		b.Extend(s.Bounds())
	}
	return b
}

// CellSize converts a square cell edge in meters to degree steps at the
// given latitude. The longitude step grows with 1/cos(lat).
func CellSize(meters, meanLat float64) (dLon, dLat float64) {
	dLat = meters / MetersPerDegree
	dLon = meters / (MetersPerDegree * math.Cos(meanLat*math.Pi/180))
	return dLon, dLat
}

// MeanLatitude is the midpoint of the latitude extent of b.
func MeanLatitude(b *geom.Bounds) float64 {
	return (b.Min.Y + b.Max.Y) / 2
}

// Rect returns the closed rectangle polygon for b, counter-clockwise.
func Rect(b *geom.Bounds) geom.Polygon {
	return geom.Polygon{{
		{X: b.Min.X, Y: b.Min.Y},
		{X: b.Max.X, Y: b.Min.Y},
		{X: b.Max.X, Y: b.Max.Y},
		{X: b.Min.X, Y: b.Max.Y},
		{X: b.Min.X, Y: b.Min.Y},
	}}
}

// Validate checks that p can be clipped: at least one ring, each ring with
// three or more distinct vertices and only finite coordinates.
func Validate(p geom.Polygon) error {
	if len(p) == 0 {
		return fmt.Errorf("%w: polygon has no rings", ErrMalformed)
	}
	for i, ring := range p {
		distinct := make(map[geom.Point]struct{}, len(ring))
		for _, pt := range ring {
			if math.IsNaN(pt.X) || math.IsNaN(pt.Y) || math.IsInf(pt.X, 0) || math.IsInf(pt.Y, 0) {
				return fmt.Errorf("%w: ring %d has a non-finite vertex", ErrMalformed, i)
			}
			distinct[pt] = struct{}{}
		}
		if len(distinct) < 3 {
			return fmt.Errorf("%w: ring %d has %d distinct vertices", ErrMalformed, i, len(distinct))
		}
	}
	return nil
}

// Intersect clips a against b. Panics raised by the clipper on degenerate
// input are returned as ErrMalformed.
func Intersect(a, b geom.Polygon) (out geom.Polygon, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("%w: clip failed: %v", ErrMalformed, r)
		}
	}()
	res := a.Intersection(b)
	if res == nil {
		return nil, nil
	}
	clipped, ok := res.(geom.Polygon)
	if !ok {
		return nil, fmt.Errorf("%w: clip returned %T", ErrMalformed, res)
	}
	return clipped, nil
}
