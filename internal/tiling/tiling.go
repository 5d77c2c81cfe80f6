// Package tiling partitions an area's boundary into a fixed-size grid of
// rectangular tiles and keeps the tiles that intersect the boundary.
package tiling

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/index/rtree"

	"github.com/banshee-data/landcover.report/internal/geo"
	"github.com/banshee-data/landcover.report/internal/landcover"
	"github.com/banshee-data/landcover.report/internal/monitoring"
)

// ErrMalformedGeometry marks a tile or subregion skipped because its
// geometry could not be clipped. It is the same value as geo.ErrMalformed.
var ErrMalformedGeometry = geo.ErrMalformed

var logf = monitoring.Component("Tiler")

// ID identifies a tile: subregion index, column (longitude) index, row
// (latitude) index and, for multi-part intersections, a zero-based part.
type ID struct {
	Subregion int
	Col       int
	Row       int
	Part      int  // meaningful only when MultiPart
	MultiPart bool // the intersection had more than one part
}

// String renders "{sub}_{col}_{row}" with "-a", "-b", ... for parts.
func (id ID) String() string {
	base := id.Base()
	if !id.MultiPart {
		return base
	}
	return base + "-" + partSuffix(id.Part)
}

// Base is the id without any part suffix.
func (id ID) Base() string {
	return strconv.Itoa(id.Subregion) + "_" + strconv.Itoa(id.Col) + "_" + strconv.Itoa(id.Row)
}

func partSuffix(n int) string {
	if n < 26 {
		return string(rune('a' + n))
	}
	return partSuffix(n/26-1) + partSuffix(n%26)
}

// BaseID strips a part suffix from a rendered tile id.
func BaseID(id string) string {
	if i := strings.IndexByte(id, '-'); i >= 0 {
		return id[:i]
	}
	return id
}

// ParseID parses a rendered tile id.
func ParseID(s string) (ID, error) {
	var id ID
	base, suffix, multi := strings.Cut(s, "-")
	fields := strings.Split(base, "_")
	if len(fields) != 3 {
		return id, fmt.Errorf("tile id %q: want sub_col_row", s)
	}
	nums := make([]int, 3)
	for i, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil || n < 0 {
			return id, fmt.Errorf("tile id %q: bad index %q", s, f)
		}
		nums[i] = n
	}
	id.Subregion, id.Col, id.Row = nums[0], nums[1], nums[2]
	if multi {
		if suffix == "" {
			return id, fmt.Errorf("tile id %q: empty part suffix", s)
		}
		part := 0
		for _, c := range suffix {
			if c < 'a' || c > 'z' {
				return id, fmt.Errorf("tile id %q: bad part suffix %q", s, suffix)
			}
			part = part*26 + int(c-'a') + 1
		}
		id.Part = part - 1
		id.MultiPart = true
	}
	return id, nil
}

// Tile is one grid cell clipped to its subregion. Geometry is a single
// part: an outer ring followed by any holes.
type Tile struct {
	ID       ID
	Rect     geom.Bounds
	Geometry geom.Polygon
}

// Key is the rendered tile id.
func (t Tile) Key() string { return t.ID.String() }

// SkippedTile records a subregion or tile dropped for malformed geometry.
type SkippedTile struct {
	Subregion int
	Col, Row  int // -1 when the whole subregion was skipped
	Err       error
}

// Result is the outcome of tiling an area.
type Result struct {
	Tiles   []Tile
	Skipped []SkippedTile
}

// BySubregion groups tiles by subregion index, preserving order.
func (r *Result) BySubregion() map[int][]Tile {
	out := make(map[int][]Tile)
	for _, t := range r.Tiles {
		out[t.ID.Subregion] = append(out[t.ID.Subregion], t)
	}
	return out
}

// Tiler produces deterministic tile grids with a fixed cell size in meters.
type Tiler struct {
	CellMeters float64
}

// NewTiler validates the cell size.
func NewTiler(cellMeters float64) (*Tiler, error) {
	if !(cellMeters > 0) || math.IsInf(cellMeters, 0) {
		return nil, landcover.Fatalf("cell size must be positive, got %v", cellMeters)
	}
	return &Tiler{CellMeters: cellMeters}, nil
}

// Tile grids every subregion of area independently. The output depends only
// on the area geometry and the cell size.
func (t *Tiler) Tile(area *geo.Area) (*Result, error) {
	if area == nil || len(area.Subregions) == 0 {
		return nil, landcover.Fatalf("area has no boundary polygons")
	}
	res := &Result{}
	for i, sub := range area.Subregions {
		tiles, skipped, err := t.tileSubregion(i, sub)
		if err != nil {
			logf("skipping subregion %d of %s: %v", i, area.Name, err)
			res.Skipped = append(res.Skipped, SkippedTile{Subregion: i, Col: -1, Row: -1, Err: err})
			continue
		}
		res.Tiles = append(res.Tiles, tiles...)
		res.Skipped = append(res.Skipped, skipped...)
	}
	logf("%s: %d tiles across %d subregions (%d skipped)", area.Name, len(res.Tiles), len(area.Subregions), len(res.Skipped))
	return res, nil
}

type ringIndex struct {
	geom.Polygon
}

func (t *Tiler) tileSubregion(idx int, sub geom.Polygon) ([]Tile, []SkippedTile, error) {
	if err := geo.Validate(sub); err != nil {
		return nil, nil, fmt.Errorf("subregion %d: %w", idx, err)
	}

	bounds := sub.Bounds()
	dLon, dLat := geo.CellSize(t.CellMeters, geo.MeanLatitude(bounds))
	cols := int(math.Ceil((bounds.Max.X - bounds.Min.X) / dLon))
	rows := int(math.Ceil((bounds.Max.Y - bounds.Min.Y) / dLat))
	if cols == 0 {
		cols = 1
	}
	if rows == 0 {
		rows = 1
	}

	// Rings whose bounds miss a cell cannot contribute to its intersection.
	rings := rtree.NewTree(25, 50)
	for _, ring := range sub {
		rings.Insert(ringIndex{geom.Polygon{ring}})
	}

	var tiles []Tile
	var skipped []SkippedTile
	for row := 0; row < rows; row++ {
		for col := 0; col < cols; col++ {
			rect := geom.Bounds{
				Min: geom.Point{X: bounds.Min.X + float64(col)*dLon, Y: bounds.Min.Y + float64(row)*dLat},
				Max: geom.Point{X: bounds.Min.X + float64(col+1)*dLon, Y: bounds.Min.Y + float64(row+1)*dLat},
			}
			if len(rings.SearchIntersect(&rect)) == 0 {
				continue
			}

			clipped, err := geo.Intersect(geo.Rect(&rect), sub)
			if err != nil {
				logf("skipping tile %d_%d_%d: %v", idx, col, row, err)
				skipped = append(skipped, SkippedTile{
					Subregion: idx, Col: col, Row: row,
					Err: fmt.Errorf("tile %d_%d_%d: %w", idx, col, row, err),
				})
				continue
			}
			parts := geo.SplitParts(clipped)
			for p, part := range parts {
				tiles = append(tiles, Tile{
					ID:       ID{Subregion: idx, Col: col, Row: row, Part: p, MultiPart: len(parts) > 1},
					Rect:     rect,
					Geometry: part,
				})
			}
		}
	}
	return tiles, skipped, nil
}
