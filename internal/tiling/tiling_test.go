package tiling

import (
	"errors"
	"math"
	"testing"

	"github.com/ctessum/geom"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/landcover.report/internal/geo"
	"github.com/banshee-data/landcover.report/internal/landcover"
)

func square(x0, y0, x1, y1 float64) geom.Path {
	return geom.Path{{X: x0, Y: y0}, {X: x1, Y: y0}, {X: x1, Y: y1}, {X: x0, Y: y1}, {X: x0, Y: y0}}
}

// At the equator one degree is one cell of 111 km in both directions.
const degreeCell = geo.MetersPerDegree

func equatorArea(polys ...geom.Polygon) *geo.Area {
	return &geo.Area{Name: "test", EPSG: geo.DefaultEPSG, Subregions: polys}
}

func TestNewTiler_RejectsBadCellSize(t *testing.T) {
	for _, v := range []float64{0, -5, math.NaN(), math.Inf(1)} {
		_, err := NewTiler(v)
		require.Error(t, err)
		assert.True(t, errors.Is(err, landcover.ErrFatalConfiguration))
	}
}

func TestTile_SquareGrid(t *testing.T) {
	tiler, err := NewTiler(degreeCell)
	require.NoError(t, err)

	// 2x2 degree square straddling the equator so mean latitude is 0.
	res, err := tiler.Tile(equatorArea(geom.Polygon{square(0, -1, 2, 1)}))
	require.NoError(t, err)

	var ids []string
	for _, tile := range res.Tiles {
		ids = append(ids, tile.Key())
	}
	// Row-major with latitude outer, longitude inner.
	assert.Equal(t, []string{"0_0_0", "0_1_0", "0_0_1", "0_1_1"}, ids)
	assert.Empty(t, res.Skipped)
	for _, tile := range res.Tiles {
		assert.InDelta(t, 1.0, geo.PolygonArea(tile.Geometry), 1e-6)
	}
}

func TestTile_PartialCoverageRoundsUp(t *testing.T) {
	tiler, err := NewTiler(degreeCell)
	require.NoError(t, err)

	res, err := tiler.Tile(equatorArea(geom.Polygon{square(0, -0.25, 2.5, 0.25)}))
	require.NoError(t, err)
	require.Len(t, res.Tiles, 3, "ceil(2.5) columns, ceil(0.5) rows")
	assert.InDelta(t, 0.25, geo.PolygonArea(res.Tiles[2].Geometry), 1e-6)
}

func TestTile_DropsEmptyIntersections(t *testing.T) {
	tiler, err := NewTiler(degreeCell)
	require.NoError(t, err)

	// An L shape over a 2x2 grid leaves the top-right cell empty.
	l := geom.Polygon{{
		{X: 0, Y: -1}, {X: 2, Y: -1}, {X: 2, Y: 0}, {X: 1, Y: 0},
		{X: 1, Y: 1}, {X: 0, Y: 1}, {X: 0, Y: -1},
	}}
	res, err := tiler.Tile(equatorArea(l))
	require.NoError(t, err)

	var ids []string
	for _, tile := range res.Tiles {
		ids = append(ids, tile.Key())
		assert.Greater(t, geo.PolygonArea(tile.Geometry), 0.0)
	}
	assert.Equal(t, []string{"0_0_0", "0_1_0", "0_0_1"}, ids)
}

func TestTile_SinglePartHasNoSuffix(t *testing.T) {
	tiler, err := NewTiler(degreeCell)
	require.NoError(t, err)

	// A U shape that fits entirely in one cell stays one part.
	u := geom.Polygon{{
		{X: 0, Y: -0.5}, {X: 0.9, Y: -0.5}, {X: 0.9, Y: 0.5}, {X: 0.6, Y: 0.5}, {X: 0.6, Y: -0.2},
		{X: 0.3, Y: -0.2}, {X: 0.3, Y: 0.5}, {X: 0, Y: 0.5}, {X: 0, Y: -0.5},
	}}
	res, err := tiler.Tile(equatorArea(u))
	require.NoError(t, err)
	require.Len(t, res.Tiles, 1)
	assert.Equal(t, "0_0_0", res.Tiles[0].Key())
	assert.False(t, res.Tiles[0].ID.MultiPart)
}

func TestTile_SplitsArmsWithinOneCell(t *testing.T) {
	tiler, err := NewTiler(degreeCell)
	require.NoError(t, err)

	// The bounding box is two cells tall; the top cell crosses only the arms.
	u := geom.Polygon{{
		{X: 0, Y: -1}, {X: 0.9, Y: -1}, {X: 0.9, Y: 1}, {X: 0.6, Y: 1}, {X: 0.6, Y: -0.5},
		{X: 0.3, Y: -0.5}, {X: 0.3, Y: 1}, {X: 0, Y: 1}, {X: 0, Y: -1},
	}}
	res, err := tiler.Tile(equatorArea(u))
	require.NoError(t, err)

	var ids []string
	for _, tile := range res.Tiles {
		ids = append(ids, tile.Key())
	}
	assert.Equal(t, []string{"0_0_0", "0_0_1-a", "0_0_1-b"}, ids)
	assert.Less(t, res.Tiles[1].Geometry.Bounds().Min.X, res.Tiles[2].Geometry.Bounds().Min.X)
}

func TestTile_Deterministic(t *testing.T) {
	tiler, err := NewTiler(25000)
	require.NoError(t, err)

	area := equatorArea(
		geom.Polygon{{
			{X: 8.1, Y: 54.8}, {X: 10.9, Y: 54.6}, {X: 12.6, Y: 55.7},
			{X: 10.2, Y: 57.7}, {X: 8.0, Y: 56.9}, {X: 8.1, Y: 54.8},
		}},
		geom.Polygon{square(14.7, 55.0, 15.2, 55.3)},
	)

	first, err := tiler.Tile(area)
	require.NoError(t, err)
	second, err := tiler.Tile(area)
	require.NoError(t, err)

	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("tiling is not deterministic (-first +second):\n%s", diff)
	}
	groups := first.BySubregion()
	assert.NotEmpty(t, groups[0])
	assert.NotEmpty(t, groups[1])
}

func TestTile_MalformedSubregionSkipped(t *testing.T) {
	tiler, err := NewTiler(degreeCell)
	require.NoError(t, err)

	bad := geom.Polygon{{{X: 0, Y: 0}, {X: 1, Y: 1}, {X: 0, Y: 0}}}
	good := geom.Polygon{square(5, -0.5, 5.5, 0.5)}

	res, err := tiler.Tile(equatorArea(bad, good))
	require.NoError(t, err)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, 0, res.Skipped[0].Subregion)
	assert.Equal(t, -1, res.Skipped[0].Col)
	assert.True(t, errors.Is(res.Skipped[0].Err, ErrMalformedGeometry))
	assert.True(t, errors.Is(res.Skipped[0].Err, geo.ErrMalformed), "geo cause is kept in the chain")
	assert.Contains(t, res.Skipped[0].Err.Error(), "distinct vertices")
	require.Len(t, res.Tiles, 1)
	assert.Equal(t, "1_0_0", res.Tiles[0].Key())
}

func TestTile_EmptyArea(t *testing.T) {
	tiler, err := NewTiler(1000)
	require.NoError(t, err)
	_, err = tiler.Tile(&geo.Area{Name: "nothing"})
	assert.True(t, errors.Is(err, landcover.ErrFatalConfiguration))
}

func TestParseID(t *testing.T) {
	tests := []struct {
		in   string
		want ID
	}{
		{"0_3_7", ID{Subregion: 0, Col: 3, Row: 7}},
		{"12_0_1-a", ID{Subregion: 12, Col: 0, Row: 1, Part: 0, MultiPart: true}},
		{"2_5_5-c", ID{Subregion: 2, Col: 5, Row: 5, Part: 2, MultiPart: true}},
		{"1_1_1-aa", ID{Subregion: 1, Col: 1, Row: 1, Part: 26, MultiPart: true}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseID(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.in, got.String())
		})
	}

	for _, bad := range []string{"", "1_2", "a_b_c", "1_2_3-", "1_2_3-A", "-1_2_3"} {
		_, err := ParseID(bad)
		assert.Error(t, err, bad)
	}
}

func TestBaseID(t *testing.T) {
	assert.Equal(t, "0_1_2", BaseID("0_1_2-b"))
	assert.Equal(t, "0_1_2", BaseID("0_1_2"))
}
