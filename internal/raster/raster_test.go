package raster

import (
	"bytes"
	"errors"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/tiff"

	"github.com/banshee-data/landcover.report/internal/fsutil"
)

func testTransform() GeoTransform {
	return GeoTransform{OriginX: 8.5, OriginY: 56.25, PixelWidth: 0.0001, PixelHeight: 0.0001}
}

func TestGeoTransform_Bounds(t *testing.T) {
	gt := GeoTransform{OriginX: 10, OriginY: 20, PixelWidth: 0.5, PixelHeight: 0.25}
	left, bottom, right, top := gt.Bounds(4, 8)
	assert.Equal(t, 10.0, left)
	assert.Equal(t, 18.0, bottom)
	assert.Equal(t, 12.0, right)
	assert.Equal(t, 20.0, top)

	col, row := gt.Pixel(11.2, 19.1)
	assert.Equal(t, 2, col)
	assert.Equal(t, 3, row)
}

func TestRaster_Validate(t *testing.T) {
	r := New(3, 2, testTransform(), 4326)
	require.NoError(t, r.Validate())

	r.Pix = r.Pix[:5]
	assert.Error(t, r.Validate())

	bad := New(1, 1, GeoTransform{PixelWidth: 0, PixelHeight: 1}, 4326)
	assert.Error(t, bad.Validate())
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	r := New(5, 3, testTransform(), 4326)
	for i := range r.Pix {
		r.Pix[i] = uint8(i % 12)
	}

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, r))

	got, err := Decode(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, r.Width, got.Width)
	assert.Equal(t, r.Height, got.Height)
	assert.Equal(t, r.Pix, got.Pix)
	assert.Equal(t, r.Transform, got.Transform)
	assert.Equal(t, 4326, got.EPSG)
	assert.True(t, r.SameGrid(got))
}

func TestEncodeDecode_ProjectedEPSG(t *testing.T) {
	gt := GeoTransform{OriginX: 440000, OriginY: 6250000, PixelWidth: 10, PixelHeight: 10}
	r := New(2, 2, gt, 25832)

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, r))
	got, err := Decode(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, 25832, got.EPSG)
	assert.Equal(t, gt, got.Transform)
}

func TestEncodeCodes_PreservesSentinel(t *testing.T) {
	c := &CodeRaster{
		Width: 3, Height: 2,
		Pix:       []int16{-99, 0, 1, 2, -99, 7},
		Transform: testTransform(),
		EPSG:      4326,
	}

	var buf bytes.Buffer
	require.NoError(t, EncodeCodes(&buf, c))

	got, err := DecodeCodes(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, c, got)
}

func TestDecodeCodes_RejectsCategoryRaster(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, New(2, 2, testTransform(), 4326)))
	_, err := DecodeCodes(buf.Bytes())
	assert.Error(t, err)
}

func TestDecode_NoGeoreference(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, tiff.Encode(&buf, image.NewGray(image.Rect(0, 0, 2, 2)), nil))

	_, err := Decode(buf.Bytes())
	assert.True(t, errors.Is(err, ErrNoGeoreference))
}

func TestDecode_Garbage(t *testing.T) {
	_, err := Decode([]byte("definitely not a tiff"))
	assert.Error(t, err)
	_, err = Decode(nil)
	assert.Error(t, err)
}

func TestStore_Artifacts(t *testing.T) {
	mfs := fsutil.NewMemoryFileSystem()
	s := &Store{FS: mfs, Dir: "/data/rastertifs"}

	r := New(2, 2, testTransform(), 4326)
	r.Pix = []uint8{1, 2, 3, 4}
	require.NoError(t, s.SaveYear("0_1_2", "2016", r))
	require.NoError(t, s.SaveYear("0_1_2", "2017", r))
	require.NoError(t, s.SaveYear("0_1_3-a", "2016", r))
	require.NoError(t, s.SaveYear("0_1_3-a", "1999", r))

	assert.Equal(t, "/data/rastertifs/0_1_2_2016.tif", s.YearPath("0_1_2", "2016"))
	assert.Equal(t, "/data/rastertifs/0_1_2_dynamics.tif", s.DynamicsPath("0_1_2"))

	got, err := s.LoadYear("0_1_2", "2017")
	require.NoError(t, err)
	assert.Equal(t, r.Pix, got.Pix)

	arts, err := s.YearArtifacts([]string{"2016", "2017"})
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{
		"0_1_2":   {"2016", "2017"},
		"0_1_3-a": {"2016"},
	}, arts)

	c := &CodeRaster{Width: 2, Height: 2, Pix: []int16{-99, 1, 0, 0}, Transform: testTransform(), EPSG: 4326}
	require.NoError(t, s.SaveDynamics("0_1_2", c))
	back, err := s.LoadDynamics("0_1_2")
	require.NoError(t, err)
	assert.Equal(t, c.Pix, back.Pix)

	require.NoError(t, s.RemoveYears("0_1_2", []string{"2016", "2017", "2018"}))
	assert.False(t, mfs.Exists(s.YearPath("0_1_2", "2016")))
	assert.False(t, mfs.Exists(s.YearPath("0_1_2", "2017")))
	assert.True(t, mfs.Exists(s.DynamicsPath("0_1_2")))
}

func TestStore_RejectsEscapingNames(t *testing.T) {
	mfs := fsutil.NewMemoryFileSystem()
	s := &Store{FS: mfs, Dir: "/data/rastertifs"}
	r := New(1, 1, testTransform(), 4326)

	assert.Error(t, s.SaveYear("../../etc/0_0_0", "2016", r))
	assert.Error(t, s.SaveYear("0_0_0", "..", r))
	_, err := s.LoadYear("", "2016")
	assert.Error(t, err)
	assert.Error(t, s.RemoveYears("a/b", []string{"2016"}))

	files, err := mfs.Glob("/data/*/*")
	require.NoError(t, err)
	assert.Empty(t, files)
}
