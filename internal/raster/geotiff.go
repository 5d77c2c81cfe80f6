package raster

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"sort"

	"golang.org/x/image/tiff"
)

const (
	dtByte   = 1
	dtASCII  = 2
	dtShort  = 3
	dtLong   = 4
	dtRatnl  = 5
	dtSShort = 8
	dtSLong  = 9
	dtFloat  = 11
	dtDouble = 12

	tagImageWidth      = 256
	tagImageLength     = 257
	tagBitsPerSample   = 258
	tagCompression     = 259
	tagPhotometric     = 262
	tagStripOffsets    = 273
	tagSamplesPerPixel = 277
	tagRowsPerStrip    = 278
	tagStripByteCounts = 279
	tagSampleFormat    = 339

	tagModelPixelScale = 33550
	tagModelTiepoint   = 33922
	tagGeoKeyDirectory = 34735

	keyModelType      = 1024
	keyRasterType     = 1025
	keyGeographicType = 2048
	keyProjectedType  = 3072

	sampleUnsigned = 1
	sampleSigned   = 2
)

// ErrNoGeoreference is returned for TIFFs without pixel scale or tiepoint tags.
var ErrNoGeoreference = errors.New("tiff has no georeferencing tags")

var le = binary.LittleEndian

type ifdEntry struct {
	tag      uint16
	datatype uint16
	count    uint32
	data     []byte
}

// Encode writes r as an uncompressed 8-bit single-band GeoTIFF.
func Encode(w io.Writer, r *Raster) error {
	if err := r.Validate(); err != nil {
		return err
	}
	return encode(w, r.Width, r.Height, 8, sampleUnsigned, r.Pix, r.Transform, r.EPSG)
}

// EncodeCodes writes c as an uncompressed signed 16-bit single-band GeoTIFF.
func EncodeCodes(w io.Writer, c *CodeRaster) error {
	if c.Width <= 0 || c.Height <= 0 || len(c.Pix) != c.Width*c.Height {
		return fmt.Errorf("invalid code raster %dx%d with %d pixels", c.Width, c.Height, len(c.Pix))
	}
	pix := make([]byte, 2*len(c.Pix))
	for i, v := range c.Pix {
		le.PutUint16(pix[2*i:], uint16(v))
	}
	return encode(w, c.Width, c.Height, 16, sampleSigned, pix, c.Transform, c.EPSG)
}

func encode(w io.Writer, width, height int, bits, sampleFormat uint16, pixels []byte, gt GeoTransform, epsg int) error {
	// II, 42, first IFD at offset 8.
	header := []byte{'I', 'I', 0x2A, 0x00, 0x08, 0x00, 0x00, 0x00}

	entries := []ifdEntry{
		{tagImageWidth, dtLong, 1, enc32(uint32(width))},
		{tagImageLength, dtLong, 1, enc32(uint32(height))},
		{tagBitsPerSample, dtShort, 1, enc16s(bits)},
		{tagCompression, dtShort, 1, enc16s(1)},
		{tagPhotometric, dtShort, 1, enc16s(1)}, // BlackIsZero
		{tagStripOffsets, dtLong, 1, make([]byte, 4)},
		{tagSamplesPerPixel, dtShort, 1, enc16s(1)},
		{tagRowsPerStrip, dtLong, 1, enc32(uint32(height))},
		{tagStripByteCounts, dtLong, 1, enc32(uint32(len(pixels)))},
		{tagSampleFormat, dtShort, 1, enc16s(sampleFormat)},
		{tagModelPixelScale, dtDouble, 3, encDoubles(gt.PixelWidth, gt.PixelHeight, 0)},
		{tagModelTiepoint, dtDouble, 6, encDoubles(0, 0, 0, gt.OriginX, gt.OriginY, 0)},
		{tagGeoKeyDirectory, dtShort, 16, geoKeys(epsg)},
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].tag < entries[j].tag })

	ifdSize := 2 + 12*len(entries) + 4
	valueOffset := 8 + ifdSize

	var large bytes.Buffer
	for i := range entries {
		if len(entries[i].data) > 4 {
			off := uint32(valueOffset + large.Len())
			large.Write(entries[i].data)
			entries[i].data = enc32(off)
		}
	}
	pixelOffset := uint32(valueOffset + large.Len())
	for i := range entries {
		if entries[i].tag == tagStripOffsets {
			entries[i].data = enc32(pixelOffset)
		}
	}

	var buf bytes.Buffer
	buf.Grow(int(pixelOffset) + len(pixels))
	buf.Write(header)
	buf.Write(enc16s(uint16(len(entries))))
	for _, e := range entries {
		buf.Write(enc16s(e.tag, e.datatype))
		buf.Write(enc32(e.count))
		var val [4]byte
		copy(val[:], e.data)
		buf.Write(val[:])
	}
	buf.Write(enc32(0))
	buf.Write(large.Bytes())
	buf.Write(pixels)

	_, err := buf.WriteTo(w)
	return err
}

// geoKeys builds the key directory: model type, PixelIsArea, then the CRS
// under the geographic or projected key depending on the code.
func geoKeys(epsg int) []byte {
	modelType, crsKey := uint16(2), uint16(keyGeographicType)
	if epsg != 4326 && epsg != 4258 && epsg != 4269 {
		modelType, crsKey = 1, keyProjectedType
	}
	return enc16s(
		1, 1, 0, 3,
		keyModelType, 0, 1, modelType,
		keyRasterType, 0, 1, 1,
		crsKey, 0, 1, uint16(epsg),
	)
}

// Decode reads an 8-bit single-band GeoTIFF. Pixel data goes through
// golang.org/x/image/tiff, so LZW, Deflate and PackBits inputs are accepted.
func Decode(data []byte) (*Raster, error) {
	gt, epsg, err := readGeoTags(data)
	if err != nil {
		return nil, err
	}
	img, err := tiff.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode tiff: %w", err)
	}

	b := img.Bounds()
	r := New(b.Dx(), b.Dy(), gt, epsg)
	switch m := img.(type) {
	case *image.Gray:
		for y := 0; y < r.Height; y++ {
			copy(r.Pix[y*r.Width:(y+1)*r.Width], m.Pix[y*m.Stride:y*m.Stride+r.Width])
		}
	case *image.Paletted:
		for y := 0; y < r.Height; y++ {
			copy(r.Pix[y*r.Width:(y+1)*r.Width], m.Pix[y*m.Stride:y*m.Stride+r.Width])
		}
	case *image.Gray16:
		for y := 0; y < r.Height; y++ {
			for x := 0; x < r.Width; x++ {
				v := m.Gray16At(b.Min.X+x, b.Min.Y+y).Y
				if v > math.MaxUint8 {
					return nil, fmt.Errorf("category code %d at (%d,%d) exceeds 8 bits", v, x, y)
				}
				r.Pix[y*r.Width+x] = uint8(v)
			}
		}
	default:
		return nil, fmt.Errorf("unsupported tiff color model %T", img)
	}
	return r, nil
}

// DecodeCodes reads a signed 16-bit GeoTIFF as written by EncodeCodes.
func DecodeCodes(data []byte) (*CodeRaster, error) {
	gt, epsg, err := readGeoTags(data)
	if err != nil {
		return nil, err
	}
	d, err := parseIFD(data)
	if err != nil {
		return nil, err
	}
	width, height := d.intValue(tagImageWidth), d.intValue(tagImageLength)
	if d.intValue(tagBitsPerSample) != 16 || d.intValue(tagSampleFormat) != sampleSigned || d.intValue(tagCompression) != 1 {
		return nil, errors.New("not an uncompressed signed 16-bit tiff")
	}
	off, n := d.intValue(tagStripOffsets), d.intValue(tagStripByteCounts)
	if n != 2*width*height || off+n > len(data) {
		return nil, fmt.Errorf("strip of %d bytes at %d does not hold %dx%d pixels", n, off, width, height)
	}
	c := &CodeRaster{Width: width, Height: height, Pix: make([]int16, width*height), Transform: gt, EPSG: epsg}
	for i := range c.Pix {
		c.Pix[i] = int16(d.order.Uint16(data[off+2*i:]))
	}
	return c, nil
}

type ifd struct {
	order   binary.ByteOrder
	data    []byte
	entries map[uint16]rawEntry
}

type rawEntry struct {
	datatype uint16
	count    uint32
	value    []byte
}

var typeSize = map[uint16]int{
	dtByte: 1, dtASCII: 1, dtShort: 2, dtLong: 4, dtRatnl: 8,
	dtSShort: 2, dtSLong: 4, dtFloat: 4, dtDouble: 8,
}

func parseIFD(data []byte) (*ifd, error) {
	if len(data) < 8 {
		return nil, errors.New("tiff too short")
	}
	var order binary.ByteOrder
	switch string(data[:2]) {
	case "II":
		order = binary.LittleEndian
	case "MM":
		order = binary.BigEndian
	default:
		return nil, errors.New("not a tiff")
	}
	if order.Uint16(data[2:]) != 42 {
		return nil, errors.New("unsupported tiff version")
	}
	off := int(order.Uint32(data[4:]))
	if off+2 > len(data) {
		return nil, errors.New("ifd offset out of range")
	}
	n := int(order.Uint16(data[off:]))
	if off+2+12*n > len(data) {
		return nil, errors.New("ifd truncated")
	}
	d := &ifd{order: order, data: data, entries: make(map[uint16]rawEntry, n)}
	for i := 0; i < n; i++ {
		p := data[off+2+12*i:]
		tag, dt, count := order.Uint16(p), order.Uint16(p[2:]), order.Uint32(p[4:])
		size, ok := typeSize[dt]
		if !ok {
			continue
		}
		total := size * int(count)
		value := p[8:12]
		if total > 4 {
			voff := int(order.Uint32(p[8:]))
			if voff+total > len(data) {
				return nil, fmt.Errorf("tag %d value out of range", tag)
			}
			value = data[voff : voff+total]
		}
		d.entries[tag] = rawEntry{datatype: dt, count: count, value: value}
	}
	return d, nil
}

func (d *ifd) intValue(tag uint16) int {
	e, ok := d.entries[tag]
	if !ok || e.count == 0 {
		return 0
	}
	switch e.datatype {
	case dtShort:
		return int(d.order.Uint16(e.value))
	case dtLong:
		return int(d.order.Uint32(e.value))
	case dtByte:
		return int(e.value[0])
	}
	return 0
}

func (d *ifd) doubles(tag uint16) []float64 {
	e, ok := d.entries[tag]
	if !ok || e.datatype != dtDouble {
		return nil
	}
	out := make([]float64, e.count)
	for i := range out {
		out[i] = math.Float64frombits(d.order.Uint64(e.value[8*i:]))
	}
	return out
}

func (d *ifd) shorts(tag uint16) []uint16 {
	e, ok := d.entries[tag]
	if !ok || e.datatype != dtShort {
		return nil
	}
	out := make([]uint16, e.count)
	for i := range out {
		out[i] = d.order.Uint16(e.value[2*i:])
	}
	return out
}

// readGeoTags extracts the geotransform and EPSG code. A missing key
// directory defaults to EPSG:4326.
func readGeoTags(data []byte) (GeoTransform, int, error) {
	d, err := parseIFD(data)
	if err != nil {
		return GeoTransform{}, 0, err
	}
	scale := d.doubles(tagModelPixelScale)
	tie := d.doubles(tagModelTiepoint)
	if len(scale) < 2 || len(tie) < 6 {
		return GeoTransform{}, 0, ErrNoGeoreference
	}
	gt := GeoTransform{
		PixelWidth:  scale[0],
		PixelHeight: scale[1],
		OriginX:     tie[3] - tie[0]*scale[0],
		OriginY:     tie[4] + tie[1]*scale[1],
	}
	if err := gt.Validate(); err != nil {
		return GeoTransform{}, 0, err
	}

	epsg := 4326
	if keys := d.shorts(tagGeoKeyDirectory); len(keys) >= 4 {
		n := int(keys[3])
		for i := 0; i < n && 4+4*i+3 < len(keys); i++ {
			k := keys[4+4*i:]
			if (k[0] == keyGeographicType || k[0] == keyProjectedType) && k[1] == 0 {
				epsg = int(k[3])
			}
		}
	}
	return gt, epsg, nil
}

func enc16s(vs ...uint16) []byte {
	b := make([]byte, 2*len(vs))
	for i, v := range vs {
		le.PutUint16(b[2*i:], v)
	}
	return b
}

func enc32(v uint32) []byte {
	b := make([]byte, 4)
	le.PutUint32(b, v)
	return b
}

func encDoubles(vs ...float64) []byte {
	b := make([]byte, 8*len(vs))
	for i, v := range vs {
		le.PutUint64(b[8*i:], math.Float64bits(v))
	}
	return b
}
