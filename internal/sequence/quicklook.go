package sequence

import (
	"bytes"
	"fmt"
	"image/color"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/landcover.report/internal/fsutil"
	"github.com/banshee-data/landcover.report/internal/landcover"
	"github.com/banshee-data/landcover.report/internal/raster"
)

// Quicklook renders dynamicity rasters as PNG heat maps for visual review.
// Sentinel pixels are transparent.
type Quicklook struct {
	FS   fsutil.FileSystem
	Dir  string
	Size vg.Length
}

// NewQuicklook writes 12cm square images into dir.
func NewQuicklook(fsys fsutil.FileSystem, dir string) *Quicklook {
	return &Quicklook{FS: fsys, Dir: dir, Size: 12 * vg.Centimeter}
}

// Path is the PNG path for chip.
func (q *Quicklook) Path(chip string) string {
	return filepath.Join(q.Dir, chip+"_"+raster.DynamicsSuffix+".png")
}

// codeGrid adapts a CodeRaster to plotter.GridXYZ with row 0 at the bottom.
type codeGrid struct {
	c *raster.CodeRaster
}

func (g codeGrid) Dims() (c, r int) { return g.c.Width, g.c.Height }

func (g codeGrid) Z(c, r int) float64 {
	v := g.c.At(c, g.c.Height-1-r)
	if v == landcover.Sentinel {
		return math.NaN()
	}
	return float64(v)
}

func (g codeGrid) X(c int) float64 {
	return g.c.Transform.OriginX + (float64(c)+0.5)*g.c.Transform.PixelWidth
}

func (g codeGrid) Y(r int) float64 {
	_, bottom, _, _ := g.c.Transform.Bounds(g.c.Width, g.c.Height)
	return bottom + (float64(r)+0.5)*g.c.Transform.PixelHeight
}

// Render writes the quicklook for chip.
func (q *Quicklook) Render(chip string, codes *raster.CodeRaster) error {
	if codes == nil || codes.Width == 0 || codes.Height == 0 {
		return fmt.Errorf("no codes to render for %s", chip)
	}
	maxCode := 1.0
	for _, v := range codes.Pix {
		if float64(v) > maxCode {
			maxCode = float64(v)
		}
	}

	p := plot.New()
	p.Title.Text = chip + " dynamicity"
	p.X.Label.Text = "lon"
	p.Y.Label.Text = "lat"

	hm := plotter.NewHeatMap(codeGrid{codes}, palette.Heat(int(maxCode)+1, 1))
	hm.Min = 0
	hm.Max = maxCode
	hm.NaN = color.Transparent
	p.Add(hm)

	wt, err := p.WriterTo(q.Size, q.Size, "png")
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		return err
	}
	if err := q.FS.MkdirAll(q.Dir, os.ModePerm); err != nil {
		return err
	}
	return q.FS.ReplaceFile(q.Path(chip), buf.Bytes(), 0644)
}
