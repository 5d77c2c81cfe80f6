package geo

import (
	"context"
	"fmt"

	"github.com/ctessum/geom"
	"github.com/tidwall/gjson"

	"github.com/banshee-data/landcover.report/internal/fsutil"
	"github.com/banshee-data/landcover.report/internal/landcover"
)

// BoundarySource resolves an area name to its boundary polygons.
type BoundarySource interface {
	Boundary(ctx context.Context, name string) (*Area, error)
}

// GeoJSONSource reads a FeatureCollection and selects the feature whose
// NameProperty equals the requested name. Polygon and MultiPolygon
// geometries are supported; every polygon becomes one subregion in file order.
type GeoJSONSource struct {
	FS           fsutil.FileSystem
	Path         string
	NameProperty string
}

// NewGeoJSONSource returns a source reading path from the OS filesystem.
func NewGeoJSONSource(path, nameProperty string) *GeoJSONSource {
	if nameProperty == "" {
		nameProperty = "name"
	}
	return &GeoJSONSource{FS: fsutil.OSFileSystem{}, Path: path, NameProperty: nameProperty}
}

// Boundary implements BoundarySource. A missing file or feature is a fatal
// configuration error.
func (s *GeoJSONSource) Boundary(ctx context.Context, name string) (*Area, error) {
	data, err := s.FS.ReadFile(s.Path)
	if err != nil {
		return nil, landcover.Fatalf("read boundary file %s: %v", s.Path, err)
	}
	return ParseGeoJSON(data, s.NameProperty, name)
}

// ParseGeoJSON extracts the named feature from a FeatureCollection.
func ParseGeoJSON(data []byte, nameProperty, name string) (*Area, error) {
	if !gjson.ValidBytes(data) {
		return nil, landcover.Fatalf("boundary file is not valid JSON")
	}
	doc := gjson.ParseBytes(data)
	if doc.Get("type").String() != "FeatureCollection" {
		return nil, landcover.Fatalf("boundary file is %q, want FeatureCollection", doc.Get("type").String())
	}

	var feature gjson.Result
	doc.Get("features").ForEach(func(_, f gjson.Result) bool {
		if f.Get("properties."+gjson.Escape(nameProperty)).String() == name {
			feature = f
			return false
		}
		return true
	})
	if !feature.Exists() {
		return nil, landcover.Fatalf("no feature with %s=%q in boundary file", nameProperty, name)
	}

	geometry := feature.Get("geometry")
	var polys []geom.Polygon
	switch t := geometry.Get("type").String(); t {
	case "Polygon":
		polys = append(polys, parsePolygon(geometry.Get("coordinates")))
	case "MultiPolygon":
		for _, p := range geometry.Get("coordinates").Array() {
			polys = append(polys, parsePolygon(p))
		}
	default:
		return nil, landcover.Fatalf("feature %q has unsupported geometry type %q", name, t)
	}
	if len(polys) == 0 {
		return nil, landcover.Fatalf("feature %q has no polygons", name)
	}

	return &Area{Name: name, EPSG: DefaultEPSG, Subregions: polys}, nil
}

func parsePolygon(coords gjson.Result) geom.Polygon {
	var p geom.Polygon
	for _, ring := range coords.Array() {
		var path geom.Path
		for _, pt := range ring.Array() {
			xy := pt.Array()
			if len(xy) < 2 {
				continue
			}
			path = append(path, geom.Point{X: xy[0].Float(), Y: xy[1].Float()})
		}
		p = append(p, path)
	}
	return p
}

// StaticSource serves preloaded areas, keyed by name.
type StaticSource map[string]*Area

// Boundary implements BoundarySource.
func (s StaticSource) Boundary(ctx context.Context, name string) (*Area, error) {
	a, ok := s[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown area %q", landcover.ErrFatalConfiguration, name)
	}
	return a, nil
}
