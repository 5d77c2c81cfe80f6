package geo

import (
	"math"
	"sort"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/index/rtree"
)

// minPartArea discards slivers left by the clipper along tile edges.
const minPartArea = 1e-12

// indexedRing is stored in the rtree; the embedded polygon satisfies
// geom.Geom and Bounds returns the precomputed box.
type indexedRing struct {
	geom.Polygon
	idx    int
	ring   geom.Path
	bounds *geom.Bounds
	area   float64
}

func (r *indexedRing) Bounds() *geom.Bounds { return r.bounds }

// SplitParts separates a clip result whose paths may describe several
// disjoint shapes into one polygon per outer ring, each carrying the holes
// nested directly inside it. A ring nested inside an even number of other
// rings is an outer ring; odd nesting makes it a hole of its innermost
// container. Parts are ordered by min X, then min Y of their bounds.
func SplitParts(p geom.Polygon) []geom.Polygon {
	rings := make([]*indexedRing, 0, len(p))
	tree := rtree.NewTree(25, 50)
	for i, path := range p {
		if len(path) < 3 {
			continue
		}
		poly := geom.Polygon{path}
		r := &indexedRing{
			Polygon: poly,
			idx:     i,
			ring:    path,
			bounds:  poly.Bounds(),
			area:    math.Abs(signedArea(path)),
		}
		if r.area < minPartArea {
			continue
		}
		rings = append(rings, r)
		tree.Insert(r)
	}

	// containers[i] lists the rings that contain ring i.
	containers := make(map[int][]*indexedRing, len(rings))
	for _, r := range rings {
		first := r.ring[0]
		for _, cand := range tree.SearchIntersect(r.bounds) {
			c := cand.(*indexedRing)
			if c.idx == r.idx || c.area <= r.area {
				continue
			}
			if pointInRing(first, c.ring) {
				containers[r.idx] = append(containers[r.idx], c)
			}
		}
	}

	parts := make(map[int]geom.Polygon)
	var outers []*indexedRing
	for _, r := range rings {
		if len(containers[r.idx])%2 == 0 {
			parts[r.idx] = geom.Polygon{r.ring}
			outers = append(outers, r)
		}
	}
	for _, r := range rings {
		cs := containers[r.idx]
		if len(cs)%2 == 0 {
			continue
		}
		// The innermost container is the smallest one.
		owner := cs[0]
		for _, c := range cs[1:] {
			if c.area < owner.area {
				owner = c
			}
		}
		if part, ok := parts[owner.idx]; ok {
			parts[owner.idx] = append(part, r.ring)
		}
	}

	sort.SliceStable(outers, func(i, j int) bool {
		a, b := outers[i].bounds.Min, outers[j].bounds.Min
		if a.X != b.X {
			return a.X < b.X
		}
		return a.Y < b.Y
	})
	out := make([]geom.Polygon, 0, len(outers))
	for _, o := range outers {
		out = append(out, parts[o.idx])
	}
	return out
}

// PolygonArea returns the area of p (outer minus holes) in squared degrees.
func PolygonArea(p geom.Polygon) float64 {
	if len(p) == 0 {
		return 0
	}
	area := math.Abs(signedArea(p[0]))
	for _, hole := range p[1:] {
		area -= math.Abs(signedArea(hole))
	}
	if area < 0 {
		return 0
	}
	return area
}

func signedArea(ring geom.Path) float64 {
	var sum float64
	n := len(ring)
	for i := 0; i < n; i++ {
		a, b := ring[i], ring[(i+1)%n]
		sum += a.X*b.Y - b.X*a.Y
	}
	return sum / 2
}

// pointInRing is an even-odd ray cast; points on an edge may fall either way.
func pointInRing(pt geom.Point, ring geom.Path) bool {
	in := false
	n := len(ring)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		a, b := ring[i], ring[j]
		if (a.Y > pt.Y) != (b.Y > pt.Y) &&
			pt.X < (b.X-a.X)*(pt.Y-a.Y)/(b.Y-a.Y)+a.X {
			in = !in
		}
	}
	return in
}
