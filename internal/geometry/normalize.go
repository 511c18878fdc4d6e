package geometry

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"github.com/JakeFAU/zonal-climate-analyzer/internal/crs"
)

// layer is the polygonal content of one parsed upload, in its source CRS.
type layer struct {
	polygons orb.MultiPolygon
	// features counts every feature read, polygonal or not.
	features int
	// polygonal counts features that contributed at least one polygon.
	polygonal int
	crs       crs.CRS
}

func (l *layer) add(g orb.Geometry) {
	l.features++
	polys := cleanPolygons(polygonsOf(g))
	if len(polys) == 0 {
		return
	}
	l.polygonal++
	l.polygons = append(l.polygons, polys...)
}

// polygonsOf extracts polygon parts from g. Other geometry types yield nil.
func polygonsOf(g orb.Geometry) orb.MultiPolygon {
	switch v := g.(type) {
	case orb.Polygon:
		return orb.MultiPolygon{v}
	case orb.MultiPolygon:
		return v
	case orb.Collection:
		var out orb.MultiPolygon
		for _, child := range v {
			out = append(out, polygonsOf(child)...)
		}
		return out
	default:
		return nil
	}
}

// cleanPolygons closes open rings and drops rings with fewer than three
// distinct points. A polygon whose shell collapses is dropped entirely.
func cleanPolygons(mp orb.MultiPolygon) orb.MultiPolygon {
	out := make(orb.MultiPolygon, 0, len(mp))
	for _, poly := range mp {
		if len(poly) == 0 {
			continue
		}
		shell := closeRing(poly[0])
		if len(shell) < 4 {
			continue
		}
		clean := orb.Polygon{shell}
		for _, hole := range poly[1:] {
			if h := closeRing(hole); len(h) >= 4 {
				clean = append(clean, h)
			}
		}
		out = append(out, clean)
	}
	return out
}

func closeRing(r orb.Ring) orb.Ring {
	if len(r) == 0 {
		return r
	}
	if r[0] != r[len(r)-1] {
		closed := make(orb.Ring, len(r), len(r)+1)
		copy(closed, r)
		return append(closed, r[0])
	}
	return r
}

// countVertices counts ring coordinates including each closing point.
func countVertices(mp orb.MultiPolygon) int {
	n := 0
	for _, poly := range mp {
		for _, ring := range poly {
			n += len(ring)
		}
	}
	return n
}

// signedArea is positive for counter-clockwise rings.
func signedArea(r orb.Ring) float64 {
	var sum float64
	for i := 0; i+1 < len(r); i++ {
		sum += r[i][0]*r[i+1][1] - r[i+1][0]*r[i][1]
	}
	return sum / 2
}

// assembleRings groups flat rings into polygons. Clockwise rings are shells
// and counter-clockwise rings are holes of the shell that contains them.
func assembleRings(rings []orb.Ring) orb.MultiPolygon {
	var shells orb.MultiPolygon
	var holes []orb.Ring
	for _, r := range rings {
		r = closeRing(r)
		if len(r) < 4 {
			continue
		}
		if signedArea(r) <= 0 {
			shells = append(shells, orb.Polygon{r})
		} else {
			holes = append(holes, r)
		}
	}
	for _, h := range holes {
		placed := false
		for i := range shells {
			if planar.RingContains(shells[i][0], h[0]) {
				shells[i] = append(shells[i], h)
				placed = true
				break
			}
		}
		if !placed {
			shells = append(shells, orb.Polygon{h})
		}
	}
	return shells
}
