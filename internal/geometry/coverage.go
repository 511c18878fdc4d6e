package geometry

import (
	"fmt"
	"os"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"

	"github.com/JakeFAU/zonal-climate-analyzer/internal/climate"
	"github.com/JakeFAU/zonal-climate-analyzer/internal/crs"
)

// DefaultExtent is the footprint of the annual grids in EPSG:31467.
var DefaultExtent = orb.Bound{
	Min: orb.Point{3280414.71, 5237500.63},
	Max: orb.Point{3934414.71, 6103500.63},
}

// Coverage answers whether an area overlaps the raster archive.
type Coverage struct {
	extent orb.Bound
	// boundary is an optional finer outline in WGS84.
	boundary orb.MultiPolygon
	outline  orb.MultiPolygon
}

// NewCoverage builds a coverage from the grid extent (analysis CRS) and an
// optional WGS84 boundary.
func NewCoverage(extent orb.Bound, boundary orb.MultiPolygon) *Coverage {
	c := &Coverage{extent: extent, boundary: boundary}
	if len(boundary) > 0 {
		c.outline = boundary
	} else {
		c.outline = orb.MultiPolygon{extentOutline(extent)}
	}
	return c
}

// LoadBoundary reads a WGS84 GeoJSON outline from path.
func LoadBoundary(path string) (orb.MultiPolygon, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read coverage boundary: %w", err)
	}
	l, err := readGeoJSON(data)
	if err != nil {
		return nil, fmt.Errorf("parse coverage boundary: %w", err)
	}
	if len(l.polygons) == 0 {
		return nil, fmt.Errorf("coverage boundary %s has no polygons", path)
	}
	return crs.NewTransformer(l.crs, crs.WGS84).MultiPolygon(l.polygons), nil
}

// Boundary returns the coverage outline in WGS84.
func (c *Coverage) Boundary() orb.MultiPolygon {
	return c.outline
}

// FeatureCollection renders the outline as GeoJSON.
func (c *Coverage) FeatureCollection() *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	f := geojson.NewFeature(c.outline)
	f.Properties["crs"] = crs.WGS84.String()
	f.Properties["grid_crs"] = crs.GK3.String()
	fc.Append(f)
	return fc
}

// Check rejects areas whose envelope misses the grid extent or, with a
// boundary configured, any polygon that does not touch the boundary.
func (c *Coverage) Check(area climate.NormalizedArea) error {
	if !area.Bound.Intersects(c.extent) {
		return climate.Errorf(climate.KindOutsideCoverage,
			"All polygons must lie within the raster coverage area.")
	}
	if len(c.boundary) == 0 {
		return nil
	}
	for _, poly := range area.Geographic {
		if !polygonTouches(poly, c.boundary) {
			return climate.Errorf(climate.KindOutsideCoverage,
				"All polygons must lie within the raster coverage area.")
		}
	}
	return nil
}

// extentOutline projects the extent rectangle to WGS84, densifying edges so
// the curved result stays faithful.
func extentOutline(b orb.Bound) orb.Polygon {
	const steps = 16
	corners := []orb.Point{b.Min, {b.Max[0], b.Min[1]}, b.Max, {b.Min[0], b.Max[1]}}
	ring := make(orb.Ring, 0, 4*steps+1)
	for i := range corners {
		from, to := corners[i], corners[(i+1)%len(corners)]
		for s := 0; s < steps; s++ {
			t := float64(s) / steps
			p := orb.Point{from[0] + t*(to[0]-from[0]), from[1] + t*(to[1]-from[1])}
			ring = append(ring, crs.GK3.ToWGS84(p))
		}
	}
	ring = append(ring, ring[0])
	return orb.Polygon{ring}
}

// polygonTouches reports whether poly and mp share any point.
func polygonTouches(poly orb.Polygon, mp orb.MultiPolygon) bool {
	if len(poly) == 0 || !poly.Bound().Intersects(mp.Bound()) {
		return false
	}
	for _, p := range poly[0] {
		if planar.MultiPolygonContains(mp, p) {
			return true
		}
	}
	for _, other := range mp {
		if len(other) > 0 && len(other[0]) > 0 && planar.PolygonContains(poly, other[0][0]) {
			return true
		}
	}
	for _, other := range mp {
		if !other.Bound().Intersects(poly.Bound()) {
			continue
		}
		if ringsCross(poly[0], other[0]) {
			return true
		}
	}
	return false
}

func ringsCross(a, b orb.Ring) bool {
	for i := 0; i+1 < len(a); i++ {
		sb := orb.Bound{Min: a[i], Max: a[i]}.Extend(a[i+1])
		for j := 0; j+1 < len(b); j++ {
			if !sb.Intersects(orb.Bound{Min: b[j], Max: b[j]}.Extend(b[j+1])) {
				continue
			}
			if segmentsIntersect(a[i], a[i+1], b[j], b[j+1]) {
				return true
			}
		}
	}
	return false
}

func segmentsIntersect(p1, p2, q1, q2 orb.Point) bool {
	d1 := cross(q1, q2, p1)
	d2 := cross(q1, q2, p2)
	d3 := cross(p1, p2, q1)
	d4 := cross(p1, p2, q2)
	return ((d1 > 0) != (d2 > 0) || d1 == 0 || d2 == 0) &&
		((d3 > 0) != (d4 > 0) || d3 == 0 || d4 == 0)
}

func cross(o, a, b orb.Point) float64 {
	return (a[0]-o[0])*(b[1]-o[1]) - (a[1]-o[1])*(b[0]-o[0])
}
