package zonal

import (
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/clip"
	"github.com/paulmach/orb/planar"

	"github.com/JakeFAU/zonal-climate-analyzer/internal/raster"
)

// minWeight drops slivers produced by floating point noise at cell edges.
const minWeight = 1e-9

// cellWeight is the covered fraction of one grid cell.
type cellWeight struct {
	index  int
	weight float64
}

// coverage lists the covered cells of a layout in row-major order.
type coverage struct {
	cells []cellWeight
	total float64
}

// computeCoverage intersects area with every cell of layout. The area is
// first cut into row bands so each cell clip only sees nearby vertices.
func computeCoverage(area orb.MultiPolygon, layout raster.Layout) coverage {
	var cov coverage
	ab := area.Bound()
	gb := layout.Bound()
	if !ab.Intersects(gb) {
		return cov
	}
	colMin := clampIndex(int(math.Floor((ab.Min[0]-layout.XLL)/layout.Cell)), layout.NCols)
	colMax := clampIndex(int(math.Ceil((ab.Max[0]-layout.XLL)/layout.Cell))-1, layout.NCols)
	// Rows count down from the northern edge.
	top := layout.YLL + float64(layout.NRows)*layout.Cell
	rowMin := clampIndex(int(math.Floor((top-ab.Max[1])/layout.Cell)), layout.NRows)
	rowMax := clampIndex(int(math.Ceil((top-ab.Min[1])/layout.Cell))-1, layout.NRows)

	cellArea := layout.Cell * layout.Cell
	for row := rowMin; row <= rowMax; row++ {
		rb := layout.CellBound(colMin, row)
		rb.Max[0] = layout.CellBound(colMax, row).Max[0]
		band := clip.MultiPolygon(rb, area.Clone())
		if len(band) == 0 {
			continue
		}
		bandBound := band.Bound()
		for col := colMin; col <= colMax; col++ {
			cb := layout.CellBound(col, row)
			if !cb.Intersects(bandBound) {
				continue
			}
			piece := clip.MultiPolygon(cb, band.Clone())
			if len(piece) == 0 {
				continue
			}
			w := coveredArea(piece) / cellArea
			if w < minWeight {
				continue
			}
			if w > 1 {
				w = 1
			}
			cov.cells = append(cov.cells, cellWeight{index: row*layout.NCols + col, weight: w})
			cov.total += w
		}
	}
	return cov
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

// coveredArea is the area of the union of the polygons in mp, so parts of
// separate features that overlap inside a cell are counted once.
func coveredArea(mp orb.MultiPolygon) float64 {
	if !overlapping(mp) {
		return planar.Area(mp)
	}
	return unionArea(mp)
}

func overlapping(mp orb.MultiPolygon) bool {
	for i := range mp {
		bi := mp[i].Bound()
		for j := i + 1; j < len(mp); j++ {
			if bi.Intersects(mp[j].Bound()) {
				return true
			}
		}
	}
	return false
}

type segment struct {
	a, b orb.Point
	poly int
}

// unionArea integrates the union's cross-section over vertical slabs. Slab
// borders are every vertex and every edge crossing, so inside a slab the
// cross-section length is linear and its midpoint value is exact.
func unionArea(mp orb.MultiPolygon) float64 {
	var segs []segment
	var xs []float64
	for pi, poly := range mp {
		for _, ring := range poly {
			for i := 0; i+1 < len(ring); i++ {
				xs = append(xs, ring[i][0])
				if ring[i] != ring[i+1] {
					segs = append(segs, segment{a: ring[i], b: ring[i+1], poly: pi})
				}
			}
		}
	}
	for i := range segs {
		for j := i + 1; j < len(segs); j++ {
			if segs[i].poly == segs[j].poly {
				continue
			}
			if x, ok := crossingX(segs[i], segs[j]); ok {
				xs = append(xs, x)
			}
		}
	}
	sort.Float64s(xs)

	var area float64
	var ys []float64
	var spans [][2]float64
	for k := 0; k+1 < len(xs); k++ {
		x0, x1 := xs[k], xs[k+1]
		if x1-x0 <= 0 {
			continue
		}
		xm := (x0 + x1) / 2
		spans = spans[:0]
		for pi := range mp {
			ys = ys[:0]
			for _, s := range segs {
				if s.poly != pi || math.Min(s.a[0], s.b[0]) >= xm || math.Max(s.a[0], s.b[0]) <= xm {
					continue
				}
				ys = append(ys, s.a[1]+(xm-s.a[0])*(s.b[1]-s.a[1])/(s.b[0]-s.a[0]))
			}
			sort.Float64s(ys)
			for i := 0; i+1 < len(ys); i += 2 {
				spans = append(spans, [2]float64{ys[i], ys[i+1]})
			}
		}
		area += (x1 - x0) * unionLength(spans)
	}
	return area
}

// crossingX returns the x coordinate where two segments properly cross.
func crossingX(p, q segment) (float64, bool) {
	r := orb.Point{p.b[0] - p.a[0], p.b[1] - p.a[1]}
	s := orb.Point{q.b[0] - q.a[0], q.b[1] - q.a[1]}
	den := r[0]*s[1] - r[1]*s[0]
	if den == 0 {
		return 0, false
	}
	d := orb.Point{q.a[0] - p.a[0], q.a[1] - p.a[1]}
	t := (d[0]*s[1] - d[1]*s[0]) / den
	u := (d[0]*r[1] - d[1]*r[0]) / den
	if t <= 0 || t >= 1 || u <= 0 || u >= 1 {
		return 0, false
	}
	return p.a[0] + t*r[0], true
}

func unionLength(spans [][2]float64) float64 {
	sort.Slice(spans, func(i, j int) bool { return spans[i][0] < spans[j][0] })
	var total float64
	lo, hi := math.Inf(-1), math.Inf(-1)
	for _, sp := range spans {
		if sp[0] > hi {
			if hi > lo {
				total += hi - lo
			}
			lo, hi = sp[0], sp[1]
			continue
		}
		hi = math.Max(hi, sp[1])
	}
	if hi > lo {
		total += hi - lo
	}
	return total
}
