package admission

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/JakeFAU/zonal-climate-analyzer/internal/climate"
	"github.com/paulmach/orb"
)

// fingerprintVersion changes whenever the canonical form changes.
const fingerprintVersion = "zca-fp-v1"

// Fingerprint digests the canonical form of area. Polygon order, ring start
// vertex, ring orientation and sub-millimetre noise do not affect the result.
//
// The digest covers geometry only, because a job's output depends on nothing
// else today. Language and caller are not part of it. Any future
// submission option that changes the computed records (a year range,
// parameter subset or statistic) must be folded into the hashed input and
// fingerprintVersion bumped, or jobs that differ would share one lease.
func Fingerprint(h climate.Hasher, area climate.NormalizedArea) (climate.Fingerprint, error) {
	canon := Canonical(area.Geometry)
	if canon == "" {
		return "", climate.Errorf(climate.KindEmptyGeometry, "Cannot fingerprint an empty area.")
	}
	sum, err := h.Hash([]byte(fingerprintVersion + "\n" + canon))
	if err != nil {
		return "", fmt.Errorf("hash canonical geometry: %w", err)
	}
	return climate.Fingerprint(sum), nil
}

// Canonical renders mp as a deterministic string. Coordinates are in metres
// and rounded to the millimetre.
func Canonical(mp orb.MultiPolygon) string {
	polys := make([]string, 0, len(mp))
	for _, poly := range mp {
		if len(poly) == 0 {
			continue
		}
		shell := canonicalRing(poly[0], true)
		if shell == "" {
			continue
		}
		holes := make([]string, 0, len(poly)-1)
		for _, r := range poly[1:] {
			if h := canonicalRing(r, false); h != "" {
				holes = append(holes, h)
			}
		}
		sort.Strings(holes)
		polys = append(polys, strings.Join(append([]string{shell}, holes...), "|"))
	}
	sort.Strings(polys)
	return strings.Join(polys, "\n")
}

type mm struct{ x, y int64 }

func canonicalRing(r orb.Ring, shell bool) string {
	pts := make([]mm, 0, len(r))
	for _, p := range r {
		q := mm{x: int64(math.Round(p[0] * 1000)), y: int64(math.Round(p[1] * 1000))}
		if n := len(pts); n > 0 && pts[n-1] == q {
			continue
		}
		pts = append(pts, q)
	}
	if len(pts) > 1 && pts[0] == pts[len(pts)-1] {
		pts = pts[:len(pts)-1]
	}
	if len(pts) < 3 {
		return ""
	}

	// Shells counter-clockwise, holes clockwise.
	if ccw := twiceArea(pts) > 0; ccw != shell {
		for i, j := 0, len(pts)-1; i < j; i, j = i+1, j-1 {
			pts[i], pts[j] = pts[j], pts[i]
		}
	}

	start := 0
	for i, p := range pts {
		if p.x < pts[start].x || (p.x == pts[start].x && p.y < pts[start].y) {
			start = i
		}
	}

	var b strings.Builder
	for i := range pts {
		p := pts[(start+i)%len(pts)]
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(strconv.FormatInt(p.x, 10))
		b.WriteByte(',')
		b.WriteString(strconv.FormatInt(p.y, 10))
	}
	return b.String()
}

func twiceArea(pts []mm) int64 {
	var sum int64
	for i := range pts {
		j := (i + 1) % len(pts)
		sum += pts[i].x*pts[j].y - pts[j].x*pts[i].y
	}
	return sum
}
