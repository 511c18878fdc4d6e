package crs

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var (
	authorityRe  = regexp.MustCompile(`AUTHORITY\[\s*"EPSG"\s*,\s*"?(\d+)"?\s*\]`)
	idRe         = regexp.MustCompile(`\bID\[\s*"EPSG"\s*,\s*(\d+)\s*\]`)
	projectionRe = regexp.MustCompile(`PROJECTION\[\s*"([^"]+)"`)
	parameterRe  = regexp.MustCompile(`PARAMETER\[\s*"([^"]+)"\s*,\s*([-+0-9.eE]+)\s*\]`)
	spheroidRe   = regexp.MustCompile(`(?:SPHEROID|ELLIPSOID)\[\s*"[^"]*"\s*,\s*([0-9.eE+]+)\s*,\s*([0-9.eE+]+)`)
	epsgCodeRe   = regexp.MustCompile(`(?i)EPSG:{1,2}(?:[0-9.]*:)?(\d+)$`)
)

// Parse accepts an EPSG reference ("EPSG:25832", "urn:ogc:def:crs:EPSG::25832",
// the CRS84 URN) or a WKT definition.
func Parse(def string) (CRS, error) {
	def = strings.TrimSpace(def)
	if def == "" {
		return CRS{}, fmt.Errorf("%w: empty definition", ErrUnsupported)
	}
	upper := strings.ToUpper(def)
	if strings.HasSuffix(upper, "CRS84") {
		return WGS84, nil
	}
	if m := epsgCodeRe.FindStringSubmatch(def); m != nil {
		code, err := strconv.Atoi(m[1])
		if err != nil {
			return CRS{}, fmt.Errorf("parse epsg code: %w", err)
		}
		return FromEPSG(code)
	}
	return FromWKT(def)
}

// FromWKT interprets an OGC or ESRI WKT1 definition.
func FromWKT(wkt string) (CRS, error) {
	upper := strings.ToUpper(strings.TrimSpace(strings.TrimPrefix(wkt, "\ufeff")))

	// The outermost authority is the last one in WKT1 and the first in WKT2.
	if ms := authorityRe.FindAllStringSubmatch(upper, -1); len(ms) > 0 {
		if c, err := epsgFromMatch(ms[len(ms)-1]); err == nil {
			return c, nil
		}
	}
	if m := idRe.FindStringSubmatch(upper); m != nil {
		if c, err := epsgFromMatch(m); err == nil {
			return c, nil
		}
	}

	d, err := detectDatum(upper)
	if err != nil {
		return CRS{}, err
	}

	switch {
	case strings.HasPrefix(upper, "GEOGCS") || strings.HasPrefix(upper, "GEOGCRS"):
		return CRS{Name: "custom geographic (" + d.name + ")", kind: geographic, datum: d}, nil
	case strings.HasPrefix(upper, "PROJCS") || strings.HasPrefix(upper, "PROJCRS"):
	default:
		return CRS{}, fmt.Errorf("%w: unrecognized WKT", ErrUnsupported)
	}

	m := projectionRe.FindStringSubmatch(upper)
	if m == nil {
		return CRS{}, fmt.Errorf("%w: projection missing", ErrUnsupported)
	}
	proj := normalizeName(m[1])
	switch proj {
	case "transversemercator", "gausskruger", "gausskrueger":
	case "mercatorauxiliarysphere", "popularvisualisationpseudomercator":
		return CRS{Code: 3857, Name: "WGS 84 / Pseudo-Mercator", kind: webMercator, datum: datumWGS84}, nil
	default:
		return CRS{}, fmt.Errorf("%w: projection %s", ErrUnsupported, m[1])
	}

	params := tmParams{k0: 1}
	for _, pm := range parameterRe.FindAllStringSubmatch(upper, -1) {
		val, err := strconv.ParseFloat(pm[2], 64)
		if err != nil {
			return CRS{}, fmt.Errorf("parse parameter %s: %w", pm[1], err)
		}
		switch normalizeName(pm[1]) {
		case "falseeasting":
			params.fe = val
		case "falsenorthing":
			params.fn = val
		case "centralmeridian", "longitudeofcenter", "longitudeofnaturalorigin":
			params.lon0 = val
		case "latitudeoforigin", "latitudeofcenter", "latitudeofnaturalorigin":
			params.lat0 = val
		case "scalefactor", "scalefactoratnaturalorigin":
			params.k0 = val
		}
	}
	c := CRS{Name: "custom transverse mercator (" + d.name + ")", kind: transverseMercator, datum: d, tm: params}
	if known := matchKnown(c); known.Code != 0 {
		return known, nil
	}
	return c, nil
}

func epsgFromMatch(m []string) (CRS, error) {
	code, err := strconv.Atoi(m[1])
	if err != nil {
		return CRS{}, fmt.Errorf("parse authority: %w", err)
	}
	return FromEPSG(code)
}

func detectDatum(upper string) (datum, error) {
	compact := normalizeName(upper)
	switch {
	case strings.Contains(compact, "deutscheshauptdreiecksnetz"), strings.Contains(compact, "dhdn"),
		strings.Contains(compact, "potsdam"), strings.Contains(compact, "bessel"):
		return datumDHDN, nil
	case strings.Contains(compact, "etrs"), strings.Contains(compact, "grs1980"), strings.Contains(compact, "grs80"):
		return datumETRS89, nil
	case strings.Contains(compact, "wgs84"), strings.Contains(compact, "wgs1984"):
		return datumWGS84, nil
	}
	if m := spheroidRe.FindStringSubmatch(upper); m != nil {
		a, errA := strconv.ParseFloat(m[1], 64)
		invf, errF := strconv.ParseFloat(m[2], 64)
		if errA == nil && errF == nil && math.Abs(a-wgs84.a) < 0.5 && math.Abs(invf-298.2572) < 0.001 {
			return datumWGS84, nil
		}
	}
	return datum{}, fmt.Errorf("%w: unknown datum", ErrUnsupported)
}

func matchKnown(c CRS) CRS {
	for _, code := range []int{31466, 31467, 31468, 31469, 25832, 25833} {
		known, _ := FromEPSG(code)
		if known.datum.name == c.datum.name && almost(known.tm, c.tm) {
			return known
		}
	}
	return CRS{}
}

func almost(a, b tmParams) bool {
	return math.Abs(a.lon0-b.lon0) < 1e-9 && math.Abs(a.lat0-b.lat0) < 1e-9 &&
		math.Abs(a.k0-b.k0) < 1e-9 && math.Abs(a.fe-b.fe) < 1e-3 && math.Abs(a.fn-b.fn) < 1e-3
}

func normalizeName(s string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(s) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return strings.ToLower(b.String())
}
