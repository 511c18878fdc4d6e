// Package crs converts coordinates between the reference systems accepted for
// uploads and the DHDN / Gauss-Krüger zone 3 analysis grid.
package crs

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

// ErrUnsupported is returned for reference systems without a known transform.
var ErrUnsupported = errors.New("unsupported coordinate reference system")

type kind int

const (
	geographic kind = iota
	transverseMercator
	webMercator
)

type ellipsoid struct {
	a float64
	f float64
}

func (e ellipsoid) e2() float64 { return 2*e.f - e.f*e.f }

var (
	grs80   = ellipsoid{a: 6378137.0, f: 1 / 298.257222101}
	wgs84   = ellipsoid{a: 6378137.0, f: 1 / 298.257223563}
	bessel  = ellipsoid{a: 6377397.155, f: 1 / 299.1528128}
	arcsec  = math.Pi / (180 * 3600)
	degrees = math.Pi / 180
)

// helmert is a position-vector seven parameter shift to WGS84.
type helmert struct {
	tx, ty, tz float64 // metres
	rx, ry, rz float64 // arc seconds
	ppm        float64
}

// dhdnToWGS84 is the Germany-wide Potsdam datum shift.
var dhdnToWGS84 = &helmert{tx: 598.1, ty: 73.7, tz: 418.2, rx: 0.202, ry: 0.045, rz: -2.455, ppm: 6.7}

type datum struct {
	name      string
	ellipsoid ellipsoid
	toWGS84   *helmert
}

var (
	datumWGS84  = datum{name: "WGS84", ellipsoid: wgs84}
	datumETRS89 = datum{name: "ETRS89", ellipsoid: grs80}
	datumDHDN   = datum{name: "DHDN", ellipsoid: bessel, toWGS84: dhdnToWGS84}
)

type tmParams struct {
	lon0 float64 // degrees
	lat0 float64 // degrees
	k0   float64
	fe   float64
	fn   float64
}

// CRS is a supported coordinate reference system.
type CRS struct {
	Code  int
	Name  string
	kind  kind
	datum datum
	tm    tmParams
}

func (c CRS) String() string {
	if c.Code != 0 {
		return fmt.Sprintf("EPSG:%d", c.Code)
	}
	return c.Name
}

// Geographic reports whether coordinates are longitude/latitude degrees.
func (c CRS) Geographic() bool { return c.kind == geographic }

// Well known systems.
var (
	WGS84 = CRS{Code: 4326, Name: "WGS 84", kind: geographic, datum: datumWGS84}
	// GK3 is the grid system of the climate archive.
	GK3 = gaussKrueger(31467, 3)
)

func gaussKrueger(code, zone int) CRS {
	return CRS{
		Code:  code,
		Name:  fmt.Sprintf("DHDN / 3-degree Gauss-Kruger zone %d", zone),
		kind:  transverseMercator,
		datum: datumDHDN,
		tm:    tmParams{lon0: float64(3 * zone), k0: 1, fe: float64(zone)*1e6 + 500000},
	}
}

func utm(code, zone int) CRS {
	return CRS{
		Code:  code,
		Name:  fmt.Sprintf("ETRS89 / UTM zone %dN", zone),
		kind:  transverseMercator,
		datum: datumETRS89,
		tm:    tmParams{lon0: float64(6*zone - 183), k0: 0.9996, fe: 500000},
	}
}

// FromEPSG resolves a numeric EPSG code.
func FromEPSG(code int) (CRS, error) {
	switch code {
	case 4326:
		return WGS84, nil
	case 4258:
		return CRS{Code: 4258, Name: "ETRS89", kind: geographic, datum: datumETRS89}, nil
	case 4314:
		return CRS{Code: 4314, Name: "DHDN", kind: geographic, datum: datumDHDN}, nil
	case 3857, 900913:
		return CRS{Code: 3857, Name: "WGS 84 / Pseudo-Mercator", kind: webMercator, datum: datumWGS84}, nil
	case 25832:
		return utm(25832, 32), nil
	case 25833:
		return utm(25833, 33), nil
	case 32632:
		c := utm(32632, 32)
		c.datum = datumWGS84
		return c, nil
	case 32633:
		c := utm(32633, 33)
		c.datum = datumWGS84
		return c, nil
	case 31466, 31467, 31468, 31469:
		return gaussKrueger(code, code-31464), nil
	}
	return CRS{}, fmt.Errorf("%w: EPSG:%d", ErrUnsupported, code)
}

// ToWGS84 converts a coordinate into WGS84 longitude/latitude degrees.
func (c CRS) ToWGS84(p orb.Point) orb.Point {
	lon, lat := c.toGeographic(p)
	if c.datum.toWGS84 != nil {
		lon, lat = shift(lon, lat, c.datum.ellipsoid, wgs84, c.datum.toWGS84, false)
	}
	return orb.Point{lon, lat}
}

// FromWGS84 converts WGS84 longitude/latitude degrees into c.
func (c CRS) FromWGS84(p orb.Point) orb.Point {
	lon, lat := p[0], p[1]
	if c.datum.toWGS84 != nil {
		lon, lat = shift(lon, lat, wgs84, c.datum.ellipsoid, c.datum.toWGS84, true)
	}
	return c.fromGeographic(lon, lat)
}

func (c CRS) toGeographic(p orb.Point) (float64, float64) {
	switch c.kind {
	case transverseMercator:
		return tmInverse(c.datum.ellipsoid, c.tm, p[0], p[1])
	case webMercator:
		lon := p[0] / wgs84.a / degrees
		lat := (2*math.Atan(math.Exp(p[1]/wgs84.a)) - math.Pi/2) / degrees
		return lon, lat
	default:
		return p[0], p[1]
	}
}

func (c CRS) fromGeographic(lon, lat float64) orb.Point {
	switch c.kind {
	case transverseMercator:
		x, y := tmForward(c.datum.ellipsoid, c.tm, lon, lat)
		return orb.Point{x, y}
	case webMercator:
		x := wgs84.a * lon * degrees
		y := wgs84.a * math.Log(math.Tan(math.Pi/4+lat*degrees/2))
		return orb.Point{x, y}
	default:
		return orb.Point{lon, lat}
	}
}

// Transformer maps points from one system into another.
type Transformer struct {
	from, to CRS
	same     bool
}

// NewTransformer builds a point transform from -> to.
func NewTransformer(from, to CRS) Transformer {
	same := from.kind == to.kind && from.datum.name == to.datum.name && from.tm == to.tm
	return Transformer{from: from, to: to, same: same}
}

// Point transforms a single coordinate.
func (t Transformer) Point(p orb.Point) orb.Point {
	if t.same {
		return p
	}
	return t.to.FromWGS84(t.from.ToWGS84(p))
}

// Ring transforms every vertex of r into a new ring.
func (t Transformer) Ring(r orb.Ring) orb.Ring {
	out := make(orb.Ring, len(r))
	for i, p := range r {
		out[i] = t.Point(p)
	}
	return out
}

// MultiPolygon transforms every vertex of mp into a new multipolygon.
func (t Transformer) MultiPolygon(mp orb.MultiPolygon) orb.MultiPolygon {
	out := make(orb.MultiPolygon, len(mp))
	for i, poly := range mp {
		np := make(orb.Polygon, len(poly))
		for j, ring := range poly {
			np[j] = t.Ring(ring)
		}
		out[i] = np
	}
	return out
}

func tmForward(e ellipsoid, p tmParams, lon, lat float64) (float64, float64) {
	e2 := e.e2()
	ep2 := e2 / (1 - e2)
	phi := lat * degrees
	lam := (lon - p.lon0) * degrees
	sin, cos := math.Sincos(phi)
	n := e.a / math.Sqrt(1-e2*sin*sin)
	t := math.Tan(phi) * math.Tan(phi)
	c := ep2 * cos * cos
	a := lam * cos
	m := meridianArc(e, phi)
	m0 := meridianArc(e, p.lat0*degrees)

	x := p.fe + p.k0*n*(a+(1-t+c)*math.Pow(a, 3)/6+
		(5-18*t+t*t+72*c-58*ep2)*math.Pow(a, 5)/120)
	y := p.fn + p.k0*(m-m0+n*math.Tan(phi)*(a*a/2+
		(5-t+9*c+4*c*c)*math.Pow(a, 4)/24+
		(61-58*t+t*t+600*c-330*ep2)*math.Pow(a, 6)/720))
	return x, y
}

func tmInverse(e ellipsoid, p tmParams, x, y float64) (float64, float64) {
	e2 := e.e2()
	ep2 := e2 / (1 - e2)
	m0 := meridianArc(e, p.lat0*degrees)
	m := m0 + (y-p.fn)/p.k0
	mu := m / (e.a * (1 - e2/4 - 3*e2*e2/64 - 5*e2*e2*e2/256))
	sq := math.Sqrt(1 - e2)
	e1 := (1 - sq) / (1 + sq)
	phi1 := mu + (3*e1/2-27*math.Pow(e1, 3)/32)*math.Sin(2*mu) +
		(21*e1*e1/16-55*math.Pow(e1, 4)/32)*math.Sin(4*mu) +
		(151*math.Pow(e1, 3)/96)*math.Sin(6*mu) +
		(1097*math.Pow(e1, 4)/512)*math.Sin(8*mu)

	sin1, cos1 := math.Sincos(phi1)
	tan1 := math.Tan(phi1)
	n1 := e.a / math.Sqrt(1-e2*sin1*sin1)
	t1 := tan1 * tan1
	c1 := ep2 * cos1 * cos1
	r1 := e.a * (1 - e2) / math.Pow(1-e2*sin1*sin1, 1.5)
	d := (x - p.fe) / (n1 * p.k0)

	phi := phi1 - (n1*tan1/r1)*(d*d/2-
		(5+3*t1+10*c1-4*c1*c1-9*ep2)*math.Pow(d, 4)/24+
		(61+90*t1+298*c1+45*t1*t1-252*ep2-3*c1*c1)*math.Pow(d, 6)/720)
	lam := (d - (1+2*t1+c1)*math.Pow(d, 3)/6 +
		(5-2*c1+28*t1-3*c1*c1+8*ep2+24*t1*t1)*math.Pow(d, 5)/120) / cos1
	return p.lon0 + lam/degrees, phi / degrees
}

func meridianArc(e ellipsoid, phi float64) float64 {
	e2 := e.e2()
	e4 := e2 * e2
	e6 := e4 * e2
	return e.a * ((1-e2/4-3*e4/64-5*e6/256)*phi -
		(3*e2/8+3*e4/32+45*e6/1024)*math.Sin(2*phi) +
		(15*e4/256+45*e6/1024)*math.Sin(4*phi) -
		(35*e6/3072)*math.Sin(6*phi))
}

// shift moves geographic coordinates between datums through geocentric
// space. inverse applies the negated parameters.
func shift(lon, lat float64, from, to ellipsoid, h *helmert, inverse bool) (float64, float64) {
	x, y, z := toECEF(from, lon, lat)
	sign := 1.0
	if inverse {
		sign = -1
	}
	s := 1 + sign*h.ppm*1e-6
	rx, ry, rz := sign*h.rx*arcsec, sign*h.ry*arcsec, sign*h.rz*arcsec
	nx := sign*h.tx + s*(x-rz*y+ry*z)
	ny := sign*h.ty + s*(rz*x+y-rx*z)
	nz := sign*h.tz + s*(-ry*x+rx*y+z)
	return fromECEF(to, nx, ny, nz)
}

func toECEF(e ellipsoid, lon, lat float64) (float64, float64, float64) {
	e2 := e.e2()
	phi, lam := lat*degrees, lon*degrees
	sinPhi, cosPhi := math.Sincos(phi)
	sinLam, cosLam := math.Sincos(lam)
	n := e.a / math.Sqrt(1-e2*sinPhi*sinPhi)
	return n * cosPhi * cosLam, n * cosPhi * sinLam, n * (1 - e2) * sinPhi
}

func fromECEF(e ellipsoid, x, y, z float64) (float64, float64) {
	e2 := e.e2()
	lam := math.Atan2(y, x)
	p := math.Hypot(x, y)
	phi := math.Atan2(z, p*(1-e2))
	for range 6 {
		sin := math.Sin(phi)
		n := e.a / math.Sqrt(1-e2*sin*sin)
		h := p/math.Cos(phi) - n
		phi = math.Atan2(z, p*(1-e2*n/(n+h)))
	}
	return lam / degrees, phi / degrees
}
