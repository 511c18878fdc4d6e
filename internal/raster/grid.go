// Package raster keeps a local cache of annual climate grids and decodes the
// ESRI ASCII grids the remote archive publishes.
package raster

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
)

// AnalysisCRS is the reference system all cached grids are expressed in.
const AnalysisCRS = "EPSG:31467"

// Header describes a cached grid. The source format carries no coordinate
// reference, so CRS is attached when the grid is cached.
type Header struct {
	Parameter string  `json:"parameter"`
	Year      int     `json:"year"`
	CRS       string  `json:"crs"`
	NCols     int     `json:"ncols"`
	NRows     int     `json:"nrows"`
	XLL       float64 `json:"xll"`
	YLL       float64 `json:"yll"`
	CellSize  float64 `json:"cellsize"`
	NoData    float64 `json:"nodata"`
	Scale     float64 `json:"scale"`
}

// Layout is the georeferencing part of a header. Grids sharing a layout
// share cell geometry.
type Layout struct {
	NCols, NRows   int
	XLL, YLL, Cell float64
}

// Layout returns the header's cell geometry.
func (h Header) Layout() Layout {
	return Layout{NCols: h.NCols, NRows: h.NRows, XLL: h.XLL, YLL: h.YLL, Cell: h.CellSize}
}

// Bound returns the grid extent.
func (l Layout) Bound() orb.Bound {
	return orb.Bound{
		Min: orb.Point{l.XLL, l.YLL},
		Max: orb.Point{l.XLL + float64(l.NCols)*l.Cell, l.YLL + float64(l.NRows)*l.Cell},
	}
}

// CellBound returns the extent of the cell at col, row. Row 0 is the northern edge.
func (l Layout) CellBound(col, row int) orb.Bound {
	x0 := l.XLL + float64(col)*l.Cell
	y1 := l.YLL + float64(l.NRows-row)*l.Cell
	return orb.Bound{Min: orb.Point{x0, y1 - l.Cell}, Max: orb.Point{x0 + l.Cell, y1}}
}

// Grid is a decoded raster. Values are row-major from the north-west corner;
// nodata cells hold NaN.
type Grid struct {
	Header
	Values []float32
}

// At returns the raw value of a cell and whether it holds data.
func (g *Grid) At(col, row int) (float32, bool) {
	v := g.Values[row*g.NCols+col]
	return v, !math.IsNaN(float64(v))
}

// ParseASCII decodes an ESRI ASCII grid.
func ParseASCII(r io.Reader) (*Grid, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	sc.Split(bufio.ScanWords)

	var (
		h                  = Header{NoData: -9999}
		centerX, centerY   bool
		seen               = map[string]bool{}
		first              string
		haveFirst, hasData bool
	)
	for sc.Scan() {
		key := strings.ToLower(sc.Text())
		if _, err := strconv.ParseFloat(key, 64); err == nil {
			first, haveFirst = sc.Text(), true
			break
		}
		if !sc.Scan() {
			return nil, fmt.Errorf("header %s has no value", key)
		}
		val := sc.Text()
		num, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return nil, fmt.Errorf("header %s: %w", key, err)
		}
		switch key {
		case "ncols":
			h.NCols = int(num)
		case "nrows":
			h.NRows = int(num)
		case "xllcorner":
			h.XLL = num
		case "xllcenter":
			h.XLL, centerX = num, true
		case "yllcorner":
			h.YLL = num
		case "yllcenter":
			h.YLL, centerY = num, true
		case "cellsize":
			h.CellSize = num
		case "nodata_value":
			h.NoData = num
		default:
			return nil, fmt.Errorf("unknown header %q", key)
		}
		seen[key] = true
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan grid: %w", err)
	}
	if h.NCols <= 0 || h.NRows <= 0 || h.CellSize <= 0 {
		return nil, fmt.Errorf("invalid grid header: ncols=%d nrows=%d cellsize=%g", h.NCols, h.NRows, h.CellSize)
	}
	if !(seen["xllcorner"] || seen["xllcenter"]) || !(seen["yllcorner"] || seen["yllcenter"]) {
		return nil, fmt.Errorf("grid header lacks lower-left origin")
	}
	if centerX {
		h.XLL -= h.CellSize / 2
	}
	if centerY {
		h.YLL -= h.CellSize / 2
	}

	n := h.NCols * h.NRows
	values := make([]float32, 0, n)
	nan := float32(math.NaN())
	push := func(tok string) error {
		v, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			return fmt.Errorf("cell %d: %w", len(values), err)
		}
		if v == h.NoData || math.IsNaN(v) {
			values = append(values, nan)
			return nil
		}
		hasData = true
		values = append(values, float32(v))
		return nil
	}
	if haveFirst {
		if err := push(first); err != nil {
			return nil, err
		}
	}
	for len(values) < n && sc.Scan() {
		if err := push(sc.Text()); err != nil {
			return nil, err
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan grid: %w", err)
	}
	if len(values) != n {
		return nil, fmt.Errorf("grid truncated: %d of %d cells", len(values), n)
	}
	if !hasData {
		return nil, fmt.Errorf("grid holds no data")
	}
	return &Grid{Header: h, Values: values}, nil
}
