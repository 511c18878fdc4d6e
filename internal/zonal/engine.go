// Package zonal reduces cached climate grids over a polygon.
//
// Partial cells are weighted by the fraction of their area inside the
// polygon. min and max consider every cell with a positive weight; the mean
// is the weight-averaged value. Nodata cells are ignored, and a grid whose
// covered cells are all nodata yields no record.
package zonal

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/paulmach/orb"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/zonal-climate-analyzer/internal/climate"
	"github.com/JakeFAU/zonal-climate-analyzer/internal/logging"
	"github.com/JakeFAU/zonal-climate-analyzer/internal/raster"
)

// Options configures the Engine.
type Options struct {
	// Workers bounds concurrent grid reads.
	Workers int
	Logger  *zap.Logger
}

// Engine computes zonal statistics.
type Engine struct {
	workers int
	logger  *zap.Logger
}

// New builds an Engine.
func New(opts Options) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	return &Engine{workers: opts.Workers, logger: logging.OrNop(opts.Logger).Named("zonal")}
}

// Compute reduces every archive entry over the area's geometry in the
// analysis CRS. Overlapping features count once. Records are ordered by
// catalog position, then year.
func (e *Engine) Compute(ctx context.Context, area climate.NormalizedArea, archive climate.Archive) ([]climate.ZonalRecord, error) {
	start := time.Now()
	cache := newCoverageCache(area.Geometry)
	results := make([]*climate.ZonalRecord, len(archive.Entries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i, entry := range archive.Entries {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			param, ok := climate.LookupParameter(entry.Key.Parameter)
			if !ok {
				return fmt.Errorf("unknown parameter %q", entry.Key.Parameter)
			}
			grid, err := raster.ReadCached(entry.Path)
			if err != nil {
				return climate.Wrap(climate.KindDecodeFailed, err, "A cached climate grid could not be read.")
			}
			rec, ok := reduce(param, entry.Key.Year, grid, cache.get(grid.Layout()))
			if ok {
				results[i] = &rec
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("compute zonal statistics: %w", err)
	}
	if len(archive.Entries) > 0 && !cache.anyCovered() {
		return nil, climate.Errorf(climate.KindOutsideCoverage,
			"The area does not cover any cell of the climate grids.")
	}

	records := make([]climate.ZonalRecord, 0, len(results))
	for _, r := range results {
		if r != nil {
			records = append(records, *r)
		}
	}
	SortRecords(records)
	e.logger.Debug("zonal statistics computed",
		zap.Int("grids", len(archive.Entries)),
		zap.Int("records", len(records)),
		zap.Int("layouts", cache.size()),
		zap.Duration("elapsed", time.Since(start)),
	)
	return records, nil
}

// SortRecords orders records by catalog position, then year.
func SortRecords(records []climate.ZonalRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		pi, pj := climate.ParameterOrder(records[i].Parameter), climate.ParameterOrder(records[j].Parameter)
		if pi != pj {
			return pi < pj
		}
		return records[i].Year < records[j].Year
	})
}

func reduce(param climate.Parameter, year int, grid *raster.Grid, cov coverage) (climate.ZonalRecord, bool) {
	var (
		sum, weights float64
		lo           = math.Inf(1)
		hi           = math.Inf(-1)
	)
	for _, c := range cov.cells {
		v := float64(grid.Values[c.index])
		if math.IsNaN(v) {
			continue
		}
		sum += c.weight * v
		weights += c.weight
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if weights == 0 {
		return climate.ZonalRecord{}, false
	}
	scale := grid.Scale
	if scale == 0 {
		scale = param.Scale
	}
	rec := climate.ZonalRecord{Parameter: param.Key, Year: year}
	if param.Has(climate.ReducerMin) {
		rec.Min = rounded(lo * scale)
	}
	if param.Has(climate.ReducerMean) {
		rec.Mean = rounded(sum / weights * scale)
	}
	if param.Has(climate.ReducerMax) {
		rec.Max = rounded(hi * scale)
	}
	return rec, true
}

func rounded(v float64) *float64 {
	r := math.Round(v*1e6) / 1e6
	if r == 0 {
		// Normalize negative zero.
		r = 0
	}
	return &r
}

// coverageCache computes the weights of each distinct layout once per job.
type coverageCache struct {
	area orb.MultiPolygon

	mu      sync.Mutex
	layouts map[raster.Layout]*lazyCoverage
}

type lazyCoverage struct {
	once sync.Once
	cov  coverage
}

func newCoverageCache(area orb.MultiPolygon) *coverageCache {
	return &coverageCache{area: area, layouts: make(map[raster.Layout]*lazyCoverage)}
}

func (c *coverageCache) get(l raster.Layout) coverage {
	c.mu.Lock()
	lc, ok := c.layouts[l]
	if !ok {
		lc = &lazyCoverage{}
		c.layouts[l] = lc
	}
	c.mu.Unlock()
	lc.once.Do(func() { lc.cov = computeCoverage(c.area, l) })
	return lc.cov
}

func (c *coverageCache) anyCovered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, lc := range c.layouts {
		if len(lc.cov.cells) > 0 {
			return true
		}
	}
	return false
}

func (c *coverageCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.layouts)
}
