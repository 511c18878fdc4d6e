package zonal

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/zonal-climate-analyzer/internal/climate"
	"github.com/JakeFAU/zonal-climate-analyzer/internal/raster"
)

var nan = float32(math.NaN())

// Row 0 is the northern edge of the 3x3 km test grid at the origin.
var sampleValues = []float32{
	1, 2, 3,
	4, 5, 6,
	7, 8, nan,
}

func square(x0, y0, x1, y1 float64) orb.MultiPolygon {
	return orb.MultiPolygon{{{{x0, y0}, {x1, y0}, {x1, y1}, {x0, y1}, {x0, y0}}}}
}

func zone(mp orb.MultiPolygon) climate.NormalizedArea {
	return climate.NormalizedArea{Geometry: mp, Bound: mp.Bound(), Features: len(mp)}
}

func writeGrid(t *testing.T, dir, param string, year int, values []float32) climate.ArchiveEntry {
	t.Helper()
	p, ok := climate.LookupParameter(param)
	require.True(t, ok)
	g := &raster.Grid{
		Header: raster.Header{
			Parameter: param, Year: year, CRS: raster.AnalysisCRS,
			NCols: 3, NRows: 3, CellSize: 1000, NoData: -999, Scale: p.Scale,
		},
		Values: values,
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_%d.zgrid", param, year))
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, raster.EncodeCached(f, g))
	require.NoError(t, f.Close())
	return climate.ArchiveEntry{Key: climate.ArchiveKey{Parameter: param, Year: year}, Path: path}
}

func TestComputeWholeCells(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	archive := climate.Archive{Entries: []climate.ArchiveEntry{
		writeGrid(t, dir, "air_temp_mean", 2020, sampleValues),
	}}
	recs, err := New(Options{}).Compute(context.Background(), zone(square(0, 0, 2000, 2000)), archive)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.InDelta(t, 0.4, *recs[0].Min, 1e-9)
	assert.InDelta(t, 0.6, *recs[0].Mean, 1e-9)
	assert.InDelta(t, 0.8, *recs[0].Max, 1e-9)
}

func TestComputeWeightsPartialCells(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	archive := climate.Archive{Entries: []climate.ArchiveEntry{
		writeGrid(t, dir, "precipitation", 2020, sampleValues),
	}}
	recs, err := New(Options{}).Compute(context.Background(), zone(square(0, 2000, 1500, 3000)), archive)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 1.0, *recs[0].Min)
	assert.Equal(t, 2.0, *recs[0].Max, "a half covered cell still counts for max")
	assert.Equal(t, 1.333333, *recs[0].Mean)
}

func TestComputeCountLikeOnlyMean(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	archive := climate.Archive{Entries: []climate.ArchiveEntry{
		writeGrid(t, dir, "frost_days", 2019, sampleValues),
	}}
	recs, err := New(Options{}).Compute(context.Background(), zone(square(0, 0, 3000, 3000)), archive)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Nil(t, recs[0].Min)
	assert.Nil(t, recs[0].Max)
	assert.Equal(t, 4.5, *recs[0].Mean)
}

func TestComputeOmitsNodataYears(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	archive := climate.Archive{Entries: []climate.ArchiveEntry{
		writeGrid(t, dir, "precipitation", 2020, sampleValues),
	}}
	recs, err := New(Options{}).Compute(context.Background(), zone(square(2100, 100, 2900, 900)), archive)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestComputeOutsideCoverage(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	archive := climate.Archive{Entries: []climate.ArchiveEntry{
		writeGrid(t, dir, "precipitation", 2020, sampleValues),
	}}
	_, err := New(Options{}).Compute(context.Background(), zone(square(10000, 10000, 11000, 11000)), archive)
	require.Error(t, err)
	assert.Equal(t, climate.KindOutsideCoverage, climate.KindOf(err))
}

func TestComputeOrderingAndDeterminism(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	var entries []climate.ArchiveEntry
	for _, param := range []string{"sunshine_duration", "frost_days", "air_temp_max"} {
		for _, year := range []int{2021, 1999, 2005} {
			vals := make([]float32, len(sampleValues))
			for i, v := range sampleValues {
				vals[i] = v * float32(year%7+1)
			}
			entries = append(entries, writeGrid(t, dir, param, year, vals))
		}
	}
	archive := climate.Archive{Entries: entries}
	area := orb.MultiPolygon{{{{250, 250}, {2750, 400}, {1800, 2900}, {250, 250}}}}

	e := New(Options{Workers: 3})
	first, err := e.Compute(context.Background(), zone(area), archive)
	require.NoError(t, err)
	require.Len(t, first, 9)
	assert.Equal(t, "air_temp_max", first[0].Parameter)
	assert.Equal(t, 1999, first[0].Year)
	assert.Equal(t, "frost_days", first[3].Parameter)
	assert.Equal(t, "sunshine_duration", first[8].Parameter)
	assert.Equal(t, 2021, first[8].Year)

	second, err := e.Compute(context.Background(), zone(area), archive)
	require.NoError(t, err)
	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestComputeUnreadableGrid(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "broken.zgrid")
	require.NoError(t, os.WriteFile(path, []byte("junk"), 0o600))
	archive := climate.Archive{Entries: []climate.ArchiveEntry{
		{Key: climate.ArchiveKey{Parameter: "precipitation", Year: 2020}, Path: path},
	}}
	_, err := New(Options{}).Compute(context.Background(), zone(square(0, 0, 1000, 1000)), archive)
	require.Error(t, err)
	assert.Equal(t, climate.KindDecodeFailed, climate.KindOf(err))
}

func TestCoverageHonorsHoles(t *testing.T) {
	t.Parallel()

	layout := raster.Layout{NCols: 3, NRows: 3, Cell: 1000}
	donut := orb.MultiPolygon{{
		{{0, 0}, {3000, 0}, {3000, 3000}, {0, 3000}, {0, 0}},
		{{1000, 1000}, {1000, 2000}, {2000, 2000}, {2000, 1000}, {1000, 1000}},
	}}
	cov := computeCoverage(donut, layout)
	assert.Len(t, cov.cells, 8)
	assert.InDelta(t, 8, cov.total, 1e-9)
	for _, c := range cov.cells {
		assert.NotEqual(t, 4, c.index, "the hole cell must not be covered")
	}
}

func TestComputeCountsOverlappingFeaturesOnce(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	archive := climate.Archive{Entries: []climate.ArchiveEntry{
		writeGrid(t, dir, "precipitation", 2020, sampleValues),
	}}
	e := New(Options{})
	single, err := e.Compute(context.Background(), zone(square(0, 2000, 1500, 3000)), archive)
	require.NoError(t, err)

	// Two features whose union is the same rectangle.
	overlapping := append(square(0, 2000, 1000, 3000), square(500, 2000, 1500, 3000)...)
	split, err := e.Compute(context.Background(), zone(overlapping), archive)
	require.NoError(t, err)

	require.Len(t, split, 1)
	assert.Equal(t, single, split)
	assert.Equal(t, 1.333333, *split[0].Mean)
}

func TestCoveredAreaUnion(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		mp   orb.MultiPolygon
		want float64
	}{
		{name: "single", mp: square(0, 0, 10, 10), want: 100},
		{name: "disjoint", mp: append(square(0, 0, 1, 1), square(5, 5, 7, 7)...), want: 5},
		{name: "nested", mp: append(square(0, 0, 10, 10), square(2, 2, 4, 4)...), want: 100},
		{name: "partial overlap", mp: append(square(0, 0, 2, 2), square(1, 1, 3, 3)...), want: 7},
		{name: "crossing", mp: append(square(0, 1, 3, 2), square(1, 0, 2, 3)...), want: 5},
		{name: "triangle over square", mp: orb.MultiPolygon{
			{{{0, 0}, {2, 0}, {2, 2}, {0, 2}, {0, 0}}},
			{{{1, 1}, {3, 1}, {1, 3}, {1, 1}}},
		}, want: 5},
		{name: "hole filled by other feature", mp: orb.MultiPolygon{
			{{{0, 0}, {4, 0}, {4, 4}, {0, 4}, {0, 0}}, {{1, 1}, {1, 3}, {3, 3}, {3, 1}, {1, 1}}},
			{{{1, 1}, {3, 1}, {3, 3}, {1, 3}, {1, 1}}},
		}, want: 16},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.InDelta(t, tt.want, coveredArea(tt.mp), 1e-9)
		})
	}
}
