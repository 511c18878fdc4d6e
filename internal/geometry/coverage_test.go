package geometry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/zonal-climate-analyzer/internal/climate"
)

func TestDefaultCoverageOutline(t *testing.T) {
	t.Parallel()

	c := NewCoverage(DefaultExtent, nil)
	outline := c.Boundary()
	require.Len(t, outline, 1)
	assert.True(t, planar.MultiPolygonContains(outline, orb.Point{8.68, 50.11}), "Frankfurt is covered")
	assert.True(t, planar.MultiPolygonContains(outline, orb.Point{13.40, 52.52}), "Berlin is covered")
	assert.False(t, planar.MultiPolygonContains(outline, orb.Point{2.35, 48.85}), "Paris is not")

	fc := c.FeatureCollection()
	require.Len(t, fc.Features, 1)
	assert.Equal(t, "EPSG:31467", fc.Features[0].Properties["grid_crs"])
}

func TestCoverageBoundaryCheck(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "boundary.geojson")
	boundary := `{"type":"Polygon","coordinates":[[[8,49],[10,49],[10,51],[8,51],[8,49]]]}`
	require.NoError(t, os.WriteFile(path, []byte(boundary), 0o600))
	mp, err := LoadBoundary(path)
	require.NoError(t, err)

	c := NewCoverage(DefaultExtent, mp)
	inside := climate.NormalizedArea{
		Bound:      DefaultExtent,
		Geographic: orb.MultiPolygon{{{{9, 50}, {9.1, 50}, {9.1, 50.1}, {9, 50}}}},
	}
	require.NoError(t, c.Check(inside))

	straddling := climate.NormalizedArea{
		Bound:      DefaultExtent,
		Geographic: orb.MultiPolygon{{{{7, 48}, {11, 48}, {11, 52}, {7, 52}, {7, 48}}}},
	}
	require.NoError(t, c.Check(straddling), "boundary inside the polygon counts as overlap")

	crossing := climate.NormalizedArea{
		Bound:      DefaultExtent,
		Geographic: orb.MultiPolygon{{{{7, 50}, {11, 50}, {11, 50.1}, {7, 50.1}, {7, 50}}}},
	}
	require.NoError(t, c.Check(crossing))

	outside := climate.NormalizedArea{
		Bound:      DefaultExtent,
		Geographic: orb.MultiPolygon{{{{12, 53}, {12.1, 53}, {12.1, 53.1}, {12, 53}}}},
	}
	require.ErrorIs(t, c.Check(outside), climate.ErrOutsideCoverage)

	farAway := climate.NormalizedArea{Bound: orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{1, 1}}}
	require.ErrorIs(t, c.Check(farAway), climate.ErrOutsideCoverage)

	_, err = LoadBoundary(filepath.Join(t.TempDir(), "missing.geojson"))
	require.Error(t, err)
}
