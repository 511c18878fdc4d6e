package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/zonal-climate-analyzer/internal/climate"
	"github.com/JakeFAU/zonal-climate-analyzer/internal/clock/manual"
	"github.com/JakeFAU/zonal-climate-analyzer/internal/hash/sha256"
	"github.com/JakeFAU/zonal-climate-analyzer/internal/storage/memory"
)

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("run%04d", s.n.Add(1)), nil
}

type stubRenderer struct {
	files []climate.RenderedFile
	err   error
	calls int
}

func (r *stubRenderer) Render(_ context.Context, req climate.RenderRequest) ([]climate.RenderedFile, error) {
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	for _, f := range r.files {
		if err := os.WriteFile(filepath.Join(req.Dir, f.Name), []byte("rendered "+f.Name), 0o600); err != nil {
			return nil, err
		}
	}
	return r.files, nil
}

type fixture struct {
	m      *Manager
	clock  *manual.Clock
	mirror *memory.BlobStore
	index  *memory.RunIndex
	render *stubRenderer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clock:  manual.New(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)),
		mirror: memory.NewBlobStore(),
		index:  memory.NewRunIndex(),
		render: &stubRenderer{files: []climate.RenderedFile{
			{Name: "map.html", Type: climate.ArtifactMap, Label: "Interaktive Karte"},
			{Name: "statistics.xlsx", Type: climate.ArtifactPlot},
		}},
	}
	m, err := New(Options{
		Dir:       t.TempDir(),
		Retention: 48 * time.Hour,
		Renderer:  f.render,
		Mirror:    f.mirror,
		Index:     f.index,
		Hasher:    sha256.New(),
		IDs:       &seqIDs{},
		Clock:     f.clock,
	})
	require.NoError(t, err)
	f.m = m
	return f
}

func sampleRequest() PublishRequest {
	mean := 8.25
	lo, hi := 7.5, 9.0
	frost := 61.0
	return PublishRequest{
		Fingerprint: "fp-1",
		Lang:        climate.LangEN,
		Area: climate.NormalizedArea{
			Geometry:   orb.MultiPolygon{{{{0, 0}, {2000, 0}, {2000, 1000}, {0, 1000}, {0, 0}}}},
			Geographic: orb.MultiPolygon{{{{9, 50}, {9.03, 50}, {9.03, 50.01}, {9, 50.01}, {9, 50}}}},
			Features:   1,
			Vertices:   5,
		},
		Records: []climate.ZonalRecord{
			{Parameter: "air_temp_mean", Year: 2020, Min: &lo, Mean: &mean, Max: &hi},
			{Parameter: "frost_days", Year: 2020, Mean: &frost},
		},
		Archive: climate.Archive{
			FirstYear: 2020, LastYear: 2020,
			Gaps: []climate.Gap{{Key: climate.ArchiveKey{Parameter: "ice_days", Year: 2020}, Reason: climate.GapNotPublished}},
		},
	}
}

func TestPublishCommitsRun(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	run, err := f.m.Publish(context.Background(), sampleRequest())
	require.NoError(t, err)

	assert.Equal(t, "run0001", run.ID)
	assert.Equal(t, "/api/runs/run0001/download", run.BundleURL)
	assert.Len(t, run.BundleSHA256, 64)
	assert.Equal(t, "memory://run0001/outputs.zip", run.MirrorURI)
	require.Len(t, run.Gaps, 1)

	var names []string
	for _, o := range run.Outputs {
		names = append(names, o.Name)
	}
	assert.Equal(t, []string{"area.geojson", "map.html", "outputs.zip", "statistics.csv", "statistics.json", "statistics.xlsx"}, names)
	assert.Equal(t, "/runs/run0001/results/map.html", run.Outputs[1].URL)
	assert.Equal(t, "Statistics (CSV)", run.Outputs[3].Label)
	assert.Equal(t, "statistics", run.Outputs[5].Label)

	got, err := f.m.Get(run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.BundleSHA256, got.BundleSHA256)

	staged, err := os.ReadDir(filepath.Join(f.m.Dir(), stagingDir))
	require.NoError(t, err)
	assert.Empty(t, staged)

	indexed, err := f.index.ListRuns(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, indexed, 1)

	_, ok := f.mirror.Object("run0001/outputs.zip")
	assert.True(t, ok)
}

func TestPublishWritesStatistics(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	run, err := f.m.Publish(context.Background(), sampleRequest())
	require.NoError(t, err)

	p, err := f.m.Open(run.ID, StatisticsCSV)
	require.NoError(t, err)
	raw, err := os.ReadFile(p)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "parameter,label,unit,year,min,mean,max", lines[0])
	assert.Equal(t, "air_temp_mean,Mean air temperature,°C,2020,7.5,8.25,9", lines[1])
	assert.Equal(t, "frost_days,Frost days (min 0°C),d,2020,,61,", lines[2])

	p, err = f.m.Open(run.ID, StatisticsJSON)
	require.NoError(t, err)
	raw, err = os.ReadFile(p)
	require.NoError(t, err)
	var doc statisticsDocument
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, run.ID, doc.RunID)
	assert.InDelta(t, 2.0, doc.Area.AreaKM2, 1e-9)
	assert.InDelta(t, 6.0, doc.Area.PerimeterKM, 1e-9)
	assert.Len(t, doc.Parameters, 16)
	assert.Len(t, doc.Gaps, 1)

	bundle, err := f.m.BundlePath(run.ID)
	require.NoError(t, err)
	zr, err := zip.OpenReader(bundle)
	require.NoError(t, err)
	defer func() { _ = zr.Close() }()
	var entries []string
	for _, e := range zr.File {
		entries = append(entries, e.Name)
	}
	assert.Equal(t, []string{"area.geojson", "map.html", "statistics.csv", "statistics.json", "statistics.xlsx"}, entries)
}

func TestPublishCleansUpOnRenderFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.render.err = errors.New("plotting failed")
	_, err := f.m.Publish(context.Background(), sampleRequest())
	require.Error(t, err)

	staged, err := os.ReadDir(filepath.Join(f.m.Dir(), stagingDir))
	require.NoError(t, err)
	assert.Empty(t, staged)
	_, err = f.m.Get("run0001")
	assert.Equal(t, climate.KindNotFound, climate.KindOf(err))
}

func TestPublishRejectsMisbehavingRenderer(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.render.files = []climate.RenderedFile{{Name: "../escape.png", Type: climate.ArtifactPlot}}
	_, err := f.m.Publish(context.Background(), sampleRequest())
	require.Error(t, err)
}

func TestOpenRejectsTraversal(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	run, err := f.m.Publish(context.Background(), sampleRequest())
	require.NoError(t, err)

	for _, name := range []string{"../run.json", "..", ".hidden", "a/b", ""} {
		_, err := f.m.Open(run.ID, name)
		assert.Equal(t, climate.KindNotFound, climate.KindOf(err), "name %q", name)
	}
	for _, id := range []string{"..", ".staging", "../x", "missing"} {
		_, err := f.m.Get(id)
		assert.Equal(t, climate.KindNotFound, climate.KindOf(err), "run %q", id)
	}
}

func TestSweepEvictsExpiredRuns(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	old, err := f.m.Publish(context.Background(), sampleRequest())
	require.NoError(t, err)
	f.clock.Advance(47 * time.Hour)
	fresh, err := f.m.Publish(context.Background(), sampleRequest())
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)
	n, err := f.m.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.m.Get(old.ID)
	assert.Equal(t, climate.KindNotFound, climate.KindOf(err))
	_, err = f.m.Get(fresh.ID)
	require.NoError(t, err)

	_, ok := f.mirror.Object(old.ID + "/outputs.zip")
	assert.False(t, ok, "mirrored bundle must be deleted with the run")
	indexed, err := f.index.ListRuns(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, indexed, 1)
	assert.Equal(t, fresh.ID, indexed[0].ID)

	trash, err := os.ReadDir(filepath.Join(f.m.Dir(), trashDir))
	require.NoError(t, err)
	assert.Empty(t, trash)
}

func TestSweepDisabledWithZeroRetention(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.m.opts.Retention = 0
	_, err := f.m.Publish(context.Background(), sampleRequest())
	require.NoError(t, err)
	f.clock.Advance(365 * 24 * time.Hour)
	n, err := f.m.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestNewValidatesOptions(t *testing.T) {
	t.Parallel()

	_, err := New(Options{})
	require.Error(t, err)
	_, err = New(Options{Dir: t.TempDir(), Renderer: &stubRenderer{}})
	require.Error(t, err)
	_, err = New(Options{
		Dir: t.TempDir(), Renderer: &stubRenderer{}, Hasher: sha256.New(),
		IDs: &seqIDs{}, Clock: manual.New(time.Now()), Retention: -time.Hour,
	})
	require.Error(t, err)
}
