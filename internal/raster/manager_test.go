package raster

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/zonal-climate-analyzer/internal/climate"
	"github.com/JakeFAU/zonal-climate-analyzer/internal/clock/manual"
)

type fakeSource struct {
	mu     sync.Mutex
	latest int
	files  map[string][]byte
	errs   map[string][]error
	calls  map[string]int
}

func newFakeSource(latest int) *fakeSource {
	return &fakeSource{
		latest: latest,
		files:  map[string][]byte{},
		errs:   map[string][]error{},
		calls:  map[string]int{},
	}
}

func (f *fakeSource) LatestYear(context.Context) (int, error) {
	return f.latest, nil
}

func (f *fakeSource) Fetch(_ context.Context, p climate.Parameter, year int) (io.ReadCloser, error) {
	key := climate.ArchiveKey{Parameter: p.Key, Year: year}.String()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[key]++
	if queue := f.errs[key]; len(queue) > 0 {
		err := queue[0]
		f.errs[key] = queue[1:]
		return nil, err
	}
	data, ok := f.files[key]
	if !ok {
		return nil, climate.ErrNotPublished
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeSource) publish(key string, data []byte) {
	f.mu.Lock()
	f.files[key] = data
	f.mu.Unlock()
}

func (f *fakeSource) failWith(key string, errs ...error) {
	f.mu.Lock()
	f.errs[key] = append(f.errs[key], errs...)
	f.mu.Unlock()
}

func (f *fakeSource) callCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func testParams(t *testing.T) []climate.Parameter {
	t.Helper()
	temp, ok := climate.LookupParameter("air_temp_mean")
	require.True(t, ok)
	frost, ok := climate.LookupParameter("frost_days")
	require.True(t, ok)
	return []climate.Parameter{temp, frost}
}

func newTestManager(t *testing.T, src climate.RasterSource, ratio float64) (*Manager, *manual.Clock) {
	t.Helper()
	clk := manual.New(time.Now())
	m, err := NewManager(Options{
		CacheDir:        t.TempDir(),
		Source:          src,
		Parameters:      testParams(t),
		FirstYear:       2018,
		Workers:         3,
		MaxMissingRatio: ratio,
		RefreshAfter:    7 * 24 * time.Hour,
		Retry:           RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		Clock:           clk,
		Sleeper:         clk,
	})
	require.NoError(t, err)
	return m, clk
}

func publishAll(t *testing.T, src *fakeSource, first, last int) {
	t.Helper()
	for _, p := range []string{"air_temp_mean", "frost_days"} {
		for y := first; y <= last; y++ {
			src.publish(climate.ArchiveKey{Parameter: p, Year: y}.String(), gzipped(t, sampleASCII))
		}
	}
}

func TestEnsureDownloadsAndCaches(t *testing.T) {
	t.Parallel()

	src := newFakeSource(2020)
	publishAll(t, src, 2018, 2020)
	m, _ := newTestManager(t, src, 0.1)

	archive, err := m.Ensure(context.Background())
	require.NoError(t, err)
	require.Len(t, archive.Entries, 6)
	assert.Empty(t, archive.Gaps)
	assert.Equal(t, 2018, archive.FirstYear)
	assert.Equal(t, 2020, archive.LastYear)

	// Catalog order, then year.
	assert.Equal(t, "air_temp_mean/2018", archive.Entries[0].Key.String())
	assert.Equal(t, "frost_days/2020", archive.Entries[5].Key.String())

	g, err := ReadCached(archive.Entries[0].Path)
	require.NoError(t, err)
	assert.Equal(t, "air_temp_mean", g.Parameter)
	assert.Equal(t, 0.1, g.Scale)
	assert.Equal(t, AnalysisCRS, g.CRS)

	_, err = m.Ensure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, src.callCount("air_temp_mean/2018"), "cached grids are not downloaded again")

	leftovers, err := filepath.Glob(filepath.Join(m.opts.CacheDir, "*", ".*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers, "temporary files must not survive")
}

func TestEnsureRecordsPermanentGaps(t *testing.T) {
	t.Parallel()

	src := newFakeSource(2020)
	publishAll(t, src, 2018, 2020)
	delete(src.files, "frost_days/2018")
	delete(src.files, "frost_days/2020")
	m, _ := newTestManager(t, src, 0.1)

	archive, err := m.Ensure(context.Background())
	require.NoError(t, err, "unpublished grids do not count against the threshold")
	assert.Len(t, archive.Entries, 4)
	require.Len(t, archive.Gaps, 2)
	for _, g := range archive.Gaps {
		assert.Equal(t, climate.GapNotPublished, g.Reason)
	}

	gaps, err := m.Gaps()
	require.NoError(t, err)
	require.Len(t, gaps, 1, "the latest year may still be published later")
	assert.Equal(t, "frost_days/2018", gaps[0].Key.String())

	raw, err := os.ReadFile(filepath.Join(m.opts.CacheDir, gapsManifest))
	require.NoError(t, err)
	var gf gapFile
	require.NoError(t, json.Unmarshal(raw, &gf))
	assert.Len(t, gf.Gaps, 1)

	_, err = m.Ensure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, src.callCount("frost_days/2018"), "permanent gaps are not retried")
	assert.Equal(t, 2, src.callCount("frost_days/2020"))

	require.NoError(t, m.Purge(climate.ArchiveKey{Parameter: "frost_days", Year: 2018}))
	gaps, err = m.Gaps()
	require.NoError(t, err)
	assert.Empty(t, gaps)
}

func TestEnsureRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	src := newFakeSource(2020)
	publishAll(t, src, 2018, 2020)
	src.failWith("air_temp_mean/2019", &climate.StatusError{Code: 503}, &climate.StatusError{Code: 429})
	m, _ := newTestManager(t, src, 0)

	archive, err := m.Ensure(context.Background())
	require.NoError(t, err)
	assert.Len(t, archive.Entries, 6)
	assert.Equal(t, 3, src.callCount("air_temp_mean/2019"))
}

func TestEnsureFailsWhenTooMuchIsMissing(t *testing.T) {
	t.Parallel()

	src := newFakeSource(2020)
	publishAll(t, src, 2018, 2020)
	src.failWith("air_temp_mean/2019", &climate.StatusError{Code: 403})
	m, _ := newTestManager(t, src, 0.1)

	_, err := m.Ensure(context.Background())
	require.Error(t, err)
	assert.Equal(t, climate.KindDownloadFailed, climate.KindOf(err))
}

func TestEnsureToleratesGapsBelowThreshold(t *testing.T) {
	t.Parallel()

	src := newFakeSource(2020)
	publishAll(t, src, 2018, 2020)
	src.failWith("air_temp_mean/2019", &climate.StatusError{Code: 403})
	m, _ := newTestManager(t, src, 0.5)

	archive, err := m.Ensure(context.Background())
	require.NoError(t, err)
	require.Len(t, archive.Gaps, 1)
	assert.Equal(t, climate.GapDownloadFailed, archive.Gaps[0].Reason)

	gaps, err := m.Gaps()
	require.NoError(t, err)
	assert.Empty(t, gaps, "download failures are not permanent")
}

func TestEnsureClassifiesDecodeFailures(t *testing.T) {
	t.Parallel()

	src := newFakeSource(2020)
	publishAll(t, src, 2018, 2020)
	src.publish("air_temp_mean/2018", []byte("garbage"))
	src.publish("frost_days/2019", gzipped(t, "ncols 2\nnrows 2\n"))
	m, _ := newTestManager(t, src, 0.1)

	_, err := m.Ensure(context.Background())
	require.Error(t, err)
	assert.Equal(t, climate.KindDecodeFailed, climate.KindOf(err))
	assert.Equal(t, 1, src.callCount("air_temp_mean/2018"), "decode failures are not retried")
}

func TestEnsureRefreshesLatestYear(t *testing.T) {
	t.Parallel()

	src := newFakeSource(2020)
	publishAll(t, src, 2018, 2020)
	m, clk := newTestManager(t, src, 0.1)

	_, err := m.Ensure(context.Background())
	require.NoError(t, err)

	clk.Advance(8 * 24 * time.Hour)
	src.failWith("frost_days/2020", &climate.StatusError{Code: 404})
	archive, err := m.Ensure(context.Background())
	require.NoError(t, err)
	assert.Len(t, archive.Entries, 6, "a failed refresh keeps the cached grid")
	assert.Equal(t, 2, src.callCount("air_temp_mean/2020"))
	assert.Equal(t, 2, src.callCount("frost_days/2020"))
	assert.Equal(t, 1, src.callCount("air_temp_mean/2019"), "older years are immutable")
}

func TestEnsureRejectsEmptySource(t *testing.T) {
	t.Parallel()

	src := newFakeSource(2010)
	m, _ := newTestManager(t, src, 0.1)
	_, err := m.Ensure(context.Background())
	require.Error(t, err)
	assert.Equal(t, climate.KindDownloadFailed, climate.KindOf(err))
}

func TestEnsureConcurrentCallers(t *testing.T) {
	t.Parallel()

	src := newFakeSource(2020)
	publishAll(t, src, 2018, 2020)
	m, _ := newTestManager(t, src, 0.1)

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Ensure(context.Background())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	g, err := ReadCached(m.Path(climate.ArchiveKey{Parameter: "frost_days", Year: 2019}))
	require.NoError(t, err)
	assert.Equal(t, "frost_days", g.Parameter)
}

// gatedSource holds every Fetch until release is closed.
type gatedSource struct {
	*fakeSource
	entered chan struct{}
	release chan struct{}
}

func (g *gatedSource) Fetch(ctx context.Context, p climate.Parameter, year int) (io.ReadCloser, error) {
	g.entered <- struct{}{}
	<-g.release
	return g.fakeSource.Fetch(ctx, p, year)
}

func TestEnsureSharedDownloadSurvivesCanceledJob(t *testing.T) {
	t.Parallel()

	inner := newFakeSource(2020)
	publishAll(t, inner, 2020, 2020)
	src := &gatedSource{fakeSource: inner, entered: make(chan struct{}, 4), release: make(chan struct{})}
	m, _ := newTestManager(t, src, 0.1)
	m.opts.FirstYear = 2020

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := m.Ensure(ctxA)
		errA <- err
	}()
	// Both grids are now downloading on behalf of job A.
	<-src.entered
	<-src.entered

	type result struct {
		archive climate.Archive
		err     error
	}
	resB := make(chan result, 1)
	go func() {
		a, err := m.Ensure(context.Background())
		resB <- result{archive: a, err: err}
	}()
	// Give job B time to join the in-flight downloads.
	time.Sleep(100 * time.Millisecond)

	cancelA()
	require.ErrorIs(t, <-errA, context.Canceled)

	close(src.release)
	b := <-resB
	require.NoError(t, b.err)
	assert.Len(t, b.archive.Entries, 2)
	assert.Equal(t, 1, inner.callCount("air_temp_mean/2020"))
	assert.Equal(t, 1, inner.callCount("frost_days/2020"))
}

func TestNewManagerValidates(t *testing.T) {
	t.Parallel()

	clk := manual.New(time.Now())
	_, err := NewManager(Options{Source: newFakeSource(2020), Clock: clk, Sleeper: clk})
	require.Error(t, err)
	_, err = NewManager(Options{CacheDir: t.TempDir(), Clock: clk, Sleeper: clk})
	require.Error(t, err)
	_, err = NewManager(Options{CacheDir: t.TempDir(), Source: newFakeSource(2020), Clock: clk, Sleeper: clk, MaxMissingRatio: 2})
	require.Error(t, err)
}
