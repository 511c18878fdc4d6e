package raster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/zonal-climate-analyzer/internal/climate"
	"github.com/JakeFAU/zonal-climate-analyzer/internal/logging"
	"github.com/JakeFAU/zonal-climate-analyzer/internal/metrics"
)

const (
	cacheExt     = ".zgrid"
	gapsManifest = "gaps.json"
)

// Options configures the Manager.
type Options struct {
	CacheDir string
	Source   climate.RasterSource
	// Parameters defaults to the full catalog.
	Parameters []climate.Parameter
	FirstYear  int
	// LastYear of 0 asks the source for the latest published year.
	LastYear int
	Workers  int
	// MaxMissingRatio is the tolerated share of failed grids among those
	// the source publishes.
	MaxMissingRatio float64
	// RefreshAfter re-fetches grids of the latest year once they are older.
	RefreshAfter time.Duration
	// LatestTTL caches the discovered latest year.
	LatestTTL time.Duration
	// DownloadTimeout bounds one shared grid download including retries.
	// Shared downloads outlive the job that started them.
	DownloadTimeout time.Duration
	Retry           RetryPolicy
	Clock           climate.Clock
	Sleeper         Sleeper
	Logger          *zap.Logger
}

// Manager materializes the grids a job needs in a shared on-disk cache.
// Cache files are written to a temporary name and renamed into place, so
// concurrent readers only ever see complete grids.
type Manager struct {
	opts   Options
	logger *zap.Logger
	flight singleflight.Group

	mu       sync.Mutex
	latest   int
	latestAt time.Time
}

type outcome struct {
	entry *climate.ArchiveEntry
	gap   *climate.Gap
}

// NewManager validates opts and prepares the cache directory.
func NewManager(opts Options) (*Manager, error) {
	switch {
	case opts.CacheDir == "":
		return nil, errors.New("raster: cache dir is required")
	case opts.Source == nil:
		return nil, errors.New("raster: source is required")
	case opts.Clock == nil || opts.Sleeper == nil:
		return nil, errors.New("raster: clock and sleeper are required")
	case opts.MaxMissingRatio < 0 || opts.MaxMissingRatio > 1:
		return nil, fmt.Errorf("raster: max missing ratio %g out of range", opts.MaxMissingRatio)
	}
	if len(opts.Parameters) == 0 {
		opts.Parameters = climate.Parameters()
	}
	if opts.FirstYear == 0 {
		opts.FirstYear = 1951
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.LatestTTL <= 0 {
		opts.LatestTTL = time.Hour
	}
	if opts.DownloadTimeout <= 0 {
		opts.DownloadTimeout = 15 * time.Minute
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if err := os.MkdirAll(opts.CacheDir, 0o750); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &Manager{opts: opts, logger: logging.OrNop(opts.Logger).Named("raster")}, nil
}

// Path returns the cache location of key.
func (m *Manager) Path(key climate.ArchiveKey) string {
	return filepath.Join(m.opts.CacheDir, key.Parameter, fmt.Sprintf("%s_%d%s", key.Parameter, key.Year, cacheExt))
}

// Ensure makes every catalog grid from FirstYear to the latest year available
// locally. Grids that cannot be obtained become gaps; too many gaps fail the
// call with DownloadFailed or DecodeFailed.
func (m *Manager) Ensure(ctx context.Context) (climate.Archive, error) {
	last, err := m.latestYear(ctx)
	if err != nil {
		return climate.Archive{}, err
	}
	permanent, err := m.loadGaps()
	if err != nil {
		return climate.Archive{}, err
	}

	type job struct {
		param climate.Parameter
		key   climate.ArchiveKey
	}
	var jobs []job
	for _, p := range m.opts.Parameters {
		for year := m.opts.FirstYear; year <= last; year++ {
			jobs = append(jobs, job{param: p, key: climate.ArchiveKey{Parameter: p.Key, Year: year}})
		}
	}

	results := make([]outcome, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.Workers)
	for i, j := range jobs {
		if gap, ok := permanent[j.key]; ok {
			results[i] = outcome{gap: &gap}
			continue
		}
		g.Go(func() error {
			v, err := m.shared(gctx, j.param, j.key, last)
			if err != nil {
				return err
			}
			results[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return climate.Archive{}, fmt.Errorf("ensure grids: %w", err)
	}

	archive := climate.Archive{FirstYear: m.opts.FirstYear, LastYear: last}
	var fresh []climate.Gap
	for _, r := range results {
		if r.entry != nil {
			archive.Entries = append(archive.Entries, *r.entry)
			continue
		}
		archive.Gaps = append(archive.Gaps, *r.gap)
		if r.gap.Permanent() && r.gap.Key.Year < last {
			if _, known := permanent[r.gap.Key]; !known {
				fresh = append(fresh, *r.gap)
			}
		}
	}
	if err := m.recordGaps(fresh); err != nil {
		m.logger.Warn("failed to record permanent gaps", zap.Error(err))
	}
	if err := m.judge(archive, len(jobs)); err != nil {
		return climate.Archive{}, err
	}
	m.logger.Info("raster archive ready",
		zap.Int("entries", len(archive.Entries)),
		zap.Int("gaps", len(archive.Gaps)),
		zap.Int("first_year", archive.FirstYear),
		zap.Int("last_year", archive.LastYear),
	)
	return archive, nil
}

// shared joins or starts the download of key. The download runs detached
// from any single caller, so a canceled job never fails another job waiting
// on the same grid; each caller stops waiting when its own ctx is done.
func (m *Manager) shared(ctx context.Context, param climate.Parameter, key climate.ArchiveKey, last int) (outcome, error) {
	ch := m.flight.DoChan(key.String(), func() (any, error) {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.DownloadTimeout)
		defer cancel()
		return m.ensureOne(dctx, param, key, last)
	})
	select {
	case <-ctx.Done():
		return outcome{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return outcome{}, res.Err
		}
		return res.Val.(outcome), nil
	}
}

// judge fails the archive when too many published grids are missing.
func (m *Manager) judge(a climate.Archive, total int) error {
	var notPublished, download, decode int
	for _, g := range a.Gaps {
		switch g.Reason {
		case climate.GapNotPublished:
			notPublished++
		case climate.GapDecodeFailed:
			decode++
		default:
			download++
		}
	}
	failed := download + decode
	eligible := total - notPublished
	tooMany := len(a.Entries) == 0 ||
		(eligible > 0 && float64(failed)/float64(eligible) > m.opts.MaxMissingRatio)
	if !tooMany {
		return nil
	}
	m.logger.Error("too much climate data missing",
		zap.Int("download_failed", download),
		zap.Int("decode_failed", decode),
		zap.Int("not_published", notPublished),
		zap.Int("total", total),
	)
	if decode > download {
		return climate.Errorf(climate.KindDecodeFailed, "Climate data could not be decoded (%d of %d grids).", decode, eligible)
	}
	return climate.Errorf(climate.KindDownloadFailed, "Climate data could not be downloaded (%d of %d grids missing).", failed, eligible)
}

func (m *Manager) ensureOne(ctx context.Context, p climate.Parameter, key climate.ArchiveKey, last int) (outcome, error) {
	path := m.Path(key)
	info, cached := m.validCache(path)
	if cached {
		stale := key.Year == last && m.opts.RefreshAfter > 0 &&
			m.opts.Clock.Now().Sub(info.ModTime()) > m.opts.RefreshAfter
		if !stale {
			metrics.ObserveCache("hit")
			return outcome{entry: &climate.ArchiveEntry{Key: key, Path: path, FetchedAt: info.ModTime().UTC()}}, nil
		}
		metrics.ObserveCache("refresh")
		if err := m.materialize(ctx, p, key, path); err != nil {
			if ctx.Err() != nil {
				return outcome{}, ctx.Err()
			}
			m.logger.Warn("refresh failed, keeping cached grid", zap.String("key", key.String()), zap.Error(err))
			return outcome{entry: &climate.ArchiveEntry{Key: key, Path: path, FetchedAt: info.ModTime().UTC()}}, nil
		}
		return outcome{entry: &climate.ArchiveEntry{Key: key, Path: path, FetchedAt: m.opts.Clock.Now()}}, nil
	}

	metrics.ObserveCache("miss")
	err := m.materialize(ctx, p, key, path)
	if err == nil {
		return outcome{entry: &climate.ArchiveEntry{Key: key, Path: path, FetchedAt: m.opts.Clock.Now()}}, nil
	}
	if ctx.Err() != nil {
		return outcome{}, ctx.Err()
	}
	reason := climate.GapDownloadFailed
	switch {
	case errors.Is(err, climate.ErrNotPublished):
		reason = climate.GapNotPublished
	case errors.Is(err, climate.ErrDecodeFailed):
		reason = climate.GapDecodeFailed
	}
	metrics.ObserveDownload(p.Key, string(reason))
	m.logger.Warn("grid unavailable",
		zap.String("parameter", key.Parameter),
		zap.Int("year", key.Year),
		zap.String("reason", string(reason)),
		zap.Error(err),
	)
	return outcome{gap: &climate.Gap{Key: key, Reason: reason}}, nil
}

func (m *Manager) materialize(ctx context.Context, p climate.Parameter, key climate.ArchiveKey, path string) error {
	var grid *Grid
	err := m.opts.Retry.Do(ctx, m.opts.Sleeper, func(attempt int) error {
		g, err := m.download(ctx, p, key)
		if err != nil {
			m.logger.Debug("download attempt failed",
				zap.String("key", key.String()), zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		grid = g
		return nil
	})
	if err != nil {
		return err
	}
	grid.Parameter = key.Parameter
	grid.Year = key.Year
	grid.CRS = AnalysisCRS
	grid.Scale = p.Scale
	if err := writeCached(path, grid); err != nil {
		return err
	}
	metrics.ObserveDownload(p.Key, "ok")
	return nil
}

// download streams the source file to a transient file next to the cache
// entry, decodes it and removes it again.
func (m *Manager) download(ctx context.Context, p climate.Parameter, key climate.ArchiveKey) (*Grid, error) {
	body, err := m.opts.Source.Fetch(ctx, p, key.Year)
	if err != nil {
		return nil, err //nolint:wrapcheck // classification relies on the source's sentinel errors
	}
	defer func() { _ = body.Close() }()

	dir := filepath.Dir(m.Path(key))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".download-*")
	if err != nil {
		return nil, fmt.Errorf("create download file: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()
	if _, err := io.Copy(tmp, body); err != nil {
		return nil, fmt.Errorf("download %s: %w", key, err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind download: %w", err)
	}
	g, err := DecodeSource(tmp)
	if err != nil {
		return nil, climate.Wrap(climate.KindDecodeFailed, err, "Climate data could not be decoded.")
	}
	return g, nil
}

func writeCached(path string, g *Grid) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create cache file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if err := EncodeCached(tmp, g); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close cache file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("publish cache file: %w", err)
	}
	return nil
}

func (m *Manager) validCache(path string) (fs.FileInfo, bool) {
	f, err := os.Open(path) //nolint:gosec // path derived from catalog keys
	if err != nil {
		return nil, false
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil || info.Size() <= int64(len(cacheMagic)) {
		return nil, false
	}
	magic := make([]byte, len(cacheMagic))
	if _, err := io.ReadFull(f, magic); err != nil || string(magic) != cacheMagic {
		return nil, false
	}
	return info, true
}

func (m *Manager) latestYear(ctx context.Context) (int, error) {
	if m.opts.LastYear > 0 {
		return m.opts.LastYear, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.opts.Clock.Now()
	if m.latest > 0 && now.Sub(m.latestAt) < m.opts.LatestTTL {
		return m.latest, nil
	}
	var year int
	err := m.opts.Retry.Do(ctx, m.opts.Sleeper, func(int) error {
		y, err := m.opts.Source.LatestYear(ctx)
		year = y
		return err
	})
	if err != nil {
		return 0, climate.Wrap(climate.KindDownloadFailed, err, "Could not determine the latest published year.")
	}
	if year < m.opts.FirstYear {
		return 0, climate.Errorf(climate.KindDownloadFailed, "The source publishes no grids after %d.", m.opts.FirstYear)
	}
	m.latest, m.latestAt = year, now
	return year, nil
}

type gapFile struct {
	Gaps []climate.Gap `json:"gaps"`
}

func (m *Manager) loadGaps() (map[climate.ArchiveKey]climate.Gap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadGapsLocked()
}

func (m *Manager) loadGapsLocked() (map[climate.ArchiveKey]climate.Gap, error) {
	out := make(map[climate.ArchiveKey]climate.Gap)
	raw, err := os.ReadFile(filepath.Join(m.opts.CacheDir, gapsManifest))
	if errors.Is(err, fs.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read gap manifest: %w", err)
	}
	var gf gapFile
	if err := json.Unmarshal(raw, &gf); err != nil {
		m.logger.Warn("ignoring corrupt gap manifest", zap.Error(err))
		return out, nil
	}
	for _, g := range gf.Gaps {
		out[g.Key] = g
	}
	return out, nil
}

func (m *Manager) recordGaps(fresh []climate.Gap) error {
	if len(fresh) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	gaps, err := m.loadGapsLocked()
	if err != nil {
		return err
	}
	for _, g := range fresh {
		gaps[g.Key] = g
	}
	return m.writeGapsLocked(gaps)
}

func (m *Manager) writeGapsLocked(gaps map[climate.ArchiveKey]climate.Gap) error {
	gf := gapFile{Gaps: make([]climate.Gap, 0, len(gaps))}
	for _, g := range gaps {
		gf.Gaps = append(gf.Gaps, g)
	}
	sort.Slice(gf.Gaps, func(i, j int) bool {
		a, b := gf.Gaps[i].Key, gf.Gaps[j].Key
		if a.Parameter != b.Parameter {
			return a.Parameter < b.Parameter
		}
		return a.Year < b.Year
	})
	raw, err := json.MarshalIndent(gf, "", "  ")
	if err != nil {
		return fmt.Errorf("encode gap manifest: %w", err)
	}
	tmp, err := os.CreateTemp(m.opts.CacheDir, gapsManifest+".tmp-*")
	if err != nil {
		return fmt.Errorf("create gap manifest: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write gap manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close gap manifest: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(m.opts.CacheDir, gapsManifest)); err != nil {
		return fmt.Errorf("publish gap manifest: %w", err)
	}
	return nil
}

// Gaps returns the recorded permanent gaps.
func (m *Manager) Gaps() ([]climate.Gap, error) {
	gaps, err := m.loadGaps()
	if err != nil {
		return nil, err
	}
	out := make([]climate.Gap, 0, len(gaps))
	for _, g := range gaps {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out, nil
}

// Purge deletes one cached grid and forgets any gap recorded for it. It is
// maintenance only; jobs never delete cache entries.
func (m *Manager) Purge(key climate.ArchiveKey) error {
	if err := os.Remove(m.Path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove cached grid: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	gaps, err := m.loadGapsLocked()
	if err != nil {
		return err
	}
	if _, ok := gaps[key]; !ok {
		return nil
	}
	delete(gaps, key)
	return m.writeGapsLocked(gaps)
}
