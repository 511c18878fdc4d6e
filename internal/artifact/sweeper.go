package artifact

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/zonal-climate-analyzer/internal/metrics"
)

// Sweep evicts every run older than the retention period. Abandoned staging
// directories and leftovers in the trash are removed as well. It returns
// the number of evicted runs.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	if m.opts.Retention == 0 {
		return 0, nil
	}
	now := m.opts.Clock.Now()
	cutoff := now.Add(-m.opts.Retention)

	entries, err := os.ReadDir(m.opts.Dir)
	if err != nil {
		return 0, fmt.Errorf("list runs: %w", err)
	}
	var (
		evicted int
		errs    []error
	)
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return evicted, err
		}
		if !e.IsDir() || !safeName(e.Name()) {
			continue
		}
		created, ok := m.createdAt(e.Name())
		if !ok || !created.Before(cutoff) {
			continue
		}
		if err := m.evict(ctx, e.Name(), now); err != nil {
			errs = append(errs, err)
			continue
		}
		evicted++
	}
	m.cleanScratch(stagingDir, cutoff)
	m.cleanScratch(trashDir, now)

	if evicted > 0 {
		metrics.AddRunsEvicted(evicted)
		m.logger.Info("evicted expired runs", zap.Int("count", evicted))
	}
	return evicted, errors.Join(errs...)
}

// createdAt prefers the manifest timestamp and falls back to the directory
// modification time for runs that never committed.
func (m *Manager) createdAt(runID string) (time.Time, bool) {
	if run, err := m.Get(runID); err == nil {
		return run.CreatedAt, true
	}
	info, err := os.Stat(filepath.Join(m.opts.Dir, runID))
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime(), true
}

func (m *Manager) evict(ctx context.Context, runID string, now time.Time) error {
	run, manifestErr := m.Get(runID)

	trashed := filepath.Join(m.opts.Dir, trashDir, runID+"-"+strconv.FormatInt(now.UnixNano(), 10))
	if err := os.Rename(filepath.Join(m.opts.Dir, runID), trashed); err != nil {
		return fmt.Errorf("unpublish run %s: %w", runID, err)
	}
	if err := os.RemoveAll(trashed); err != nil {
		m.logger.Warn("failed to delete evicted run", zap.String("run_id", runID), zap.Error(err))
	}

	if manifestErr == nil && run.MirrorURI != "" && m.opts.Mirror != nil {
		if err := m.opts.Mirror.DeleteObject(ctx, mirrorKey(runID)); err != nil {
			m.logger.Warn("failed to delete mirrored bundle", zap.String("run_id", runID), zap.Error(err))
		}
	}
	if m.opts.Index != nil {
		if err := m.opts.Index.DeleteRun(ctx, runID); err != nil {
			m.logger.Warn("failed to delete indexed run", zap.String("run_id", runID), zap.Error(err))
		}
	}
	m.logger.Debug("run evicted", zap.String("run_id", runID))
	return nil
}

// cleanScratch removes entries of a scratch directory last modified before cutoff.
func (m *Manager) cleanScratch(name string, cutoff time.Time) {
	dir := filepath.Join(m.opts.Dir, name)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			m.logger.Warn("failed to remove scratch entry", zap.String("path", e.Name()), zap.Error(err))
		}
	}
}

// RunSweeper sweeps once immediately and then on every interval until ctx
// is done.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	if m.opts.Retention == 0 || interval <= 0 {
		m.logger.Info("run eviction disabled")
		return
	}
	sweep := func() {
		if _, err := m.Sweep(ctx); err != nil && ctx.Err() == nil {
			m.logger.Error("sweep failed", zap.Error(err))
		}
	}
	sweep()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}
