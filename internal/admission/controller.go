// Package admission decides whether a request may start a job. Callers are
// rate limited before any work is done for them; a sanitized area then
// needs disk headroom and an exclusive lease.
package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/zonal-climate-analyzer/internal/climate"
	"github.com/JakeFAU/zonal-climate-analyzer/internal/logging"
	"github.com/JakeFAU/zonal-climate-analyzer/internal/metrics"
	"go.uber.org/zap"
)

// Options wires the controller's collaborators.
type Options struct {
	// Limiter may be nil to disable rate limiting.
	Limiter RateLimiter
	Leases  climate.LeaseStore
	Disk    DiskChecker
	Hasher  climate.Hasher
	IDs     climate.IDGenerator
	Clock   climate.Clock
	LockTTL time.Duration
	// MinFreeBytes of 0 disables the disk preflight.
	MinFreeBytes uint64
	// DiskPaths are checked against MinFreeBytes, typically the runs and cache dirs.
	DiskPaths []string
	Logger    *zap.Logger
}

// Controller admits jobs.
type Controller struct {
	opts   Options
	logger *zap.Logger
}

// New validates opts and returns a Controller.
func New(opts Options) (*Controller, error) {
	switch {
	case opts.Leases == nil:
		return nil, errors.New("admission: lease store is required")
	case opts.Hasher == nil || opts.IDs == nil || opts.Clock == nil:
		return nil, errors.New("admission: hasher, id generator and clock are required")
	case opts.LockTTL <= 0:
		return nil, errors.New("admission: lock ttl must be positive")
	}
	if opts.MinFreeBytes > 0 && opts.Disk == nil {
		opts.Disk = StatfsChecker{}
	}
	return &Controller{opts: opts, logger: logging.OrNop(opts.Logger).Named("admission")}, nil
}

// CheckRate counts one request against caller's rate limit. It must run
// before the request is read or sanitized.
func (c *Controller) CheckRate(ctx context.Context, caller string) error {
	if err := c.checkRate(ctx, caller); err != nil {
		return c.reject(err)
	}
	return nil
}

// Admit runs the disk preflight and takes the area's lease. The rate limit
// is not part of it; see CheckRate. On success the caller owns the returned
// Ticket and must Release it.
func (c *Controller) Admit(ctx context.Context, caller string, area climate.NormalizedArea) (*Ticket, error) {
	if err := c.checkDisk(); err != nil {
		return nil, c.reject(err)
	}

	fp, err := Fingerprint(c.opts.Hasher, area)
	if err != nil {
		return nil, err
	}
	holder, err := c.opts.IDs.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate lease holder: %w", err)
	}
	want := climate.Lease{
		Fingerprint: fp,
		HolderID:    holder,
		AcquiredAt:  c.opts.Clock.Now(),
		TTL:         c.opts.LockTTL,
	}
	got, ok, err := c.opts.Leases.Acquire(ctx, want)
	if err != nil {
		return nil, fmt.Errorf("acquire lease: %w", err)
	}
	if !ok {
		c.logger.Info("area already leased",
			zap.String("fingerprint", string(fp)),
			zap.String("caller", caller),
			zap.Time("expires_at", got.ExpiresAt()),
		)
		return nil, c.reject(climate.Errorf(climate.KindJobAlreadyRunning,
			"Analyzer is busy with the same area. Please retry later."))
	}

	metrics.IncActiveJobs()
	c.logger.Debug("lease acquired", zap.String("fingerprint", string(fp)), zap.String("caller", caller))
	return &Ticket{lease: got, store: c.opts.Leases, logger: c.logger}, nil
}

// PurgeExpired removes stale leases left behind by crashed processes.
func (c *Controller) PurgeExpired(ctx context.Context) (int, error) {
	n, err := c.opts.Leases.PurgeExpired(ctx, c.opts.Clock.Now())
	if err != nil {
		return 0, fmt.Errorf("purge expired leases: %w", err)
	}
	if n > 0 {
		c.logger.Info("purged expired leases", zap.Int("count", n))
	}
	return n, nil
}

func (c *Controller) checkRate(ctx context.Context, caller string) error {
	if c.opts.Limiter == nil {
		return nil
	}
	ok, err := c.opts.Limiter.Allow(ctx, caller)
	if err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	if !ok {
		return climate.Errorf(climate.KindRateLimited, "Too many requests. Please slow down.")
	}
	return nil
}

func (c *Controller) checkDisk() error {
	if c.opts.MinFreeBytes == 0 {
		return nil
	}
	for _, path := range c.opts.DiskPaths {
		free, err := c.opts.Disk.FreeBytes(path)
		if err != nil {
			return fmt.Errorf("disk preflight: %w", err)
		}
		if free < c.opts.MinFreeBytes {
			c.logger.Warn("insufficient disk space",
				zap.String("path", path),
				zap.Uint64("free_bytes", free),
				zap.Uint64("min_free_bytes", c.opts.MinFreeBytes),
			)
			return climate.Errorf(climate.KindInsufficientDiskSpace, "Insufficient disk space. Please retry later.")
		}
	}
	return nil
}

func (c *Controller) reject(err error) error {
	if kind := climate.KindOf(err); kind.Category() == climate.CategoryAdmission {
		metrics.ObserveAdmissionRejection(string(kind))
	}
	return err
}

// Ticket is a held lease. Release is safe to call more than once.
type Ticket struct {
	lease  climate.Lease
	store  climate.LeaseStore
	logger *zap.Logger

	once sync.Once
	err  error
}

// Lease returns the held lease.
func (t *Ticket) Lease() climate.Lease {
	return t.lease
}

// Fingerprint returns the leased fingerprint.
func (t *Ticket) Fingerprint() climate.Fingerprint {
	return t.lease.Fingerprint
}

// Release gives the lease back. Callers should pass a context that outlives
// the job so a timed out job still releases.
func (t *Ticket) Release(ctx context.Context) error {
	t.once.Do(func() {
		metrics.DecActiveJobs()
		if err := t.store.Release(ctx, t.lease.Fingerprint, t.lease.HolderID); err != nil {
			t.err = fmt.Errorf("release lease: %w", err)
			t.logger.Error("lease release failed",
				zap.String("fingerprint", string(t.lease.Fingerprint)),
				zap.Error(err),
			)
		}
	})
	return t.err
}
