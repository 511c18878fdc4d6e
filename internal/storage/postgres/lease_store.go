package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/zonal-climate-analyzer/internal/climate"
)

// Acquire inserts the lease, or takes over an existing row whose lease has
// expired, in a single statement.
func (s *Store) Acquire(ctx context.Context, lease climate.Lease) (climate.Lease, bool, error) {
	const query = `
INSERT INTO zca_leases (fingerprint, holder_id, acquired_at, expires_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (fingerprint) DO UPDATE
SET holder_id = EXCLUDED.holder_id,
	acquired_at = EXCLUDED.acquired_at,
	expires_at = EXCLUDED.expires_at
WHERE zca_leases.expires_at <= EXCLUDED.acquired_at
RETURNING holder_id`

	var holder string
	err := s.pool.QueryRow(ctx, query,
		string(lease.Fingerprint), lease.HolderID, lease.AcquiredAt, lease.ExpiresAt(),
	).Scan(&holder)
	switch {
	case err == nil:
		return lease, true, nil
	case !noRows(err):
		return climate.Lease{}, false, fmt.Errorf("insert lease: %w", err)
	}

	cur, ok, err := s.Get(ctx, lease.Fingerprint)
	if err != nil {
		return climate.Lease{}, false, err
	}
	if !ok {
		// Released between the insert and the lookup.
		cur = climate.Lease{Fingerprint: lease.Fingerprint}
	}
	return cur, false, nil
}

// Release deletes the lease if holderID still owns it.
func (s *Store) Release(ctx context.Context, fp climate.Fingerprint, holderID string) error {
	const query = `DELETE FROM zca_leases WHERE fingerprint = $1 AND holder_id = $2`
	if _, err := s.pool.Exec(ctx, query, string(fp), holderID); err != nil {
		return fmt.Errorf("delete lease: %w", err)
	}
	return nil
}

// Get loads the lease for fp.
func (s *Store) Get(ctx context.Context, fp climate.Fingerprint) (climate.Lease, bool, error) {
	const query = `SELECT holder_id, acquired_at, expires_at FROM zca_leases WHERE fingerprint = $1`
	var (
		holder           string
		acquired, expire time.Time
	)
	err := s.pool.QueryRow(ctx, query, string(fp)).Scan(&holder, &acquired, &expire)
	if noRows(err) {
		return climate.Lease{}, false, nil
	}
	if err != nil {
		return climate.Lease{}, false, fmt.Errorf("select lease: %w", err)
	}
	return climate.Lease{
		Fingerprint: fp,
		HolderID:    holder,
		AcquiredAt:  acquired.UTC(),
		TTL:         expire.Sub(acquired),
	}, true, nil
}

// PurgeExpired deletes expired leases and stale rate windows. It returns the
// number of leases removed.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM zca_leases WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("purge leases: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM zca_rate_windows WHERE expires_at <= $1`, now); err != nil {
		return 0, fmt.Errorf("purge rate windows: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Incr bumps the window counter for key. Expired rows restart at one.
func (s *Store) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	const query = `
INSERT INTO zca_rate_windows (key, count, expires_at)
VALUES ($1, 1, now() + $2 * interval '1 millisecond')
ON CONFLICT (key) DO UPDATE
SET count = CASE WHEN zca_rate_windows.expires_at <= now() THEN 1 ELSE zca_rate_windows.count + 1 END,
	expires_at = CASE WHEN zca_rate_windows.expires_at <= now() THEN EXCLUDED.expires_at ELSE zca_rate_windows.expires_at END
RETURNING count`

	var n int64
	if err := s.pool.QueryRow(ctx, query, key, ttl.Milliseconds()).Scan(&n); err != nil {
		return 0, fmt.Errorf("increment rate window: %w", err)
	}
	return n, nil
}
