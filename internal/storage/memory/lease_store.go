package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/zonal-climate-analyzer/internal/climate"
)

// LeaseStore is a mutex guarded lease table. It only coordinates goroutines
// of one process.
type LeaseStore struct {
	mu     sync.Mutex
	leases map[climate.Fingerprint]climate.Lease
}

// NewLeaseStore constructs an empty LeaseStore.
func NewLeaseStore() *LeaseStore {
	return &LeaseStore{leases: make(map[climate.Fingerprint]climate.Lease)}
}

// Acquire claims lease.Fingerprint unless a live lease exists at lease.AcquiredAt.
func (s *LeaseStore) Acquire(_ context.Context, lease climate.Lease) (climate.Lease, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.leases[lease.Fingerprint]; ok && !cur.Expired(lease.AcquiredAt) {
		return cur, false, nil
	}
	s.leases[lease.Fingerprint] = lease
	return lease, true, nil
}

// Release drops the lease if holderID still owns it.
func (s *LeaseStore) Release(_ context.Context, fp climate.Fingerprint, holderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.leases[fp]; ok && cur.HolderID == holderID {
		delete(s.leases, fp)
	}
	return nil
}

// Get returns the lease for fp.
func (s *LeaseStore) Get(_ context.Context, fp climate.Fingerprint) (climate.Lease, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.leases[fp]
	return cur, ok, nil
}

// PurgeExpired removes leases expired at now.
func (s *LeaseStore) PurgeExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for fp, l := range s.leases {
		if l.Expired(now) {
			delete(s.leases, fp)
			n++
		}
	}
	return n, nil
}

// Counter implements fixed window counters in memory.
type Counter struct {
	mu      sync.Mutex
	clock   climate.Clock
	windows map[string]window
}

type window struct {
	count   int64
	expires time.Time
}

// NewCounter constructs a Counter that expires keys using clock.
func NewCounter(clock climate.Clock) *Counter {
	return &Counter{clock: clock, windows: make(map[string]window)}
}

// Incr bumps key and returns the new count. The key expires ttl after its
// first increment.
func (c *Counter) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, w := range c.windows {
		if !now.Before(w.expires) {
			delete(c.windows, k)
		}
	}
	w, ok := c.windows[key]
	if !ok {
		w = window{expires: now.Add(ttl)}
	}
	w.count++
	c.windows[key] = w
	return w.count, nil
}
