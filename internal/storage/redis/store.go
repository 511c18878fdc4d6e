// Package redis coordinates leases and rate windows through a shared Redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/zonal-climate-analyzer/internal/climate"
)

const leasePrefix = "zca:lease:"

// releaseScript deletes the lease only when the stored holder matches.
var releaseScript = goredis.NewScript(`
local v = redis.call('GET', KEYS[1])
if v and string.sub(v, 1, string.len(ARGV[1]) + 1) == ARGV[1] .. '\n' then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// Config addresses the Redis server.
type Config struct {
	Addr     string
	Username string
	Password string
	DB       int
}

// Store implements climate.LeaseStore and climate.WindowCounter. Lease
// expiry is delegated to Redis key TTLs.
type Store struct {
	client goredis.UniversalClient
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis.addr is required")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Store{client: client}, nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client goredis.UniversalClient) *Store {
	return &Store{client: client}
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// Close closes the client.
func (s *Store) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close redis: %w", err)
	}
	return nil
}

// Acquire sets the lease key with NX and the lease TTL.
func (s *Store) Acquire(ctx context.Context, lease climate.Lease) (climate.Lease, bool, error) {
	ok, err := s.client.SetNX(ctx, leasePrefix+string(lease.Fingerprint), encodeLease(lease), lease.TTL).Result()
	if err != nil {
		return climate.Lease{}, false, fmt.Errorf("set lease: %w", err)
	}
	if ok {
		return lease, true, nil
	}
	cur, found, err := s.Get(ctx, lease.Fingerprint)
	if err != nil {
		return climate.Lease{}, false, err
	}
	if !found {
		cur = climate.Lease{Fingerprint: lease.Fingerprint}
	}
	return cur, false, nil
}

// Release deletes the lease if holderID still owns it.
func (s *Store) Release(ctx context.Context, fp climate.Fingerprint, holderID string) error {
	if err := releaseScript.Run(ctx, s.client, []string{leasePrefix + string(fp)}, holderID).Err(); err != nil &&
		!errors.Is(err, goredis.Nil) {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// Get reads the lease for fp.
func (s *Store) Get(ctx context.Context, fp climate.Fingerprint) (climate.Lease, bool, error) {
	raw, err := s.client.Get(ctx, leasePrefix+string(fp)).Result()
	if errors.Is(err, goredis.Nil) {
		return climate.Lease{}, false, nil
	}
	if err != nil {
		return climate.Lease{}, false, fmt.Errorf("get lease: %w", err)
	}
	l, err := decodeLease(fp, raw)
	if err != nil {
		return climate.Lease{}, false, err
	}
	return l, true, nil
}

// PurgeExpired is a no-op: Redis expires lease keys itself.
func (s *Store) PurgeExpired(context.Context, time.Time) (int, error) {
	return 0, nil
}

// Incr bumps key and refreshes its expiry in one transaction.
func (s *Store) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var incr *goredis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("increment rate window: %w", err)
	}
	return incr.Val(), nil
}

// encodeLease stores "holder\nacquired_unix_ms\nttl_ms". The holder comes
// first so the release script can match it by prefix.
func encodeLease(l climate.Lease) string {
	return l.HolderID + "\n" +
		strconv.FormatInt(l.AcquiredAt.UnixMilli(), 10) + "\n" +
		strconv.FormatInt(l.TTL.Milliseconds(), 10)
}

func decodeLease(fp climate.Fingerprint, raw string) (climate.Lease, error) {
	parts := strings.Split(raw, "\n")
	if len(parts) != 3 {
		return climate.Lease{}, fmt.Errorf("malformed lease for %s", fp)
	}
	acquired, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return climate.Lease{}, fmt.Errorf("parse lease acquired_at: %w", err)
	}
	ttl, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return climate.Lease{}, fmt.Errorf("parse lease ttl: %w", err)
	}
	return climate.Lease{
		Fingerprint: fp,
		HolderID:    parts[0],
		AcquiredAt:  time.UnixMilli(acquired).UTC(),
		TTL:         time.Duration(ttl) * time.Millisecond,
	}, nil
}
