package climate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run and lease holder identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Hasher computes digests for fingerprints and integrity checks.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// ScanVerdict is the outcome of a malware scan.
type ScanVerdict string

// Scan verdicts.
const (
	ScanClean       ScanVerdict = "clean"
	ScanInfected    ScanVerdict = "infected"
	ScanUnavailable ScanVerdict = "unavailable"
)

// Scanner inspects uploaded content for malware.
type Scanner interface {
	Scan(ctx context.Context, data []byte) (ScanVerdict, error)
	ScanPath(ctx context.Context, path string) (ScanVerdict, error)
}

// LeaseStore coordinates exclusive job leases across instances.
type LeaseStore interface {
	// Acquire claims lease.Fingerprint unless a live lease exists. When the
	// claim fails the current holder's lease is returned with false.
	Acquire(ctx context.Context, lease Lease) (Lease, bool, error)
	// Release drops the lease only if holderID still owns it.
	Release(ctx context.Context, fp Fingerprint, holderID string) error
	// Get returns the current lease for fp, if any, live or expired.
	Get(ctx context.Context, fp Fingerprint) (Lease, bool, error)
	// PurgeExpired removes leases that expired before now.
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

// WindowCounter counts hits in fixed, expiring windows.
type WindowCounter interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

// ErrNotPublished marks a grid the remote source does not offer.
var ErrNotPublished = errors.New("grid not published")

// StatusError is an unexpected HTTP status from a remote source.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.Code, e.URL)
}

// Retryable reports whether the status is worth another attempt.
func (e *StatusError) Retryable() bool {
	switch e.Code {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// RasterSource publishes annual grids.
type RasterSource interface {
	LatestYear(ctx context.Context) (int, error)
	Fetch(ctx context.Context, param Parameter, year int) (io.ReadCloser, error)
}

// RenderRequest carries everything a renderer may draw.
type RenderRequest struct {
	Records []ZonalRecord
	Area    NormalizedArea
	Lang    Lang
	// Dir is the results directory; statistics.json and area.geojson are
	// already present when Render is called.
	Dir string
}

// RenderedFile is a file a renderer wrote into RenderRequest.Dir.
type RenderedFile struct {
	Name  string
	Type  ArtifactType
	Label string
}

// Renderer produces visual artifacts for a run.
type Renderer interface {
	Render(ctx context.Context, req RenderRequest) ([]RenderedFile, error)
}

// BlobStore writes artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
	DeleteObject(ctx context.Context, path string) error
}

// Publisher pushes run notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// RunIndex keeps a queryable record of published runs.
type RunIndex interface {
	RecordRun(ctx context.Context, run Run) error
	DeleteRun(ctx context.Context, runID string) error
}
