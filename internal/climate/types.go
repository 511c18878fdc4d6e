// Package climate defines the domain model shared by the analyzer pipeline.
package climate

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/paulmach/orb"
)

// Format identifies how an uploaded geometry is encoded.
type Format string

// Supported submission formats.
const (
	FormatUnknown   Format = ""
	FormatBundle    Format = "bundle"
	FormatPackage   Format = "package"
	FormatGeometry  Format = "geometry"
	FormatShapefile Format = "shapefile"
)

// Lang is the output language of a run.
type Lang string

// Supported output languages. German is the default.
const (
	LangDE Lang = "de"
	LangEN Lang = "en"
)

// ParseLang normalizes a user supplied language tag.
func ParseLang(raw string) Lang {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(raw)), "en") {
		return LangEN
	}
	return LangDE
}

// Submission is a raw area-of-interest upload before sanitization.
type Submission struct {
	Filename string
	Format   Format
	Data     []byte
	// Inline carries a GeoJSON document posted as JSON instead of a file.
	Inline json.RawMessage
}

// NormalizedArea is a validated polygonal area in the analysis CRS.
type NormalizedArea struct {
	// Geometry is expressed in the analysis CRS (DHDN / Gauss-Krüger zone 3).
	Geometry orb.MultiPolygon
	// Geographic is the same area in WGS84 longitude/latitude.
	Geographic   orb.MultiPolygon
	Bound        orb.Bound
	Vertices     int
	Features     int
	SourceCRS    string
	SourceFormat Format
}

// Fingerprint identifies the computation a job performs.
type Fingerprint string

// Lease is an exclusive, expiring claim on a fingerprint.
type Lease struct {
	Fingerprint Fingerprint   `json:"fingerprint"`
	HolderID    string        `json:"holder_id"`
	AcquiredAt  time.Time     `json:"acquired_at"`
	TTL         time.Duration `json:"ttl"`
}

// ExpiresAt returns the instant the lease becomes reclaimable.
func (l Lease) ExpiresAt() time.Time {
	return l.AcquiredAt.Add(l.TTL)
}

// Expired reports whether the lease may be reclaimed at now.
func (l Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt())
}

// ArchiveKey names one annual grid.
type ArchiveKey struct {
	Parameter string `json:"parameter"`
	Year      int    `json:"year"`
}

func (k ArchiveKey) String() string {
	return fmt.Sprintf("%s/%d", k.Parameter, k.Year)
}

// ArchiveEntry is a locally cached, decoded grid.
type ArchiveEntry struct {
	Key       ArchiveKey
	Path      string
	FetchedAt time.Time
}

// GapReason classifies why a grid is absent.
type GapReason string

// Gap reasons.
const (
	GapNotPublished   GapReason = "not_published"
	GapDownloadFailed GapReason = "download_failed"
	GapDecodeFailed   GapReason = "decode_failed"
)

// Gap records a grid that could not be made available.
type Gap struct {
	Key    ArchiveKey `json:"key"`
	Reason GapReason  `json:"reason"`
}

// Permanent reports whether the gap should not be retried.
func (g Gap) Permanent() bool {
	return g.Reason == GapNotPublished
}

// Archive is the set of grids available to a job.
type Archive struct {
	Entries   []ArchiveEntry
	Gaps      []Gap
	FirstYear int
	LastYear  int
}

// ZonalRecord is one reduced value set for a parameter and year.
type ZonalRecord struct {
	Parameter string   `json:"parameter"`
	Year      int      `json:"year"`
	Min       *float64 `json:"min,omitempty"`
	Mean      *float64 `json:"mean,omitempty"`
	Max       *float64 `json:"max,omitempty"`
}

// ArtifactType classifies run outputs.
type ArtifactType string

// Artifact types.
const (
	ArtifactPlot   ArtifactType = "plot"
	ArtifactMap    ArtifactType = "map"
	ArtifactData   ArtifactType = "data"
	ArtifactBundle ArtifactType = "bundle"
)

// Artifact is one servable file of a run.
type Artifact struct {
	Name  string       `json:"name"`
	Type  ArtifactType `json:"type"`
	Label string       `json:"label"`
	URL   string       `json:"url"`
}

// Run is the published manifest of a completed job.
type Run struct {
	ID          string      `json:"run_id"`
	CreatedAt   time.Time   `json:"created_at"`
	Fingerprint Fingerprint `json:"fingerprint"`
	Lang        Lang        `json:"lang"`
	Outputs     []Artifact  `json:"outputs"`
	BundleURL   string      `json:"zipUrl"`
	// BundleSHA256 is the hex digest of outputs.zip.
	BundleSHA256 string       `json:"bundle_sha256,omitempty"`
	MirrorURI    string       `json:"mirror_uri,omitempty"`
	Gaps         []ArchiveKey `json:"gaps,omitempty"`
}
