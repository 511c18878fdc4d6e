// Package geometry validates untrusted vector uploads and normalizes them
// into a single multipolygon in the analysis grid CRS.
package geometry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/JakeFAU/zonal-climate-analyzer/internal/climate"
	"github.com/JakeFAU/zonal-climate-analyzer/internal/crs"
	"github.com/JakeFAU/zonal-climate-analyzer/internal/logging"
)

// Limits bounds what a single submission may contain. Zero disables a limit.
type Limits struct {
	MaxUploadBytes     int64
	MaxZipFiles        int
	MaxZipUncompressed int64
	MaxFeatures        int
	MaxVertices        int
}

// Options configures a Sanitizer.
type Options struct {
	Limits   Limits
	Scanner  climate.Scanner
	Coverage *Coverage
	// WorkDir holds the per-submission extraction workspaces.
	WorkDir string
	Logger  *zap.Logger
}

// Sanitizer turns a Submission into a NormalizedArea.
type Sanitizer struct {
	limits   Limits
	scanner  climate.Scanner
	coverage *Coverage
	workDir  string
	logger   *zap.Logger
}

// NewSanitizer validates opts. A scanner is mandatory.
func NewSanitizer(opts Options) (*Sanitizer, error) {
	if opts.Scanner == nil {
		return nil, errors.New("geometry sanitizer requires a scanner")
	}
	cov := opts.Coverage
	if cov == nil {
		cov = NewCoverage(DefaultExtent, nil)
	}
	return &Sanitizer{
		limits:   opts.Limits,
		scanner:  opts.Scanner,
		coverage: cov,
		workDir:  opts.WorkDir,
		logger:   logging.OrNop(opts.Logger).Named("sanitizer"),
	}, nil
}

// Coverage exposes the configured coverage.
func (s *Sanitizer) Coverage() *Coverage {
	return s.coverage
}

// Sanitize validates sub and returns the normalized area. Temporary files are
// removed on every return path.
func (s *Sanitizer) Sanitize(ctx context.Context, sub climate.Submission) (area climate.NormalizedArea, err error) {
	payload := sub.Data
	declared := sub.Format
	if len(sub.Inline) > 0 {
		payload = sub.Inline
		declared = climate.FormatGeometry
	}
	if len(payload) == 0 {
		return area, climate.Errorf(climate.KindEmptyGeometry, "The upload is empty.")
	}
	if s.limits.MaxUploadBytes > 0 && int64(len(payload)) > s.limits.MaxUploadBytes {
		return area, climate.Errorf(climate.KindUploadTooLarge, "Upload too large. Max %dMB.", s.limits.MaxUploadBytes>>20)
	}
	format, err := DetectFormat(declared, sub.Filename, head(payload))
	if err != nil {
		return area, err
	}

	var entries []bundleEntry
	if format == climate.FormatBundle {
		if entries, err = inspectBundle(payload, s.limits); err != nil {
			return area, err
		}
	}
	if err := s.scanBytes(ctx, payload); err != nil {
		return area, err
	}

	ws, err := NewWorkspace(s.workDir)
	if err != nil {
		return area, err
	}
	defer func() {
		if cerr := ws.Close(); cerr != nil {
			s.logger.Warn("workspace cleanup failed", zap.String("dir", ws.Dir()), zap.Error(cerr))
		}
	}()

	l, err := s.parse(ctx, format, sub.Filename, payload, entries, ws)
	if err != nil {
		return area, err
	}
	area, err = s.normalize(l, format)
	if err != nil {
		return area, err
	}
	if err := s.coverage.Check(area); err != nil {
		return climate.NormalizedArea{}, err
	}
	s.logger.Debug("submission sanitized",
		zap.String("format", string(format)),
		zap.String("crs", area.SourceCRS),
		zap.Int("features", area.Features),
		zap.Int("vertices", area.Vertices))
	return area, nil
}

func (s *Sanitizer) parse(ctx context.Context, format climate.Format, filename string, payload []byte,
	entries []bundleEntry, ws *Workspace) (layer, error) {
	switch format {
	case climate.FormatGeometry:
		return readGeoJSON(payload)
	case climate.FormatPackage:
		path, err := ws.WriteFile("upload.gpkg", payload)
		if err != nil {
			return layer{}, err
		}
		return readGeoPackage(ctx, path)
	case climate.FormatShapefile:
		name := filepath.Base(filename)
		if name == "." || name == string(filepath.Separator) || filepath.Ext(name) == "" {
			name = "upload.shp"
		}
		path, err := ws.WriteFile(name, payload)
		if err != nil {
			return layer{}, err
		}
		return readShapefile(path)
	case climate.FormatBundle:
		if err := extractBundle(ctx, entries, ws, s.limits.MaxZipUncompressed); err != nil {
			return layer{}, err
		}
		if err := s.scanPath(ctx, ws.Dir()); err != nil {
			return layer{}, err
		}
		if path, ok := findFirst(ws.Dir(), ".shp"); ok {
			return readShapefile(path)
		}
		if path, ok := findFirst(ws.Dir(), ".gpkg"); ok {
			return readGeoPackage(ctx, path)
		}
		if path, ok := findFirst(ws.Dir(), ".geojson"); ok {
			data, err := readLimited(path, s.limits.MaxUploadBytes)
			if err != nil {
				return layer{}, err
			}
			return readGeoJSON(data)
		}
		return layer{}, climate.Errorf(climate.KindUnsupportedFormat, "No .shp file found in upload.")
	}
	return layer{}, climate.Errorf(climate.KindUnsupportedFormat, "Unsupported file type.")
}

func (s *Sanitizer) normalize(l layer, format climate.Format) (climate.NormalizedArea, error) {
	if s.limits.MaxFeatures > 0 && l.features > s.limits.MaxFeatures {
		return climate.NormalizedArea{}, climate.Errorf(climate.KindTooManyFeatures, "Too many features in upload.")
	}
	if len(l.polygons) == 0 {
		if l.features == 0 {
			return climate.NormalizedArea{}, climate.Errorf(climate.KindEmptyGeometry, "No valid geometries found.")
		}
		return climate.NormalizedArea{}, climate.Errorf(climate.KindEmptyGeometry, "Only polygon geometries are supported.")
	}
	vertices := countVertices(l.polygons)
	if s.limits.MaxVertices > 0 && vertices > s.limits.MaxVertices {
		return climate.NormalizedArea{}, climate.Errorf(climate.KindTooManyVertices, "Geometry is too complex.")
	}

	grid := crs.NewTransformer(l.crs, crs.GK3).MultiPolygon(l.polygons)
	geographic := crs.NewTransformer(l.crs, crs.WGS84).MultiPolygon(l.polygons)
	return climate.NormalizedArea{
		Geometry:     grid,
		Geographic:   geographic,
		Bound:        grid.Bound(),
		Vertices:     vertices,
		Features:     l.polygonal,
		SourceCRS:    l.crs.String(),
		SourceFormat: format,
	}, nil
}

func (s *Sanitizer) scanBytes(ctx context.Context, data []byte) error {
	verdict, err := s.scanner.Scan(ctx, data)
	return s.verdict(verdict, err)
}

func (s *Sanitizer) scanPath(ctx context.Context, path string) error {
	verdict, err := s.scanner.ScanPath(ctx, path)
	return s.verdict(verdict, err)
}

func (s *Sanitizer) verdict(v climate.ScanVerdict, err error) error {
	if err != nil {
		if errors.Is(err, climate.ErrScannerUnavailable) || errors.Is(err, climate.ErrMalwareDetected) {
			return err
		}
		return climate.Wrap(climate.KindScannerUnavailable, err, "")
	}
	switch v {
	case climate.ScanClean:
		return nil
	case climate.ScanInfected:
		return climate.Errorf(climate.KindMalwareDetected, "Upload failed malware scan.")
	default:
		return climate.Errorf(climate.KindScannerUnavailable, "Malware scanner is unavailable.")
	}
}

func head(b []byte) []byte {
	if len(b) > 32 {
		return b[:32]
	}
	return b
}

func readLimited(path string, limit int64) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, climate.Errorf(climate.KindUploadTooLarge, "Upload too large.")
	}
	return data, nil
}
