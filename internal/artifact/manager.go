// Package artifact publishes run directories, serves their files and
// evicts them after the retention period.
//
// A run is assembled under <dir>/.staging/<run_id>, committed by writing
// run.json and renamed into <dir>/<run_id>. Eviction renames the run into
// <dir>/.trash before deleting it, so readers see either a complete run or
// none at all.
package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/zonal-climate-analyzer/internal/climate"
	"github.com/JakeFAU/zonal-climate-analyzer/internal/logging"
)

const (
	stagingDir = ".staging"
	trashDir   = ".trash"
	resultsDir = "results"
)

// FileHasher digests a file on disk.
type FileHasher interface {
	HashFile(path string) (string, error)
}

// Options configures the Manager.
type Options struct {
	Dir string
	// Retention of 0 keeps runs forever.
	Retention time.Duration
	// BaseURL prefixes result file URLs, e.g. "/runs".
	BaseURL string
	// DownloadBaseURL prefixes bundle URLs, e.g. "/api/runs".
	DownloadBaseURL string
	Renderer        climate.Renderer
	// Mirror optionally receives a copy of every bundle.
	Mirror climate.BlobStore
	// Index optionally records published runs.
	Index  climate.RunIndex
	Hasher FileHasher
	IDs    climate.IDGenerator
	Clock  climate.Clock
	Logger *zap.Logger
}

// Manager owns the runs directory.
type Manager struct {
	opts   Options
	logger *zap.Logger
}

// PublishRequest is everything a finished job hands over for persistence.
type PublishRequest struct {
	Fingerprint climate.Fingerprint
	Lang        climate.Lang
	Area        climate.NormalizedArea
	Records     []climate.ZonalRecord
	Archive     climate.Archive
}

// New validates opts and prepares the directory layout.
func New(opts Options) (*Manager, error) {
	switch {
	case opts.Dir == "":
		return nil, errors.New("artifact: runs dir is required")
	case opts.Renderer == nil:
		return nil, errors.New("artifact: renderer is required")
	case opts.Hasher == nil || opts.IDs == nil || opts.Clock == nil:
		return nil, errors.New("artifact: hasher, id generator and clock are required")
	case opts.Retention < 0:
		return nil, errors.New("artifact: retention must not be negative")
	}
	if opts.BaseURL == "" {
		opts.BaseURL = "/runs"
	}
	if opts.DownloadBaseURL == "" {
		opts.DownloadBaseURL = "/api/runs"
	}
	for _, d := range []string{opts.Dir, filepath.Join(opts.Dir, stagingDir), filepath.Join(opts.Dir, trashDir)} {
		if err := os.MkdirAll(d, 0o750); err != nil {
			return nil, fmt.Errorf("create %s: %w", d, err)
		}
	}
	return &Manager{opts: opts, logger: logging.OrNop(opts.Logger).Named("artifact")}, nil
}

// Dir returns the runs directory.
func (m *Manager) Dir() string {
	return m.opts.Dir
}

// Publish writes the statistics, renders the visual artifacts, bundles the
// results and atomically exposes the run.
func (m *Manager) Publish(ctx context.Context, req PublishRequest) (climate.Run, error) {
	runID, err := m.opts.IDs.NewID()
	if err != nil {
		return climate.Run{}, fmt.Errorf("generate run id: %w", err)
	}
	created := m.opts.Clock.Now().UTC()
	staging := filepath.Join(m.opts.Dir, stagingDir, runID)
	results := filepath.Join(staging, resultsDir)
	if err := os.MkdirAll(results, 0o750); err != nil {
		return climate.Run{}, fmt.Errorf("create staging dir: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if err := os.RemoveAll(staging); err != nil {
				m.logger.Warn("failed to remove staging dir", zap.String("run_id", runID), zap.Error(err))
			}
		}
	}()

	run := climate.Run{
		ID:          runID,
		CreatedAt:   created,
		Fingerprint: req.Fingerprint,
		Lang:        req.Lang,
		BundleURL:   m.opts.DownloadBaseURL + "/" + runID + "/download",
	}
	for _, g := range req.Archive.Gaps {
		run.Gaps = append(run.Gaps, g.Key)
	}

	summary := summarize(req.Area)
	doc := statisticsDocument{
		RunID:      runID,
		CreatedAt:  created,
		Lang:       req.Lang,
		FirstYear:  req.Archive.FirstYear,
		LastYear:   req.Archive.LastYear,
		Area:       summary,
		Parameters: parameterInfos(req.Lang),
		Records:    req.Records,
		Gaps:       req.Archive.Gaps,
	}
	if doc.Records == nil {
		doc.Records = []climate.ZonalRecord{}
	}
	if doc.Gaps == nil {
		doc.Gaps = []climate.Gap{}
	}
	if err := writeStatisticsJSON(results, doc); err != nil {
		return climate.Run{}, err
	}
	if err := writeStatisticsCSV(results, req.Lang, req.Records); err != nil {
		return climate.Run{}, err
	}
	if err := writeAreaGeoJSON(results, req.Area, summary); err != nil {
		return climate.Run{}, err
	}

	rendered, err := m.opts.Renderer.Render(ctx, climate.RenderRequest{
		Records: req.Records,
		Area:    req.Area,
		Lang:    req.Lang,
		Dir:     results,
	})
	if err != nil {
		return climate.Run{}, fmt.Errorf("render artifacts: %w", err)
	}
	outputs, err := m.collectOutputs(runID, results, req.Lang, rendered)
	if err != nil {
		return climate.Run{}, err
	}

	bundle := filepath.Join(staging, BundleName)
	if err := writeBundle(results, bundle, created); err != nil {
		return climate.Run{}, err
	}
	digest, err := m.opts.Hasher.HashFile(bundle)
	if err != nil {
		return climate.Run{}, fmt.Errorf("hash bundle: %w", err)
	}
	run.BundleSHA256 = digest
	outputs = append(outputs, climate.Artifact{
		Name:  BundleName,
		Type:  climate.ArtifactBundle,
		Label: dataLabel(BundleName, req.Lang),
		URL:   run.BundleURL,
	})
	sort.Slice(outputs, func(i, j int) bool { return outputs[i].Name < outputs[j].Name })
	run.Outputs = outputs
	run.MirrorURI = m.mirror(ctx, runID, bundle)

	if err := writeManifest(staging, run); err != nil {
		return climate.Run{}, err
	}
	final := filepath.Join(m.opts.Dir, runID)
	if err := os.Rename(staging, final); err != nil {
		return climate.Run{}, fmt.Errorf("publish run: %w", err)
	}
	committed = true

	if m.opts.Index != nil {
		if err := m.opts.Index.RecordRun(ctx, run); err != nil {
			m.logger.Warn("failed to index run", zap.String("run_id", runID), zap.Error(err))
		}
	}
	m.logger.Info("run published",
		zap.String("run_id", runID),
		zap.String("fingerprint", string(req.Fingerprint)),
		zap.Int("records", len(req.Records)),
		zap.Int("outputs", len(outputs)),
	)
	return run, nil
}

func (m *Manager) collectOutputs(runID, results string, lang climate.Lang, rendered []climate.RenderedFile) ([]climate.Artifact, error) {
	outputs := make([]climate.Artifact, 0, len(rendered)+3)
	for _, name := range []string{AreaGeoJSON, StatisticsCSV, StatisticsJSON} {
		outputs = append(outputs, climate.Artifact{
			Name:  name,
			Type:  climate.ArtifactData,
			Label: dataLabel(name, lang),
			URL:   m.resultURL(runID, name),
		})
	}
	seen := map[string]bool{AreaGeoJSON: true, StatisticsCSV: true, StatisticsJSON: true}
	for _, f := range rendered {
		if !safeName(f.Name) || seen[f.Name] {
			return nil, fmt.Errorf("renderer produced invalid file name %q", f.Name)
		}
		info, err := os.Stat(filepath.Join(results, f.Name))
		if err != nil || !info.Mode().IsRegular() {
			return nil, fmt.Errorf("renderer did not write %q", f.Name)
		}
		seen[f.Name] = true
		label := f.Label
		if label == "" {
			label = strings.TrimSuffix(f.Name, filepath.Ext(f.Name))
		}
		outputs = append(outputs, climate.Artifact{
			Name:  f.Name,
			Type:  f.Type,
			Label: label,
			URL:   m.resultURL(runID, f.Name),
		})
	}
	return outputs, nil
}

func (m *Manager) resultURL(runID, name string) string {
	return path.Join(m.opts.BaseURL, runID, resultsDir, name)
}

func (m *Manager) mirror(ctx context.Context, runID, bundle string) string {
	if m.opts.Mirror == nil {
		return ""
	}
	f, err := os.Open(bundle) //nolint:gosec // bundle lives in our staging directory
	if err != nil {
		m.logger.Warn("failed to open bundle for mirroring", zap.String("run_id", runID), zap.Error(err))
		return ""
	}
	defer func() { _ = f.Close() }()
	uri, err := m.opts.Mirror.PutObject(ctx, mirrorKey(runID), "application/zip", f)
	if err != nil {
		m.logger.Warn("failed to mirror bundle", zap.String("run_id", runID), zap.Error(err))
		return ""
	}
	return uri
}

func mirrorKey(runID string) string {
	return runID + "/" + BundleName
}

func writeManifest(dir string, run climate.Run) error {
	raw, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	tmp := filepath.Join(dir, ManifestName+".tmp")
	if err := os.WriteFile(tmp, raw, 0o640); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, ManifestName)); err != nil {
		return fmt.Errorf("commit manifest: %w", err)
	}
	return nil
}

// Get returns the manifest of a published run.
func (m *Manager) Get(runID string) (climate.Run, error) {
	if !safeName(runID) {
		return climate.Run{}, climate.Errorf(climate.KindNotFound, "Run not found.")
	}
	raw, err := os.ReadFile(filepath.Join(m.opts.Dir, runID, ManifestName))
	if errors.Is(err, fs.ErrNotExist) {
		return climate.Run{}, climate.Errorf(climate.KindNotFound, "Run not found.")
	}
	if err != nil {
		return climate.Run{}, fmt.Errorf("read manifest: %w", err)
	}
	var run climate.Run
	if err := json.Unmarshal(raw, &run); err != nil {
		return climate.Run{}, fmt.Errorf("decode manifest: %w", err)
	}
	return run, nil
}

// Open resolves a result file of a published run to a path on disk.
func (m *Manager) Open(runID, name string) (string, error) {
	if !safeName(name) {
		return "", climate.Errorf(climate.KindNotFound, "File not found.")
	}
	if _, err := m.Get(runID); err != nil {
		return "", err
	}
	p := filepath.Join(m.opts.Dir, runID, resultsDir, name)
	info, err := os.Stat(p)
	if err != nil || !info.Mode().IsRegular() {
		return "", climate.Errorf(climate.KindNotFound, "File not found.")
	}
	return p, nil
}

// BundlePath resolves the outputs.zip of a published run.
func (m *Manager) BundlePath(runID string) (string, error) {
	if _, err := m.Get(runID); err != nil {
		return "", err
	}
	p := filepath.Join(m.opts.Dir, runID, BundleName)
	if _, err := os.Stat(p); err != nil {
		return "", climate.Errorf(climate.KindNotFound, "Run not found.")
	}
	return p, nil
}

// safeName accepts a single path element that is not hidden.
func safeName(name string) bool {
	return name != "" &&
		!strings.HasPrefix(name, ".") &&
		!strings.ContainsAny(name, `/\`) &&
		filepath.Base(name) == name
}
