package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/zonal-climate-analyzer/internal/climate"
	"github.com/JakeFAU/zonal-climate-analyzer/internal/logging"
)

// stderrTail bounds how much tool output ends up in an error.
const stderrTail = 1200

// CommandConfig configures an external plotting tool.
type CommandConfig struct {
	Command string
	Args    []string
	Timeout time.Duration
	Logger  *zap.Logger
}

// Command renders by running an external executable with
// --input <statistics.json> --area <area.geojson> --out <dir> --lang <xx>.
// Every new .png or .html file it leaves in the directory becomes an artifact.
type Command struct {
	cfg    CommandConfig
	logger *zap.Logger
}

// NewCommand validates cfg and builds the renderer.
func NewCommand(cfg CommandConfig) (*Command, error) {
	if cfg.Command == "" {
		return nil, errors.New("render command is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	return &Command{cfg: cfg, logger: logging.OrNop(cfg.Logger).Named("render")}, nil
}

// Render implements climate.Renderer.
func (c *Command) Render(ctx context.Context, req climate.RenderRequest) ([]climate.RenderedFile, error) {
	before, err := listFiles(req.Dir)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	args := append(append([]string(nil), c.cfg.Args...),
		"--input", filepath.Join(req.Dir, "statistics.json"),
		"--area", filepath.Join(req.Dir, "area.geojson"),
		"--out", req.Dir,
		"--lang", string(req.Lang),
	)
	cmd := exec.CommandContext(ctx, c.cfg.Command, args...) //nolint:gosec // command comes from operator configuration
	cmd.Env = append(os.Environ(), "ZCA_LANG="+string(req.Lang))
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	start := time.Now()
	if err := cmd.Run(); err != nil {
		out := strings.TrimSpace(output.String())
		if len(out) > stderrTail {
			out = out[len(out)-stderrTail:]
		}
		return nil, fmt.Errorf("render command failed: %w: %s", err, out)
	}

	after, err := listFiles(req.Dir)
	if err != nil {
		return nil, err
	}
	var files []climate.RenderedFile
	for name := range after {
		if before[name] {
			continue
		}
		ext := strings.ToLower(filepath.Ext(name))
		var kind climate.ArtifactType
		switch ext {
		case ".png":
			kind = climate.ArtifactPlot
		case ".html":
			kind = climate.ArtifactMap
		default:
			continue
		}
		files = append(files, climate.RenderedFile{Name: name, Type: kind, Label: plotLabel(name, req.Lang)})
	}
	if len(files) == 0 {
		return nil, errors.New("render command produced no outputs")
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	c.logger.Debug("render command finished",
		zap.Int("files", len(files)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return files, nil
}

func listFiles(dir string) (map[string]bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list render dir: %w", err)
	}
	out := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			out[e.Name()] = true
		}
	}
	return out, nil
}

// plotLabel derives a label from a file name, matching the stem against the
// plot groups first.
func plotLabel(name string, lang climate.Lang) string {
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	for _, g := range groups {
		if stem == g.key || strings.HasSuffix(stem, "_"+g.key) {
			return g.title(lang)
		}
	}
	if stem == "map" || strings.HasSuffix(stem, "_map") {
		return label(MapName, lang)
	}
	words := strings.Fields(strings.ReplaceAll(stem, "_", " "))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	if len(words) == 0 {
		return name
	}
	return strings.Join(words, " ")
}
