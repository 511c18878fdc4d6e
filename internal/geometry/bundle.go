package geometry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/JakeFAU/zonal-climate-analyzer/internal/climate"
)

var bundleExtensions = map[string]bool{
	".shp":     true,
	".shx":     true,
	".dbf":     true,
	".prj":     true,
	".cpg":     true,
	".gpkg":    true,
	".geojson": true,
}

// bundleEntry is a zip member that will be extracted.
type bundleEntry struct {
	file *zip.File
	rel  string
}

// inspectBundle enumerates the archive without extracting anything and
// enforces the entry count, declared size, name and extension rules.
func inspectBundle(data []byte, limits Limits) ([]bundleEntry, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, climate.Wrap(climate.KindUnsupportedFormat, err, "Invalid zip file.")
	}
	if limits.MaxZipFiles > 0 && len(zr.File) > limits.MaxZipFiles {
		return nil, climate.Errorf(climate.KindArchiveBombSuspected, "Zip file contains too many entries.")
	}

	var declared uint64
	entries := make([]bundleEntry, 0, len(zr.File))
	for _, f := range zr.File {
		declared += f.UncompressedSize64
		if limits.MaxZipUncompressed > 0 && declared > uint64(limits.MaxZipUncompressed) {
			return nil, climate.Errorf(climate.KindArchiveBombSuspected, "Zip file is too large to extract.")
		}

		name := strings.ReplaceAll(f.Name, `\`, "/")
		rel := filepath.FromSlash(strings.TrimSuffix(name, "/"))
		if rel == "" || !filepath.IsLocal(rel) {
			return nil, climate.Errorf(climate.KindUnsupportedFormat, "Invalid zip contents.")
		}
		if f.FileInfo().IsDir() || strings.HasPrefix(name, "__MACOSX/") {
			continue
		}
		if f.Mode()&os.ModeSymlink != 0 {
			return nil, climate.Errorf(climate.KindUnsupportedFormat, "Invalid zip contents.")
		}
		ext := strings.ToLower(filepath.Ext(rel))
		if ext == "" {
			continue
		}
		if !bundleExtensions[ext] {
			return nil, climate.Errorf(climate.KindUnsupportedFormat, "Zip contains unsupported file types.")
		}
		entries = append(entries, bundleEntry{file: f, rel: rel})
	}
	return entries, nil
}

// extractBundle writes entries into ws, counting decompressed bytes as they
// are produced so that forged size headers cannot bypass the limit.
func extractBundle(ctx context.Context, entries []bundleEntry, ws *Workspace, limit int64) error {
	remaining := limit
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("extract bundle: %w", err)
		}
		n, err := extractEntry(e, ws.Path(e.rel), remaining, limit > 0)
		if err != nil {
			return err
		}
		remaining -= n
	}
	return nil
}

func extractEntry(e bundleEntry, dst string, remaining int64, bounded bool) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return 0, fmt.Errorf("create %s: %w", filepath.Dir(dst), err)
	}
	rc, err := e.file.Open()
	if err != nil {
		return 0, climate.Wrap(climate.KindUnsupportedFormat, err, "Invalid zip file.")
	}
	defer func() { _ = rc.Close() }()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return 0, climate.Errorf(climate.KindUnsupportedFormat, "Invalid zip contents.")
		}
		return 0, fmt.Errorf("create %s: %w", e.rel, err)
	}
	defer func() { _ = out.Close() }()

	var src io.Reader = rc
	if bounded {
		src = io.LimitReader(rc, remaining+1)
	}
	n, err := io.Copy(out, src)
	if bounded && n > remaining {
		return n, climate.Errorf(climate.KindArchiveBombSuspected, "Zip file is too large to extract.")
	}
	if err != nil {
		if errors.Is(err, zip.ErrFormat) || errors.Is(err, zip.ErrChecksum) {
			return n, climate.Wrap(climate.KindArchiveBombSuspected, err, "Zip entry does not match its header.")
		}
		return n, fmt.Errorf("extract %s: %w", e.rel, err)
	}
	return n, nil
}
