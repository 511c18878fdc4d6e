package raster

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
)

// maxSourceBytes caps a single decompressed source grid.
const maxSourceBytes = 512 << 20

// DecodeSource decompresses a downloaded grid. Files are gzip, but some are
// zip archives published under a .asc.gz name; plain ASCII is accepted too.
func DecodeSource(r io.Reader) (*Grid, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxSourceBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read source: %w", err)
	}
	if len(data) > maxSourceBytes {
		return nil, fmt.Errorf("source exceeds %d bytes", maxSourceBytes)
	}

	switch {
	case bytes.HasPrefix(data, []byte("PK\x03\x04")):
		return decodeZipped(data)
	case bytes.HasPrefix(data, []byte{0x1f, 0x8b}):
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("open gzip: %w", err)
		}
		defer func() { _ = zr.Close() }()
		return ParseASCII(io.LimitReader(zr, maxSourceBytes))
	default:
		return ParseASCII(bytes.NewReader(data))
	}
}

func decodeZipped(data []byte) (*Grid, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	for _, f := range zr.File {
		if !strings.HasSuffix(strings.ToLower(f.Name), ".asc") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", f.Name, err)
		}
		g, err := ParseASCII(io.LimitReader(rc, maxSourceBytes))
		_ = rc.Close()
		return g, err
	}
	return nil, fmt.Errorf("no .asc file found in archive")
}
