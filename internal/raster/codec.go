package raster

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/klauspost/compress/zstd"
)

// cacheMagic prefixes every cached grid file.
const cacheMagic = "ZCAGRID1\n"

// maxCells bounds what a cached header may claim before values are read.
const maxCells = 64 << 20

// EncodeCached writes g as a zstd stream holding a JSON header line followed
// by little-endian float32 values.
func EncodeCached(w io.Writer, g *Grid) error {
	if len(g.Values) != g.NCols*g.NRows {
		return fmt.Errorf("grid has %d values for %dx%d cells", len(g.Values), g.NCols, g.NRows)
	}
	if _, err := io.WriteString(w, cacheMagic); err != nil {
		return fmt.Errorf("write magic: %w", err)
	}
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	bw := bufio.NewWriterSize(enc, 64*1024)
	if err := json.NewEncoder(bw).Encode(g.Header); err != nil {
		_ = enc.Close()
		return fmt.Errorf("encode header: %w", err)
	}
	var buf [4]byte
	for _, v := range g.Values {
		binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
		if _, err := bw.Write(buf[:]); err != nil {
			_ = enc.Close()
			return fmt.Errorf("write values: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		_ = enc.Close()
		return fmt.Errorf("flush values: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close zstd writer: %w", err)
	}
	return nil
}

// DecodeCached reads a grid written by EncodeCached.
func DecodeCached(r io.Reader) (*Grid, error) {
	magic := make([]byte, len(cacheMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, fmt.Errorf("read magic: %w", err)
	}
	if !bytes.Equal(magic, []byte(cacheMagic)) {
		return nil, errors.New("not a cached grid")
	}
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("create zstd reader: %w", err)
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 64*1024)
	line, err := br.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	var h Header
	if err := json.Unmarshal(line, &h); err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}
	n := h.NCols * h.NRows
	if h.NCols <= 0 || h.NRows <= 0 || n > maxCells {
		return nil, fmt.Errorf("invalid cached grid size %dx%d", h.NCols, h.NRows)
	}
	raw := make([]byte, 4*n)
	if _, err := io.ReadFull(br, raw); err != nil {
		return nil, fmt.Errorf("read values: %w", err)
	}
	values := make([]float32, n)
	for i := range values {
		values[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return &Grid{Header: h, Values: values}, nil
}

// ReadCached decodes the cached grid at path.
func ReadCached(path string) (*Grid, error) {
	f, err := os.Open(path) //nolint:gosec // cache paths are built from catalog keys
	if err != nil {
		return nil, fmt.Errorf("open cached grid: %w", err)
	}
	defer func() { _ = f.Close() }()
	g, err := DecodeCached(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return g, nil
}
