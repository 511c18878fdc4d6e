package geometry

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/zonal-climate-analyzer/internal/climate"
)

type fakeScanner struct {
	mu       sync.Mutex
	verdict  climate.ScanVerdict
	err      error
	bytes    int
	paths    []string
	scanHook func(path string)
}

func (f *fakeScanner) Scan(_ context.Context, data []byte) (climate.ScanVerdict, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bytes++
	if f.verdict == "" {
		return climate.ScanClean, f.err
	}
	return f.verdict, f.err
}

func (f *fakeScanner) ScanPath(_ context.Context, path string) (climate.ScanVerdict, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths = append(f.paths, path)
	if f.scanHook != nil {
		f.scanHook(path)
	}
	if f.verdict == "" {
		return climate.ScanClean, f.err
	}
	return f.verdict, f.err
}

func defaultLimits() Limits {
	return Limits{
		MaxUploadBytes:     10 << 20,
		MaxZipFiles:        20,
		MaxZipUncompressed: 10 << 20,
		MaxFeatures:        50,
		MaxVertices:        1000,
	}
}

func newTestSanitizer(t *testing.T, scanner *fakeScanner, limits Limits) *Sanitizer {
	t.Helper()
	s, err := NewSanitizer(Options{Limits: limits, Scanner: scanner, WorkDir: t.TempDir()})
	require.NoError(t, err)
	return s
}

type zipFile struct {
	name string
	data []byte
}

func buildZip(t *testing.T, files ...zipFile) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range files {
		w, err := zw.Create(f.name)
		require.NoError(t, err)
		_, err = w.Write(f.data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

const squareGeoJSON = `{"type":"FeatureCollection","features":[{"type":"Feature","properties":{"name":"plot"},
"geometry":{"type":"Polygon","coordinates":[[[9.0,50.0],[9.01,50.0],[9.01,50.01],[9.0,50.01],[9.0,50.0]]]}}]}`

const gk3PRJ = `PROJCS["DHDN_3_Degree_Gauss_Zone_3",GEOGCS["GCS_Deutsches_Hauptdreiecksnetz",` +
	`DATUM["D_Deutsches_Hauptdreiecksnetz",SPHEROID["Bessel_1841",6377397.155,299.1528128]],` +
	`PRIMEM["Greenwich",0.0],UNIT["Degree",0.0174532925199433]],PROJECTION["Gauss_Kruger"],` +
	`PARAMETER["False_Easting",3500000.0],PARAMETER["False_Northing",0.0],` +
	`PARAMETER["Central_Meridian",9.0],PARAMETER["Scale_Factor",1.0],` +
	`PARAMETER["Latitude_Of_Origin",0.0],UNIT["Meter",1.0]]`
