package geometry

import (
	"bytes"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/zonal-climate-analyzer/internal/climate"
)

var (
	zipMagic  = []byte("PK\x03\x04")
	gpkgMagic = []byte("SQLite format 3\x00")
)

var extensionFormats = map[string]climate.Format{
	".zip":     climate.FormatBundle,
	".gpkg":    climate.FormatPackage,
	".geojson": climate.FormatGeometry,
	".json":    climate.FormatGeometry,
	".shp":     climate.FormatShapefile,
}

// DetectFormat resolves the submission format from the declared tag, the
// filename extension, or the leading bytes, in that order.
func DetectFormat(declared climate.Format, filename string, head []byte) (climate.Format, error) {
	switch declared {
	case climate.FormatBundle, climate.FormatPackage, climate.FormatGeometry, climate.FormatShapefile:
		return declared, nil
	case climate.FormatUnknown:
	default:
		return climate.FormatUnknown, climate.Errorf(climate.KindUnsupportedFormat, "Unsupported format %q.", declared)
	}

	if filename != "" {
		ext := strings.ToLower(filepath.Ext(filename))
		if f, ok := extensionFormats[ext]; ok {
			return f, nil
		}
		if ext != "" {
			return climate.FormatUnknown, climate.Errorf(climate.KindUnsupportedFormat, "Unsupported file type.")
		}
	}

	switch {
	case bytes.HasPrefix(head, zipMagic):
		return climate.FormatBundle, nil
	case bytes.HasPrefix(head, gpkgMagic):
		return climate.FormatPackage, nil
	case bytes.HasPrefix(bytes.TrimLeft(head, " \t\r\n\ufeff"), []byte("{")):
		return climate.FormatGeometry, nil
	}
	return climate.FormatUnknown, climate.Errorf(climate.KindUnsupportedFormat, "Unsupported file type.")
}
