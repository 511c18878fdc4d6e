package geometry

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	shp "github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"

	"github.com/JakeFAU/zonal-climate-analyzer/internal/climate"
	"github.com/JakeFAU/zonal-climate-analyzer/internal/crs"
)

// sidecar finds base+ext regardless of extension case.
func sidecar(base, ext string) (string, bool) {
	for _, candidate := range []string{base + ext, base + strings.ToUpper(ext)} {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, true
		}
	}
	return "", false
}

func readShapefile(path string) (layer, error) {
	base := strings.TrimSuffix(path, filepath.Ext(path))
	var missing []string
	for _, ext := range []string{".dbf", ".shx"} {
		if _, ok := sidecar(base, ext); !ok {
			missing = append(missing, ext)
		}
	}
	if len(missing) > 0 {
		return layer{}, climate.Errorf(climate.KindUnsupportedFormat,
			"Missing shapefile components: %s. Please upload a .zip containing .shp, .shx, .dbf, and .prj.",
			strings.Join(missing, ", "))
	}
	prj, ok := sidecar(base, ".prj")
	if !ok {
		return layer{}, climate.Errorf(climate.KindMissingProjection,
			"Missing .prj CRS file. Please include the .prj file in your upload.")
	}
	wkt, err := os.ReadFile(prj)
	if err != nil {
		return layer{}, climate.Wrap(climate.KindMissingProjection, err, "The .prj file could not be read.")
	}
	ref, err := crs.FromWKT(string(wkt))
	if err != nil {
		return layer{}, climate.Wrap(climate.KindMissingProjection, err,
			"The .prj file describes an unsupported coordinate reference system.")
	}

	r, err := shp.Open(path)
	if err != nil {
		return layer{}, climate.Wrap(climate.KindUnsupportedFormat, err, "Unable to read the vector file.")
	}
	defer func() { _ = r.Close() }()

	out := layer{crs: ref}
	for r.Next() {
		_, shape := r.Shape()
		out.add(shapePolygons(shape))
	}
	if err := r.Err(); err != nil {
		return layer{}, climate.Wrap(climate.KindUnsupportedFormat, err, "Unable to read the vector file.")
	}
	return out, nil
}

// shapePolygons converts polygon records. Other shape types yield nil.
func shapePolygons(s shp.Shape) orb.Geometry {
	var parts []int32
	var points []shp.Point
	switch p := s.(type) {
	case *shp.Polygon:
		parts, points = p.Parts, p.Points
	case *shp.PolygonZ:
		parts, points = p.Parts, p.Points
	case *shp.PolygonM:
		parts, points = p.Parts, p.Points
	default:
		return nil
	}
	rings := make([]orb.Ring, 0, len(parts))
	for i, start := range parts {
		end := int32(len(points))
		if i+1 < len(parts) {
			end = parts[i+1]
		}
		if start < 0 || end > int32(len(points)) || start >= end {
			continue
		}
		ring := make(orb.Ring, 0, end-start)
		for _, pt := range points[start:end] {
			ring = append(ring, orb.Point{pt.X, pt.Y})
		}
		rings = append(rings, ring)
	}
	return assembleRings(rings)
}

// findFirst returns the lexically first file below dir with extension ext.
func findFirst(dir, ext string) (string, bool) {
	var found []string
	_ = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && strings.EqualFold(filepath.Ext(path), ext) {
			found = append(found, path)
		}
		return nil
	})
	if len(found) == 0 {
		return "", false
	}
	sort.Strings(found)
	return found[0], true
}
