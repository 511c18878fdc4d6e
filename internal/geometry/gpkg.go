package geometry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/zonal-climate-analyzer/internal/climate"
	"github.com/JakeFAU/zonal-climate-analyzer/internal/crs"
)

type gpkgLayer struct {
	table  string
	column string
	srsID  int64
}

// readGeoPackage loads the first feature table that has rows.
func readGeoPackage(ctx context.Context, path string) (layer, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return layer{}, fmt.Errorf("open geopackage: %w", err)
	}
	defer func() { _ = db.Close() }()

	layers, err := listGPKGLayers(ctx, db)
	if err != nil {
		return layer{}, climate.Wrap(climate.KindUnsupportedFormat, err, "Invalid GeoPackage file.")
	}
	if len(layers) == 0 {
		return layer{}, climate.Errorf(climate.KindEmptyGeometry, "GeoPackage has no layers.")
	}

	for _, gl := range layers {
		out, err := readGPKGLayer(ctx, db, gl)
		if err != nil {
			return layer{}, err
		}
		if out.features == 0 {
			continue
		}
		ref, err := gpkgCRS(ctx, db, gl.srsID)
		if err != nil {
			return layer{}, err
		}
		out.crs = ref
		return out, nil
	}
	return layer{}, climate.Errorf(climate.KindEmptyGeometry, "GeoPackage has no usable features.")
}

func listGPKGLayers(ctx context.Context, db *sql.DB) ([]gpkgLayer, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT table_name, column_name, srs_id FROM gpkg_geometry_columns ORDER BY table_name`)
	if err != nil {
		return nil, fmt.Errorf("list layers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []gpkgLayer
	for rows.Next() {
		var gl gpkgLayer
		if err := rows.Scan(&gl.table, &gl.column, &gl.srsID); err != nil {
			return nil, fmt.Errorf("scan layer: %w", err)
		}
		out = append(out, gl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate layers: %w", err)
	}
	return out, nil
}

func readGPKGLayer(ctx context.Context, db *sql.DB, gl gpkgLayer) (layer, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s`, quoteIdent(gl.column), quoteIdent(gl.table))
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return layer{}, climate.Wrap(climate.KindUnsupportedFormat, err, "Invalid GeoPackage file.")
	}
	defer func() { _ = rows.Close() }()

	var out layer
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return layer{}, climate.Wrap(climate.KindUnsupportedFormat, err, "Invalid GeoPackage file.")
		}
		g, err := decodeGPKGGeometry(blob)
		if err != nil {
			return layer{}, climate.Wrap(climate.KindUnsupportedFormat, err, "Unable to read the vector file.")
		}
		out.add(g)
	}
	if err := rows.Err(); err != nil {
		return layer{}, climate.Wrap(climate.KindUnsupportedFormat, err, "Invalid GeoPackage file.")
	}
	return out, nil
}

func gpkgCRS(ctx context.Context, db *sql.DB, srsID int64) (crs.CRS, error) {
	if srsID <= 0 {
		return crs.CRS{}, climate.Errorf(climate.KindMissingProjection,
			"The GeoPackage layer has an undefined coordinate reference system.")
	}
	var org, def sql.NullString
	var orgID sql.NullInt64
	err := db.QueryRowContext(ctx,
		`SELECT organization, organization_coordsys_id, definition FROM gpkg_spatial_ref_sys WHERE srs_id = ?`,
		srsID).Scan(&org, &orgID, &def)
	if errors.Is(err, sql.ErrNoRows) {
		return crs.CRS{}, climate.Errorf(climate.KindMissingProjection,
			"The GeoPackage references an unknown coordinate reference system.")
	}
	if err != nil {
		return crs.CRS{}, climate.Wrap(climate.KindUnsupportedFormat, err, "Invalid GeoPackage file.")
	}
	if strings.EqualFold(org.String, "EPSG") && orgID.Valid {
		if ref, err := crs.FromEPSG(int(orgID.Int64)); err == nil {
			return ref, nil
		}
	}
	ref, err := crs.FromWKT(def.String)
	if err != nil {
		return crs.CRS{}, climate.Wrap(climate.KindMissingProjection, err,
			"The GeoPackage uses an unsupported coordinate reference system.")
	}
	return ref, nil
}

// decodeGPKGGeometry strips the GeoPackage binary header and decodes the
// remaining WKB. Empty geometries decode to nil.
func decodeGPKGGeometry(blob []byte) (orb.Geometry, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	if len(blob) < 8 || blob[0] != 'G' || blob[1] != 'P' {
		return nil, errors.New("missing geopackage header")
	}
	flags := blob[3]
	if flags&0x10 != 0 {
		return nil, nil
	}
	var envelope int
	switch (flags >> 1) & 0x07 {
	case 0:
	case 1:
		envelope = 32
	case 2, 3:
		envelope = 48
	case 4:
		envelope = 64
	default:
		return nil, fmt.Errorf("invalid envelope indicator in flags %#x", flags)
	}
	start := 8 + envelope
	if len(blob) <= start {
		return nil, errors.New("truncated geopackage geometry")
	}
	g, err := wkb.Unmarshal(blob[start:])
	if err != nil {
		return nil, fmt.Errorf("decode wkb: %w", err)
	}
	return g, nil
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
