package geometry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/paulmach/orb/geojson"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/JakeFAU/zonal-climate-analyzer/internal/climate"
	"github.com/JakeFAU/zonal-climate-analyzer/internal/crs"
)

// geoJSONSchema checks the document shape before decoding. Coordinates are
// validated by the decoder.
const geoJSONSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {
      "enum": ["FeatureCollection", "Feature", "Polygon", "MultiPolygon", "GeometryCollection",
               "Point", "MultiPoint", "LineString", "MultiLineString"]
    },
    "features": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["type"],
        "properties": {
          "type": {"const": "Feature"},
          "geometry": {"type": ["object", "null"]}
        }
      }
    },
    "crs": {
      "type": "object",
      "properties": {
        "properties": {
          "type": "object",
          "properties": {"name": {"type": "string"}}
        }
      }
    }
  },
  "allOf": [
    {
      "if": {"properties": {"type": {"const": "FeatureCollection"}}},
      "then": {"required": ["features"]}
    },
    {
      "if": {"properties": {"type": {"const": "Feature"}}},
      "then": {"required": ["geometry"]}
    }
  ]
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("geojson.json", strings.NewReader(geoJSONSchema)); err != nil {
			schemaErr = fmt.Errorf("add schema: %w", err)
			return
		}
		schema, schemaErr = compiler.Compile("geojson.json")
	})
	return schema, schemaErr
}

type geoJSONHead struct {
	Type string `json:"type"`
	CRS  *struct {
		Properties struct {
			Name string `json:"name"`
		} `json:"properties"`
	} `json:"crs"`
}

// readGeoJSON decodes a GeoJSON document. Without a crs member the
// coordinates are WGS84 longitude/latitude.
func readGeoJSON(data []byte) (layer, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return layer{}, climate.Wrap(climate.KindUnsupportedFormat, err, "Invalid GeoJSON.")
	}
	s, err := compiledSchema()
	if err != nil {
		return layer{}, fmt.Errorf("compile geojson schema: %w", err)
	}
	if err := s.Validate(doc); err != nil {
		return layer{}, climate.Wrap(climate.KindUnsupportedFormat, err, "Invalid GeoJSON.")
	}

	var head geoJSONHead
	if err := json.Unmarshal(data, &head); err != nil {
		return layer{}, climate.Wrap(climate.KindUnsupportedFormat, err, "Invalid GeoJSON.")
	}
	out := layer{crs: crs.WGS84}
	if head.CRS != nil && head.CRS.Properties.Name != "" {
		ref, err := crs.Parse(head.CRS.Properties.Name)
		if err != nil {
			return layer{}, climate.Wrap(climate.KindMissingProjection, err,
				"The GeoJSON declares an unsupported coordinate reference system.")
		}
		out.crs = ref
	}

	switch head.Type {
	case "FeatureCollection":
		fc, err := geojson.UnmarshalFeatureCollection(data)
		if err != nil {
			return layer{}, climate.Wrap(climate.KindUnsupportedFormat, err, "Invalid GeoJSON.")
		}
		if len(fc.Features) == 0 {
			return layer{}, climate.Errorf(climate.KindEmptyGeometry, "GeoJSON has no features.")
		}
		for _, f := range fc.Features {
			out.add(f.Geometry)
		}
	case "Feature":
		f, err := geojson.UnmarshalFeature(data)
		if err != nil {
			return layer{}, climate.Wrap(climate.KindUnsupportedFormat, err, "Invalid GeoJSON.")
		}
		out.add(f.Geometry)
	default:
		g, err := geojson.UnmarshalGeometry(data)
		if err != nil {
			return layer{}, climate.Wrap(climate.KindUnsupportedFormat, err, "Invalid GeoJSON.")
		}
		out.add(g.Geometry())
	}
	return out, nil
}
