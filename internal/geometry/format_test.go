package geometry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/zonal-climate-analyzer/internal/climate"
)

func TestDetectFormat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		declared climate.Format
		filename string
		head     string
		want     climate.Format
		wantErr  bool
	}{
		{name: "declared wins", declared: climate.FormatPackage, filename: "a.zip", want: climate.FormatPackage},
		{name: "zip extension", filename: "Area.ZIP", want: climate.FormatBundle},
		{name: "geojson extension", filename: "drawn.geojson", want: climate.FormatGeometry},
		{name: "gpkg extension", filename: "parcels.gpkg", want: climate.FormatPackage},
		{name: "bare shp", filename: "area.shp", want: climate.FormatShapefile},
		{name: "zip magic", head: "PK\x03\x04rest", want: climate.FormatBundle},
		{name: "sqlite magic", head: "SQLite format 3\x00....", want: climate.FormatPackage},
		{name: "json object", head: "  \n{\"type\":", want: climate.FormatGeometry},
		{name: "unknown extension", filename: "evil.exe", wantErr: true},
		{name: "unknown bytes", head: "MZ\x90\x00", wantErr: true},
		{name: "unknown declared", declared: "kml", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := DetectFormat(tt.declared, tt.filename, []byte(tt.head))
			if tt.wantErr {
				require.ErrorIs(t, err, climate.ErrUnsupportedFormat)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
