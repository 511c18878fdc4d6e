package render

import (
	"context"
	"fmt"
	"html/template"
	"os"
	"path/filepath"

	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/zonal-climate-analyzer/internal/climate"
	"github.com/JakeFAU/zonal-climate-analyzer/internal/logging"
)

// Names of the files the builtin renderer writes.
const (
	MapName      = "map.html"
	WorkbookName = "statistics.xlsx"
)

// Builtin renders an interactive map and a chart workbook without external tools.
type Builtin struct {
	logger *zap.Logger
}

// NewBuiltin builds the builtin renderer.
func NewBuiltin(logger *zap.Logger) *Builtin {
	return &Builtin{logger: logging.OrNop(logger).Named("render")}
}

// Render implements climate.Renderer.
func (b *Builtin) Render(ctx context.Context, req climate.RenderRequest) ([]climate.RenderedFile, error) {
	if err := writeMap(filepath.Join(req.Dir, MapName), req.Area, req.Lang); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("render canceled: %w", err)
	}
	charts, err := writeWorkbook(filepath.Join(req.Dir, WorkbookName), req.Records, req.Lang)
	if err != nil {
		return nil, err
	}
	b.logger.Debug("rendered builtin artifacts", zap.Int("charts", charts))
	return []climate.RenderedFile{
		{Name: MapName, Type: climate.ArtifactMap, Label: label(MapName, req.Lang)},
		{Name: WorkbookName, Type: climate.ArtifactPlot, Label: label(WorkbookName, req.Lang)},
	}, nil
}

var mapTemplate = template.Must(template.New("map").Parse(`<!DOCTYPE html>
<html lang="{{.Lang}}">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<meta name="viewport" content="width=device-width, initial-scale=1">
<link rel="stylesheet" href="https://unpkg.com/leaflet@1.9.4/dist/leaflet.css">
<script src="https://unpkg.com/leaflet@1.9.4/dist/leaflet.js"></script>
<style>html, body, #map { height: 100%; margin: 0; }</style>
</head>
<body>
<div id="map"></div>
<script>
const area = {{.Area}};
const map = L.map("map");
L.tileLayer("https://{s}.tile.openstreetmap.org/{z}/{x}/{y}.png", {
  maxZoom: 19,
  attribution: "&copy; OpenStreetMap contributors"
}).addTo(map);
const layer = L.geoJSON(area, {style: {color: "#2f6f5e", weight: 2, fillOpacity: 0.25}})
  .bindTooltip({{.Tooltip}})
  .addTo(map);
map.fitBounds(layer.getBounds());
</script>
</body>
</html>
`))

type mapData struct {
	Lang    climate.Lang
	Title   string
	Area    *geojson.FeatureCollection
	Tooltip string
}

func writeMap(path string, area climate.NormalizedArea, lang climate.Lang) (err error) {
	var perimeter float64
	for _, poly := range area.Geometry {
		for _, ring := range poly {
			perimeter += planar.Length(ring)
		}
	}
	areaKM2 := planar.Area(area.Geometry) / 1e6
	perimKM := perimeter / 1e3

	fc := geojson.NewFeatureCollection()
	feature := geojson.NewFeature(area.Geographic)
	feature.Properties["area_km2"] = areaKM2
	feature.Properties["perim_km"] = perimKM
	fc.Append(feature)

	data := mapData{Lang: lang, Area: fc, Title: label(MapName, lang)}
	if lang == climate.LangEN {
		data.Tooltip = fmt.Sprintf("Area: %.3f km² | Perimeter: %.3f km", areaKM2, perimKM)
	} else {
		data.Tooltip = fmt.Sprintf("Fläche: %.3f km² | Umfang: %.3f km", areaKM2, perimKM)
	}

	f, err := os.Create(path) //nolint:gosec // path is inside the run's results directory
	if err != nil {
		return fmt.Errorf("create map: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close map: %w", cerr)
		}
	}()
	if err := mapTemplate.Execute(f, data); err != nil {
		return fmt.Errorf("render map: %w", err)
	}
	return nil
}

// writeWorkbook stores the long-format records on a data sheet and one
// sheet with a line chart per plot group. It returns the number of charts.
func writeWorkbook(path string, records []climate.ZonalRecord, lang climate.Lang) (int, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	dataSheet := "Daten"
	if lang == climate.LangEN {
		dataSheet = "Data"
	}
	if err := f.SetSheetName("Sheet1", dataSheet); err != nil {
		return 0, fmt.Errorf("rename data sheet: %w", err)
	}
	if err := writeDataSheet(f, dataSheet, records, lang); err != nil {
		return 0, err
	}

	years, values := byYear(records)
	charts := 0
	for _, g := range groups {
		added, err := writeGroupSheet(f, g, years, values, lang)
		if err != nil {
			return charts, err
		}
		if added {
			charts++
		}
	}
	f.SetActiveSheet(0)
	if err := f.SaveAs(path); err != nil {
		return charts, fmt.Errorf("xlsx write: %w", err)
	}
	return charts, nil
}

func writeDataSheet(f *excelize.File, sheet string, records []climate.ZonalRecord, lang climate.Lang) error {
	headers := []any{"Parameter", "Label", "Unit", "Year", "Min", "Mean", "Max"}
	if lang != climate.LangEN {
		headers = []any{"Parameter", "Bezeichnung", "Einheit", "Jahr", "Min", "Mittel", "Max"}
	}
	if err := f.SetSheetRow(sheet, "A1", &headers); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for i, r := range records {
		p, _ := climate.LookupParameter(r.Parameter)
		row := []any{r.Parameter, p.Label(lang), p.Unit, r.Year, cellValue(r.Min), cellValue(r.Mean), cellValue(r.Max)}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return fmt.Errorf("cell name: %w", err)
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("write record: %w", err)
		}
	}
	_ = f.SetColWidth(sheet, "A", "A", 20)
	_ = f.SetColWidth(sheet, "B", "B", 40)
	_ = f.SetColWidth(sheet, "C", "G", 10)
	return nil
}

func cellValue(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func writeGroupSheet(f *excelize.File, g group, years []int, values map[int]yearValues, lang climate.Lang) (bool, error) {
	var rows [][]any
	for _, y := range years {
		row := []any{y}
		present := false
		for _, s := range g.series {
			v, ok := s.value(values[y])
			if ok {
				row = append(row, v)
				present = true
			} else {
				row = append(row, nil)
			}
		}
		if present {
			rows = append(rows, row)
		}
	}
	if len(rows) == 0 {
		return false, nil
	}

	sheet := g.sheet(lang)
	if _, err := f.NewSheet(sheet); err != nil {
		return false, fmt.Errorf("create sheet %s: %w", sheet, err)
	}
	yearHeader := "Jahr"
	if lang == climate.LangEN {
		yearHeader = "Year"
	}
	header := []any{yearHeader}
	for _, s := range g.series {
		header = append(header, s.label(lang))
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return false, fmt.Errorf("write header: %w", err)
	}
	for i := range rows {
		if err := f.SetSheetRow(sheet, fmt.Sprintf("A%d", i+2), &rows[i]); err != nil {
			return false, fmt.Errorf("write row: %w", err)
		}
	}

	last := len(rows) + 1
	quoted := "'" + sheet + "'"
	chartSeries := make([]excelize.ChartSeries, 0, len(g.series))
	for i := range g.series {
		col, err := excelize.ColumnNumberToName(i + 2)
		if err != nil {
			return false, fmt.Errorf("column name: %w", err)
		}
		chartSeries = append(chartSeries, excelize.ChartSeries{
			Name:       fmt.Sprintf("%s!$%s$1", quoted, col),
			Categories: fmt.Sprintf("%s!$A$2:$A$%d", quoted, last),
			Values:     fmt.Sprintf("%s!$%s$2:$%s$%d", quoted, col, col, last),
		})
	}
	anchor, err := excelize.CoordinatesToCellName(len(g.series)+3, 2)
	if err != nil {
		return false, fmt.Errorf("cell name: %w", err)
	}
	if err := f.AddChart(sheet, anchor, &excelize.Chart{
		Type:      excelize.Line,
		Series:    chartSeries,
		Title:     []excelize.RichTextRun{{Text: g.title(lang)}},
		Legend:    excelize.ChartLegend{Position: "bottom"},
		XAxis:     excelize.ChartAxis{Title: []excelize.RichTextRun{{Text: yearHeader}}},
		YAxis:     excelize.ChartAxis{Title: []excelize.RichTextRun{{Text: g.axis(lang)}}},
		Dimension: excelize.ChartDimension{Width: 720, Height: 400},
	}); err != nil {
		return false, fmt.Errorf("add chart %s: %w", g.key, err)
	}
	_ = f.SetColWidth(sheet, "B", "D", 18)
	return true, nil
}
