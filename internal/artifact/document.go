package artifact

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"

	"github.com/JakeFAU/zonal-climate-analyzer/internal/climate"
)

// File names every run carries.
const (
	StatisticsJSON = "statistics.json"
	StatisticsCSV  = "statistics.csv"
	AreaGeoJSON    = "area.geojson"
	BundleName     = "outputs.zip"
	ManifestName   = "run.json"
)

type parameterInfo struct {
	Key   string `json:"key"`
	Label string `json:"label"`
	Unit  string `json:"unit"`
}

type areaSummary struct {
	AreaKM2      float64        `json:"area_km2"`
	PerimeterKM  float64        `json:"perimeter_km"`
	Features     int            `json:"features"`
	Vertices     int            `json:"vertices"`
	SourceFormat climate.Format `json:"source_format"`
	SourceCRS    string         `json:"source_crs,omitempty"`
}

type statisticsDocument struct {
	RunID      string                `json:"run_id"`
	CreatedAt  time.Time             `json:"created_at"`
	Lang       climate.Lang          `json:"lang"`
	FirstYear  int                   `json:"first_year"`
	LastYear   int                   `json:"last_year"`
	Area       areaSummary           `json:"area"`
	Parameters []parameterInfo       `json:"parameters"`
	Records    []climate.ZonalRecord `json:"records"`
	Gaps       []climate.Gap         `json:"gaps"`
}

// summarize measures an area in the analysis CRS.
func summarize(area climate.NormalizedArea) areaSummary {
	var perimeter float64
	for _, poly := range area.Geometry {
		for _, ring := range poly {
			perimeter += planar.Length(ring)
		}
	}
	return areaSummary{
		AreaKM2:      round(planar.Area(area.Geometry)/1e6, 3),
		PerimeterKM:  round(perimeter/1e3, 3),
		Features:     area.Features,
		Vertices:     area.Vertices,
		SourceFormat: area.SourceFormat,
		SourceCRS:    area.SourceCRS,
	}
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

func writeStatisticsJSON(dir string, doc statisticsDocument) error {
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode statistics: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, StatisticsJSON), append(raw, '\n'), 0o640); err != nil {
		return fmt.Errorf("write statistics: %w", err)
	}
	return nil
}

func writeStatisticsCSV(dir string, lang climate.Lang, records []climate.ZonalRecord) (err error) {
	f, err := os.Create(filepath.Join(dir, StatisticsCSV)) //nolint:gosec // dir is a staging directory we created
	if err != nil {
		return fmt.Errorf("create csv: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close csv: %w", cerr)
		}
	}()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"parameter", "label", "unit", "year", "min", "mean", "max"}); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, r := range records {
		p, _ := climate.LookupParameter(r.Parameter)
		row := []string{r.Parameter, p.Label(lang), p.Unit, strconv.Itoa(r.Year), formatValue(r.Min), formatValue(r.Mean), formatValue(r.Max)}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

func formatValue(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func writeAreaGeoJSON(dir string, area climate.NormalizedArea, summary areaSummary) error {
	feature := geojson.NewFeature(area.Geographic)
	feature.Properties["area_km2"] = summary.AreaKM2
	feature.Properties["perimeter_km"] = summary.PerimeterKM
	fc := geojson.NewFeatureCollection()
	fc.Append(feature)
	raw, err := fc.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encode area: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, AreaGeoJSON), raw, 0o640); err != nil {
		return fmt.Errorf("write area: %w", err)
	}
	return nil
}

func parameterInfos(lang climate.Lang) []parameterInfo {
	params := climate.Parameters()
	out := make([]parameterInfo, 0, len(params))
	for _, p := range params {
		out = append(out, parameterInfo{Key: p.Key, Label: p.Label(lang), Unit: p.Unit})
	}
	return out
}

func dataLabel(name string, lang climate.Lang) string {
	labels := map[string][2]string{
		StatisticsJSON: {"Statistik (JSON)", "Statistics (JSON)"},
		StatisticsCSV:  {"Statistik (CSV)", "Statistics (CSV)"},
		AreaGeoJSON:    {"Analysegebiet (GeoJSON)", "Analysis area (GeoJSON)"},
		BundleName:     {"Alle Ergebnisse (ZIP)", "All results (ZIP)"},
	}
	l := labels[name]
	if lang == climate.LangEN {
		return l[1]
	}
	return l[0]
}
