// Package render turns zonal statistics into visual artifacts.
package render

import (
	"sort"

	"github.com/JakeFAU/zonal-climate-analyzer/internal/climate"
)

// yearValues maps parameter keys to the mean of one year.
type yearValues map[string]float64

type series struct {
	labelDE, labelEN string
	value            func(yearValues) (float64, bool)
}

func (s series) label(lang climate.Lang) string {
	if lang == climate.LangEN {
		return s.labelEN
	}
	return s.labelDE
}

// group is one chart: related parameters over the years.
type group struct {
	key              string
	sheetDE, sheetEN string
	titleDE, titleEN string
	axisDE, axisEN   string
	series           []series
}

func (g group) sheet(lang climate.Lang) string {
	if lang == climate.LangEN {
		return g.sheetEN
	}
	return g.sheetDE
}

func (g group) title(lang climate.Lang) string {
	if lang == climate.LangEN {
		return g.titleEN
	}
	return g.titleDE
}

func (g group) axis(lang climate.Lang) string {
	if lang == climate.LangEN {
		return g.axisEN
	}
	return g.axisDE
}

func mean(key string) func(yearValues) (float64, bool) {
	return func(v yearValues) (float64, bool) {
		x, ok := v[key]
		return x, ok
	}
}

func perDay(key string) func(yearValues) (float64, bool) {
	return func(v yearValues) (float64, bool) {
		x, ok := v[key]
		return x / 365, ok
	}
}

func span(from, to string) func(yearValues) (float64, bool) {
	return func(v yearValues) (float64, bool) {
		a, okA := v[from]
		b, okB := v[to]
		return b - a, okA && okB
	}
}

var groups = []group{
	{
		key: "air_temperature", sheetDE: "Lufttemperatur", sheetEN: "Air temperature",
		titleDE: "Lufttemperatur (Min / Mittel / Max)", titleEN: "Air temperature (min / mean / max)",
		axisDE: "°C", axisEN: "°C",
		series: []series{
			{"Maximale Lufttemperatur", "Maximum air temperature", mean("air_temp_max")},
			{"Mittlere Lufttemperatur", "Mean air temperature", mean("air_temp_mean")},
			{"Minimale Lufttemperatur", "Minimum air temperature", mean("air_temp_min")},
		},
	},
	{
		key: "frost_ice_days", sheetDE: "Frost- und Eistage", sheetEN: "Frost and ice days",
		titleDE: "Frost- und Eistage", titleEN: "Frost and ice days",
		axisDE: "Tage", axisEN: "Days",
		series: []series{
			{"Frosttage (min 0°C)", "Frost days (min 0°C)", mean("frost_days")},
			{"Eistage (max 0°C)", "Ice days (max 0°C)", mean("ice_days")},
		},
	},
	{
		key: "snowcover_days", sheetDE: "Schneedeckentage", sheetEN: "Snow cover days",
		titleDE: "Schneedeckentage", titleEN: "Snow cover days",
		axisDE: "Tage", axisEN: "Days",
		series: []series{
			{"Tage mit > 1cm Schneehöhe", "Days with > 1 cm snow cover", mean("snowcover_days")},
		},
	},
	{
		key: "summer_hot_days", sheetDE: "Sommer- und heiße Tage", sheetEN: "Summer and hot days",
		titleDE: "Sommer- und Heiße Tage", titleEN: "Summer and hot days",
		axisDE: "Tage", axisEN: "Days",
		series: []series{
			{"Sommertage (max 25°C)", "Summer days (max 25°C)", mean("summer_days")},
			{"Heiße Tage (max 30°C)", "Hot days (max 30°C)", mean("hot_days")},
		},
	},
	{
		key: "precipitation_drought", sheetDE: "Niederschlag", sheetEN: "Precipitation",
		titleDE: "Niederschlag + Trockenheitsindex", titleEN: "Precipitation and drought index",
		axisDE: "mm", axisEN: "mm",
		series: []series{
			{"Niederschlag in mm", "Precipitation in mm", mean("precipitation")},
			{"Trockenheitsindex (mm/°C)", "Drought index (mm/°C)", mean("drought_index")},
		},
	},
	{
		key: "heavy_precipitation_days", sheetDE: "Starkniederschlagstage", sheetEN: "Heavy precipitation",
		titleDE: "Starkniederschlagstage", titleEN: "Heavy precipitation days",
		axisDE: "Tage", axisEN: "Days",
		series: []series{
			{"Tage mit Niederschlagshöhe >= 10 mm", "Days with precipitation >= 10 mm", mean("precipGE10mm_days")},
			{"Tage mit Niederschlagshöhe >= 20 mm", "Days with precipitation >= 20 mm", mean("precipGE20mm_days")},
			{"Tage mit Niederschlagshöhe >= 30 mm", "Days with precipitation >= 30 mm", mean("precipGE30mm_days")},
		},
	},
	{
		key: "sunshine_duration", sheetDE: "Sonnenscheindauer", sheetEN: "Sunshine duration",
		titleDE: "Sonnenscheindauer", titleEN: "Sunshine duration",
		axisDE: "Stunden pro Tag", axisEN: "Hours per day",
		series: []series{
			{"Durchschnittliche Sonnenstunden pro Tag", "Average sunshine hours per day", perDay("sunshine_duration")},
		},
	},
	{
		key: "growing_season", sheetDE: "Vegetationsperiode", sheetEN: "Growing season",
		titleDE: "Vegetationsperiode", titleEN: "Growing season",
		axisDE: "Tag des Jahres", axisEN: "Day of year",
		series: []series{
			{"Ende der vegetativen Phase", "End of the growing season", mean("vegetation_end")},
			{"Beginn der vegetativen Phase", "Start of the growing season", mean("vegetation_begin")},
		},
	},
	{
		key: "growing_season_length", sheetDE: "Dauer Vegetationsperiode", sheetEN: "Growing season length",
		titleDE: "Dauer der Vegetationsperiode", titleEN: "Length of the growing season",
		axisDE: "Tage", axisEN: "Days",
		series: []series{
			{"Vegetative Phase", "Growing season", span("vegetation_begin", "vegetation_end")},
		},
	},
}

// byYear pivots records into per-year means, returning the years in order.
func byYear(records []climate.ZonalRecord) ([]int, map[int]yearValues) {
	values := make(map[int]yearValues)
	var years []int
	for _, r := range records {
		if r.Mean == nil {
			continue
		}
		v, ok := values[r.Year]
		if !ok {
			v = yearValues{}
			values[r.Year] = v
			years = append(years, r.Year)
		}
		v[r.Parameter] = *r.Mean
	}
	sort.Ints(years)
	return years, values
}

// label localizes fixed artifact names.
func label(name string, lang climate.Lang) string {
	labels := map[string][2]string{
		MapName:      {"Interaktive Karte", "Interactive map"},
		WorkbookName: {"Diagramme (Excel)", "Charts (Excel)"},
	}
	l, ok := labels[name]
	if !ok {
		return name
	}
	if lang == climate.LangEN {
		return l[1]
	}
	return l[0]
}
