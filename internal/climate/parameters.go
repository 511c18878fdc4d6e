package climate

// Reducer is a statistic computed over the covered cells of a grid.
type Reducer string

// Supported reducers.
const (
	ReducerMin  Reducer = "min"
	ReducerMean Reducer = "mean"
	ReducerMax  Reducer = "max"
)

var (
	continuous = []Reducer{ReducerMin, ReducerMean, ReducerMax}
	countLike  = []Reducer{ReducerMean}
)

// Parameter describes one annual climate product.
type Parameter struct {
	Key string
	// Folder is the remote directory holding the product.
	Folder string
	Unit   string
	// Scale converts stored integers to physical units.
	Scale    float64
	Reducers []Reducer
	LabelDE  string
	LabelEN  string
}

// Label returns the localized display name.
func (p Parameter) Label(lang Lang) string {
	if lang == LangEN {
		return p.LabelEN
	}
	return p.LabelDE
}

// CountLike reports whether only the mean is meaningful for the product.
func (p Parameter) CountLike() bool {
	return len(p.Reducers) == 1
}

// Has reports whether r is computed for the product.
func (p Parameter) Has(r Reducer) bool {
	for _, got := range p.Reducers {
		if got == r {
			return true
		}
	}
	return false
}

var catalog = []Parameter{
	{Key: "air_temp_max", Folder: "air_temperature_max", Unit: "°C", Scale: 0.1, Reducers: continuous,
		LabelDE: "Maximale Lufttemperatur", LabelEN: "Maximum air temperature"},
	{Key: "air_temp_mean", Folder: "air_temperature_mean", Unit: "°C", Scale: 0.1, Reducers: continuous,
		LabelDE: "Mittlere Lufttemperatur", LabelEN: "Mean air temperature"},
	{Key: "air_temp_min", Folder: "air_temperature_min", Unit: "°C", Scale: 0.1, Reducers: continuous,
		LabelDE: "Minimale Lufttemperatur", LabelEN: "Minimum air temperature"},
	{Key: "drought_index", Folder: "drought_index", Unit: "mm/°C", Scale: 1, Reducers: continuous,
		LabelDE: "Trockenheitsindex (mm/°C)", LabelEN: "Drought index (mm/°C)"},
	{Key: "frost_days", Folder: "frost_days", Unit: "d", Scale: 1, Reducers: countLike,
		LabelDE: "Frosttage (min 0°C)", LabelEN: "Frost days (min 0°C)"},
	{Key: "hot_days", Folder: "hot_days", Unit: "d", Scale: 1, Reducers: countLike,
		LabelDE: "Heiße Tage (max 30°C)", LabelEN: "Hot days (max 30°C)"},
	{Key: "ice_days", Folder: "ice_days", Unit: "d", Scale: 1, Reducers: countLike,
		LabelDE: "Eistage (max 0°C)", LabelEN: "Ice days (max 0°C)"},
	{Key: "precipGE10mm_days", Folder: "precipGE10mm_days", Unit: "d", Scale: 1, Reducers: countLike,
		LabelDE: "Tage mit Niederschlag >= 10 mm", LabelEN: "Days with precipitation >= 10 mm"},
	{Key: "precipGE20mm_days", Folder: "precipGE20mm_days", Unit: "d", Scale: 1, Reducers: countLike,
		LabelDE: "Tage mit Niederschlag >= 20 mm", LabelEN: "Days with precipitation >= 20 mm"},
	{Key: "precipGE30mm_days", Folder: "precipGE30mm_days", Unit: "d", Scale: 1, Reducers: countLike,
		LabelDE: "Tage mit Niederschlag >= 30 mm", LabelEN: "Days with precipitation >= 30 mm"},
	{Key: "precipitation", Folder: "precipitation", Unit: "mm", Scale: 1, Reducers: continuous,
		LabelDE: "Niederschlag in mm", LabelEN: "Precipitation in mm"},
	{Key: "snowcover_days", Folder: "snowcover_days", Unit: "d", Scale: 1, Reducers: countLike,
		LabelDE: "Tage mit > 1cm Schneehöhe", LabelEN: "Days with > 1 cm snow cover"},
	{Key: "summer_days", Folder: "summer_days", Unit: "d", Scale: 1, Reducers: countLike,
		LabelDE: "Sommertage (max 25°C)", LabelEN: "Summer days (max 25°C)"},
	{Key: "sunshine_duration", Folder: "sunshine_duration", Unit: "h", Scale: 1, Reducers: continuous,
		LabelDE: "Sonnenscheindauer in Stunden", LabelEN: "Sunshine duration in hours"},
	{Key: "vegetation_begin", Folder: "vegetation_begin", Unit: "doy", Scale: 1, Reducers: countLike,
		LabelDE: "Beginn der vegetativen Phase", LabelEN: "Start of the growing season"},
	{Key: "vegetation_end", Folder: "vegetation_end", Unit: "doy", Scale: 1, Reducers: countLike,
		LabelDE: "Ende der vegetativen Phase", LabelEN: "End of the growing season"},
}

// Parameters returns the catalog in its canonical order.
func Parameters() []Parameter {
	out := make([]Parameter, len(catalog))
	copy(out, catalog)
	return out
}

// LookupParameter finds a catalog entry by key.
func LookupParameter(key string) (Parameter, bool) {
	for _, p := range catalog {
		if p.Key == key {
			return p, true
		}
	}
	return Parameter{}, false
}

// ParameterOrder returns the catalog position of key, or -1.
func ParameterOrder(key string) int {
	for i, p := range catalog {
		if p.Key == key {
			return i
		}
	}
	return -1
}
