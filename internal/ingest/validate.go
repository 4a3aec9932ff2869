package ingest

import (
	"github.com/lox/croprisk/internal/models"
)

const (
	FlagRainNegative      = "rain_negative"
	FlagHumidityInvalid   = "humidity_invalid"
	FlagPopInvalid        = "pop_invalid"
	FlagTempInverted      = "temp_min_above_max"
	FlagNoDailyForecast   = "no_daily_forecast"
	FlagIndexOutOfRange   = "index_out_of_range"
	FlagAllIndicesMissing = "all_indices_missing"
)

// ValidateWeather returns quality flags for a forecast. Flags are recorded,
// they never block evaluation.
func ValidateWeather(w models.WeatherForecast) []string {
	if len(w.Daily) == 0 {
		return []string{FlagNoDailyForecast}
	}

	var flags []string
	add := func(flag string) {
		for _, f := range flags {
			if f == flag {
				return
			}
		}
		flags = append(flags, flag)
	}

	for _, d := range w.Daily {
		if d.Rain != nil && *d.Rain < 0 {
			add(FlagRainNegative)
		}
		if d.Humidity != nil && (*d.Humidity < 0 || *d.Humidity > 100) {
			add(FlagHumidityInvalid)
		}
		if d.Pop != nil && (*d.Pop < 0 || *d.Pop > 1) {
			add(FlagPopInvalid)
		}
		if d.Temp != nil && d.Temp.Min != nil && d.Temp.Max != nil && *d.Temp.Min > *d.Temp.Max {
			add(FlagTempInverted)
		}
	}
	return flags
}

// ValidateIndexValues flags a sensing day whose indices are all missing or
// whose normalized-difference indices fall outside [-100, 100].
func ValidateIndexValues(iv models.IndexValues) []string {
	var flags []string

	missing := 0
	outOfRange := false
	for _, index := range IndexTypes {
		v := iv.Get(index)
		if v == models.MissingIndexValue {
			missing++
			continue
		}
		switch index {
		case "ndvi", "ndwi", "ndmi", "ndre":
			if v < -100 || v > 100 {
				outOfRange = true
			}
		}
	}

	if missing == len(IndexTypes) {
		flags = append(flags, FlagAllIndicesMissing)
	}
	if outOfRange {
		flags = append(flags, FlagIndexOutOfRange)
	}
	return flags
}
