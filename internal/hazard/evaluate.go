package hazard

import (
	"strings"

	"github.com/tidwall/gjson"

	"github.com/lox/croprisk/internal/models"
)

const (
	FloodRainThresholdMM = 75.0
	DroughtNDMIThreshold = 30.0
	DroughtIndex         = "ndmi"
)

// FloodConditionMet reports whether today's forecast rain is above the flood threshold.
// A missing daily array or rain value is treated as -1.
func FloodConditionMet(w models.WeatherForecast) bool {
	rain := -1.0
	if len(w.Daily) > 0 && w.Daily[0].Rain != nil {
		rain = *w.Daily[0].Rain
	}
	return rain > FloodRainThresholdMM
}

func DroughtConditionMet(iv models.IndexValues) bool {
	ndmi := iv.Get(DroughtIndex)
	return MoistureStressed(&ndmi)
}

// MoistureStressed applies the drought predicate to a single NDMI value.
// nil and the -1 sentinel both mean no reading.
func MoistureStressed(ndmi *float64) bool {
	if ndmi == nil || *ndmi == models.MissingIndexValue {
		return false
	}
	return *ndmi < DroughtNDMIThreshold
}

// PestConditionMet reports whether the advisory lists any potential pest with
// "high" probability. The payload may be the full vendor response or just
// its "advisory" object.
func PestConditionMet(advisory []byte) bool {
	if !gjson.ValidBytes(advisory) {
		return false
	}
	pests := gjson.GetBytes(advisory, `advisory.Pest and Disease.potential_pests`)
	if !pests.Exists() {
		pests = gjson.GetBytes(advisory, `Pest and Disease.potential_pests`)
	}
	if !pests.IsArray() {
		return false
	}

	high := false
	pests.ForEach(func(_, pest gjson.Result) bool {
		p := pest.Get("probability")
		if p.Type == gjson.String && strings.EqualFold(strings.TrimSpace(p.Str), "high") {
			high = true
			return false
		}
		return true
	})
	return high
}
