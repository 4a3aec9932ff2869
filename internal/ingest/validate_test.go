package ingest

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/croprisk/internal/models"
)

func TestValidateWeather(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []string
	}{
		{"clean", `{"daily":[{"rain":3,"humidity":70,"pop":0.4,"temp":{"min":18,"max":30}}]}`, nil},
		{"no daily", `{"daily":[]}`, []string{FlagNoDailyForecast}},
		{"missing fields are fine", `{"daily":[{"summary":"clear"}]}`, nil},
		{"negative rain", `{"daily":[{"rain":-2}]}`, []string{FlagRainNegative}},
		{"humidity", `{"daily":[{"humidity":104}]}`, []string{FlagHumidityInvalid}},
		{"pop", `{"daily":[{"pop":1.5}]}`, []string{FlagPopInvalid}},
		{"inverted temps", `{"daily":[{"temp":{"min":31,"max":22}}]}`, []string{FlagTempInverted}},
		{"flags once per forecast", `{"daily":[{"rain":-1},{"rain":-4,"pop":-0.1}]}`, []string{FlagRainNegative, FlagPopInvalid}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var w models.WeatherForecast
			require.NoError(t, json.Unmarshal([]byte(tt.body), &w))
			assert.Equal(t, tt.want, ValidateWeather(w))
		})
	}
}

func TestValidateIndexValues(t *testing.T) {
	assert.Nil(t, ValidateIndexValues(models.IndexValues{"ndmi": 28, "ndvi": 0.5}))
	assert.Equal(t, []string{FlagAllIndicesMissing}, ValidateIndexValues(models.IndexValues{}))
	assert.Equal(t, []string{FlagAllIndicesMissing}, ValidateIndexValues(models.IndexValues{"ndmi": -1}))
	assert.Equal(t, []string{FlagIndexOutOfRange}, ValidateIndexValues(models.IndexValues{"ndmi": 140}))
	// evapo is not a normalized difference and may exceed 100.
	assert.Nil(t, ValidateIndexValues(models.IndexValues{"evapo": 450}))
}
