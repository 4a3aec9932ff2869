package api_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/croprisk/internal/api"
	"github.com/lox/croprisk/internal/models"
)

func jan(d int) time.Time {
	return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC)
}

func TestWeather(t *testing.T) {
	t.Parallel()
	srv, st := setupServer(t, nil)

	w := do(t, srv, "GET", "/api/fields/1701/weather", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"fetched_at":null,"days":[]}`, w.Body.String())

	rain := 80.0
	fetched := time.Date(2024, 1, 10, 6, 0, 0, 0, time.UTC)
	_, err := st.SaveWeather(context.Background(), "1701", fetched, models.WeatherForecast{Daily: []models.WeatherDaily{
		{DT: jan(10).Unix(), Summary: "storms", Rain: &rain},
		{DT: jan(11).Unix()},
	}})
	require.NoError(t, err)

	w = do(t, srv, "GET", "/api/fields/1701/weather", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp api.WeatherResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotNil(t, resp.FetchedAt)
	assert.True(t, fetched.Equal(*resp.FetchedAt))
	require.Len(t, resp.Days, 2)

	var raw struct {
		Days []map[string]any `json:"days"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &raw))
	days := raw.Days
	assert.Equal(t, "2024-01-10", days[0]["date"])
	assert.Equal(t, "storms", days[0]["summary"])
	assert.Equal(t, 80.0, days[0]["rain"])
	assert.Nil(t, days[1]["rain"])
	assert.Nil(t, days[1]["summary"])

	assert.Equal(t, http.StatusNotFound, do(t, srv, "GET", "/api/fields/nope/weather", "").Code)
}

func TestHeatmaps(t *testing.T) {
	t.Parallel()
	srv, st := setupServer(t, nil)
	ctx := context.Background()

	w := do(t, srv, "GET", "/api/fields/1701/heatmaps", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String(), "nothing sensed yet")

	for _, d := range []time.Time{jan(5), jan(10)} {
		_, err := st.SaveHeatmaps(ctx, "1701", d, map[string]string{
			"ndvi": "https://img/ndvi/" + models.FormatDay(d),
			"ndmi": "https://img/ndmi/" + models.FormatDay(d),
		})
		require.NoError(t, err)
	}
	require.NoError(t, st.SetLastSensedDay(ctx, "1701", "20240110"))

	w = do(t, srv, "GET", "/api/fields/1701/heatmaps", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[
		{"image_type":"ndmi","date":"2024-01-10","url":"https://img/ndmi/2024-01-10"},
		{"image_type":"ndvi","date":"2024-01-10","url":"https://img/ndvi/2024-01-10"}
	]`, w.Body.String())

	for _, date := range []string{"2024-01-05", "20240105"} {
		w = do(t, srv, "GET", "/api/fields/1701/heatmaps?index=ndvi&date="+date, "")
		require.Equal(t, http.StatusOK, w.Code, date)
		assert.JSONEq(t, `[{"image_type":"ndvi","date":"2024-01-05","url":"https://img/ndvi/2024-01-05"}]`, w.Body.String(), date)
	}

	w = do(t, srv, "GET", "/api/fields/1701/heatmaps?date=2024-01-07", "")
	assert.JSONEq(t, `[]`, w.Body.String())

	assert.Equal(t, http.StatusBadRequest, do(t, srv, "GET", "/api/fields/1701/heatmaps?index=xray", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, srv, "GET", "/api/fields/1701/heatmaps?date=soon", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, srv, "GET", "/api/fields/nope/heatmaps", "").Code)
}

func TestIndexHistory(t *testing.T) {
	t.Parallel()
	srv, st := setupServer(t, nil)
	ctx := context.Background()

	for d, v := range map[time.Time]float64{
		time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC): 50,
		jan(5):  20,
		jan(10): models.MissingIndexValue,
	} {
		_, err := st.SaveIndexReadings(ctx, "1701", d, models.IndexValues{"ndmi": v})
		require.NoError(t, err)
	}

	w := do(t, srv, "GET", "/api/fields/1701/indices/ndmi", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"index":"ndmi","days":30,"readings":[
		{"date":"2024-01-10","value":null},
		{"date":"2024-01-05","value":20}
	]}`, w.Body.String(), "December is outside the default window")

	w = do(t, srv, "GET", "/api/fields/1701/indices/ndmi?days=60", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp api.IndexHistoryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Readings, 3)
	assert.Equal(t, "2023-12-01", resp.Readings[2].Date)

	w = do(t, srv, "GET", "/api/fields/1701/indices/ndmi?days=5", "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Readings, 1, "window covers 01-06 through 01-10")

	assert.Equal(t, http.StatusNotFound, do(t, srv, "GET", "/api/fields/1701/indices/xray", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, srv, "GET", "/api/fields/1701/indices/ndmi?days=0", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, srv, "GET", "/api/fields/nope/indices/ndmi", "").Code)
}

func TestAdvisory(t *testing.T) {
	t.Parallel()
	srv, st := setupServer(t, nil)

	assert.Equal(t, http.StatusNotFound, do(t, srv, "GET", "/api/fields/1701/advisory", "").Code)

	require.NoError(t, st.SaveAdvisory(context.Background(), models.Advisory{
		FieldID: "1701", Crop: "rice", SensedDay: jan(5), RawJSON: `{"advisory":{"irrigation":"hold"}}`,
	}))

	w := do(t, srv, "GET", "/api/fields/1701/advisory", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp api.AdvisoryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "2024-01-05", resp.SensedDay)
	assert.Equal(t, "rice", resp.Crop)
	assert.JSONEq(t, `{"advisory":{"irrigation":"hold"}}`, string(resp.Advisory))

	w = do(t, srv, "GET", "/api/fields/1701/advisory?date=20240105", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, srv, "GET", "/api/fields/1701/advisory?date=2024-01-08", "")
	assert.Equal(t, http.StatusNotFound, w.Code, "an exact date does not fall back to an earlier day")

	assert.Equal(t, http.StatusBadRequest, do(t, srv, "GET", "/api/fields/1701/advisory?date=tomorrow", "").Code)
}

func TestIngestRunsAndPayloads(t *testing.T) {
	t.Parallel()
	srv, st := setupServer(t, nil)
	ctx := context.Background()

	run, err := st.StartIngestRun(ctx, "cycle-1", "1701", "getPresentWeather")
	require.NoError(t, err)
	payloadID, err := st.StoreRawPayload(ctx, &run.ID, "getPresentWeather", "1701", []byte(`{"daily":[]}`))
	require.NoError(t, err)
	run.Success = true
	run.HTTPStatus = sql.NullInt64{Int64: 200, Valid: true}
	require.NoError(t, st.CompleteIngestRun(ctx, run))

	failed, err := st.StartIngestRun(ctx, "cycle-1", "1701", "askJeevnAPI")
	require.NoError(t, err)
	failed.ErrorMessage = sql.NullString{String: "status 400", Valid: true}
	require.NoError(t, st.CompleteIngestRun(ctx, failed))

	w := do(t, srv, "GET", "/api/fields/1701/runs?limit=10", "")
	require.Equal(t, http.StatusOK, w.Code)
	var runs []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &runs))
	require.Len(t, runs, 2)
	assert.Equal(t, "askJeevnAPI", runs[0]["endpoint"], "newest first")
	assert.Equal(t, "status 400", runs[0]["error"])
	assert.Nil(t, runs[0]["payload_id"])
	assert.Equal(t, true, runs[1]["success"])
	assert.Equal(t, float64(payloadID), runs[1]["payload_id"])

	w = do(t, srv, "GET", "/api/payloads/"+strconv.FormatInt(payloadID, 10), "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"daily":[]}`, w.Body.String())

	assert.Equal(t, http.StatusNotFound, do(t, srv, "GET", "/api/payloads/999", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, srv, "GET", "/api/payloads/abc", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, srv, "GET", "/api/fields/1701/runs?limit=0", "").Code)
}
