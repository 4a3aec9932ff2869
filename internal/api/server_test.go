package api_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/croprisk/internal/api"
	"github.com/lox/croprisk/internal/ingest"
	"github.com/lox/croprisk/internal/ledger"
	"github.com/lox/croprisk/internal/models"
	"github.com/lox/croprisk/internal/store"

	_ "modernc.org/sqlite"
)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s := store.New(db, nil)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

type stubRunner struct {
	fieldID, crop string
	result        *ingest.CycleResult
	err           error
}

func (r *stubRunner) RunCycleForCrop(ctx context.Context, fieldID, crop string) (*ingest.CycleResult, error) {
	r.fieldID, r.crop = fieldID, crop
	return r.result, r.err
}

func setupServer(t *testing.T, runner api.CycleRunner) (*api.Server, *store.Store) {
	t.Helper()
	st := setupTestStore(t)
	require.NoError(t, st.UpsertField(context.Background(), models.Field{FieldID: "1701", Name: "Paddy 3", Crop: "rice"}))
	clock := clockwork.NewFakeClockAt(time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC))
	if runner == nil {
		runner = &stubRunner{}
	}
	srv := api.NewServer(st, ledger.New(st, clock, nil), runner, ":0", nil)
	srv.SetClock(clock)
	return srv, st
}

func do(t *testing.T, srv *api.Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()
	srv, _ := setupServer(t, nil)

	w := do(t, srv, "GET", "/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	var health api.HealthStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.Positive(t, health.MigrationVersion)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	srv, _ := setupServer(t, nil)

	w := do(t, srv, "GET", "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestRunCycle(t *testing.T) {
	t.Parallel()
	runner := &stubRunner{result: &ingest.CycleResult{
		Status:        ingest.StatusSuccess,
		FieldID:       "1701",
		LastSensedDay: "20240110",
		UpdateType:    ingest.UpdateWeatherOnly,
		Results:       map[string]ingest.StepResult{ingest.StepWeather: {Success: true, Records: 8}},
	}}
	srv, _ := setupServer(t, runner)

	w := do(t, srv, "POST", "/api/fields/1701/cycle", `{"crop":"maize"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1701", runner.fieldID)
	assert.Equal(t, "maize", runner.crop)

	var got map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "weather_only", got["update_type"])
	assert.Equal(t, "20240110", got["last_sensed_day"])

	// An empty body is allowed.
	w = do(t, srv, "POST", "/api/fields/1701/cycle", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, runner.crop)

	w = do(t, srv, "POST", "/api/fields/1701/cycle", "{not json")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, srv, "GET", "/api/fields/1701/cycle", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestRunCycle_ErrorStatuses(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		want int
	}{
		{ingest.ErrNotReady, http.StatusRequestTimeout},
		{fmt.Errorf("%w: boom", ingest.ErrSensedDayUnavailable), http.StatusBadGateway},
		{fmt.Errorf("get field: %w", store.ErrFieldNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: 1701/drought", ledger.ErrPersistenceConflict), http.StatusConflict},
		{ingest.ErrWatermarkUpdate, http.StatusInternalServerError},
		{ingest.ErrLedgerPhaseFailed, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			srv, _ := setupServer(t, &stubRunner{err: tt.err})
			w := do(t, srv, "POST", "/api/fields/1701/cycle", "")
			assert.Equal(t, tt.want, w.Code)
			assert.Contains(t, w.Body.String(), `"error"`)
		})
	}
}

func TestActiveIncident(t *testing.T) {
	t.Parallel()
	srv, st := setupServer(t, nil)

	w := do(t, srv, "GET", "/api/fields/1701/incidents/active?kind=flood", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"start_date":null,"approx_end_date":null,"kind":null}`, w.Body.String())

	inc := &models.Incident{
		FieldID:     "1701",
		Kind:        models.HazardFlood,
		IsActive:    true,
		DateStart:   time.Date(2024, 1, 7, 0, 0, 0, 0, time.UTC),
		DateCurrent: time.Date(2024, 1, 7, 0, 0, 0, 0, time.UTC),
		DateEnd:     time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, st.InsertIncident(context.Background(), inc))

	w = do(t, srv, "GET", "/api/fields/1701/incidents/active?kind=flood", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"start_date":"2024-01-07","approx_end_date":"2024-01-10","kind":"flood"}`, w.Body.String())

	w = do(t, srv, "GET", "/api/fields/1701/incidents/active?kind=drought", "")
	assert.JSONEq(t, `{"start_date":null,"approx_end_date":null,"kind":null}`, w.Body.String())
}

func TestActiveIncident_BadRequests(t *testing.T) {
	t.Parallel()
	srv, _ := setupServer(t, nil)

	assert.Equal(t, http.StatusBadRequest, do(t, srv, "GET", "/api/fields/1701/incidents/active", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, srv, "GET", "/api/fields/1701/incidents/active?kind=hail", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, srv, "GET", "/api/fields/nope/incidents/active?kind=pest", "").Code)
}

func TestIncidentHistory(t *testing.T) {
	t.Parallel()
	srv, st := setupServer(t, nil)
	ctx := context.Background()

	for i, kind := range []models.HazardKind{models.HazardDrought, models.HazardPest} {
		start := time.Date(2024, 2, 1+i, 0, 0, 0, 0, time.UTC)
		require.NoError(t, st.InsertIncident(ctx, &models.Incident{
			FieldID:     "1701",
			Kind:        kind,
			IsActive:    true,
			DateStart:   start,
			DateCurrent: start,
			DateEnd:     start.AddDate(0, 0, 30),
			Metadata:    models.IncidentMetadata{ConsecutiveHitVisits: 4, TotalVisits: 4},
		}))
	}

	w := do(t, srv, "GET", "/api/fields/1701/incidents", "")
	require.Equal(t, http.StatusOK, w.Code)
	var all []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &all))
	require.Len(t, all, 2)
	assert.Equal(t, "pest", all[0]["kind"], "newest first")
	assert.Nil(t, all[0]["closest_date_sensed"])

	w = do(t, srv, "GET", "/api/fields/1701/incidents?kind=drought&limit=5", "")
	require.Equal(t, http.StatusOK, w.Code)
	var drought []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &drought))
	require.Len(t, drought, 1)
	assert.Equal(t, "2024-03-02", drought[0]["date_end"])
	assert.Equal(t, map[string]any{"consecutive_hit_visits": 4.0, "consecutive_miss_visits": 0.0, "total_visits": 4.0}, drought[0]["metadata"])

	assert.Equal(t, http.StatusBadRequest, do(t, srv, "GET", "/api/fields/1701/incidents?limit=0", "").Code)
}

func TestListFields(t *testing.T) {
	t.Parallel()
	srv, st := setupServer(t, nil)
	require.NoError(t, st.SetLastSensedDay(context.Background(), "1701", "20240110"))

	w := do(t, srv, "GET", "/api/fields", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[{"field_id":"1701","name":"Paddy 3","crop":"rice","last_sensed_day":"20240110"}]`, w.Body.String())
}
