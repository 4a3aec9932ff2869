package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/lox/croprisk/internal/ingest"
	"github.com/lox/croprisk/internal/models"
)

var errNoAdvisory = errors.New("no advisory for that day")

// queryInt reads an optional integer query parameter bounded to [lo, hi].
func queryInt(r *http.Request, name string, def, lo, hi int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < lo || n > hi {
		return 0, fmt.Errorf("%s must be between %d and %d", name, lo, hi)
	}
	return n, nil
}

// queryDay reads an optional date parameter in either YYYY-MM-DD or YYYYMMDD
// form. ok is false when the parameter is absent.
func queryDay(r *http.Request) (day time.Time, ok bool, err error) {
	v := r.URL.Query().Get("date")
	if v == "" {
		return time.Time{}, false, nil
	}
	day, err = models.ParseSensedDay(v)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("invalid date %q", v)
	}
	return day, true, nil
}

func nullable(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	return &v.Float64
}

type weatherDayResponse struct {
	Date     string   `json:"date"`
	Summary  *string  `json:"summary"`
	Rain     *float64 `json:"rain"`
	TempMin  *float64 `json:"temp_min"`
	TempMax  *float64 `json:"temp_max"`
	Humidity *float64 `json:"humidity"`
	Pop      *float64 `json:"pop"`
}

type WeatherResponse struct {
	FetchedAt *time.Time           `json:"fetched_at"`
	Days      []weatherDayResponse `json:"days"`
}

func (s *Server) handleWeather(w http.ResponseWriter, r *http.Request) {
	fieldID := r.PathValue("fieldID")
	if _, err := s.store.GetField(r.Context(), fieldID); err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	days, err := s.store.CurrentWeather(r.Context(), fieldID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	resp := WeatherResponse{Days: make([]weatherDayResponse, 0, len(days))}
	for _, d := range days {
		if resp.FetchedAt == nil {
			fetched := d.FetchedAt
			resp.FetchedAt = &fetched
		}
		wd := weatherDayResponse{
			Date:     models.FormatDay(d.Date),
			Rain:     nullable(d.Rain),
			TempMin:  nullable(d.TempMin),
			TempMax:  nullable(d.TempMax),
			Humidity: nullable(d.Humidity),
			Pop:      nullable(d.Pop),
		}
		if d.Summary.Valid {
			wd.Summary = &d.Summary.String
		}
		resp.Days = append(resp.Days, wd)
	}
	writeJSON(w, http.StatusOK, resp)
}

type heatmapResponse struct {
	ImageType string `json:"image_type"`
	Date      string `json:"date"`
	URL       string `json:"url"`
}

// handleHeatmaps lists image URLs for a sensing day, defaulting to the field's
// latest one.
func (s *Server) handleHeatmaps(w http.ResponseWriter, r *http.Request) {
	fieldID := r.PathValue("fieldID")
	index := r.URL.Query().Get("index")
	if index != "" && !slices.Contains(ingest.ImageTypes, index) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown image type %q", index))
		return
	}
	day, ok, err := queryDay(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	field, err := s.store.GetField(r.Context(), fieldID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	out := []heatmapResponse{}
	if !ok {
		if !field.LastSensedDay.Valid {
			writeJSON(w, http.StatusOK, out)
			return
		}
		if day, err = models.ParseSensedDay(field.LastSensedDay.String); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}

	heatmaps, err := s.store.Heatmaps(r.Context(), fieldID, day, index)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	for _, h := range heatmaps {
		out = append(out, heatmapResponse{ImageType: h.ImageType, Date: models.FormatDay(h.Date), URL: h.ImageURL})
	}
	writeJSON(w, http.StatusOK, out)
}

type indexPoint struct {
	Date  string   `json:"date"`
	Value *float64 `json:"value"`
}

type IndexHistoryResponse struct {
	Index    string       `json:"index"`
	Days     int          `json:"days"`
	Readings []indexPoint `json:"readings"`
}

// handleIndexHistory returns one index over the trailing window, newest first.
// Days the vendor reported no value carry a null.
func (s *Server) handleIndexHistory(w http.ResponseWriter, r *http.Request) {
	fieldID, index := r.PathValue("fieldID"), r.PathValue("index")
	if !slices.Contains(ingest.IndexTypes, index) {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown index %q", index))
		return
	}
	days, err := queryInt(r, "days", 30, 1, 365)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if _, err := s.store.GetField(r.Context(), fieldID); err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	today := models.Day(s.clock.Now())
	readings, err := s.store.RecentIndexReadings(r.Context(), fieldID, index, today, days)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	resp := IndexHistoryResponse{Index: index, Days: days, Readings: []indexPoint{}}
	cutoff := today.AddDate(0, 0, -days)
	for _, rd := range readings {
		if !rd.Date.After(cutoff) {
			break
		}
		resp.Readings = append(resp.Readings, indexPoint{Date: models.FormatDay(rd.Date), Value: nullable(rd.Value)})
	}
	writeJSON(w, http.StatusOK, resp)
}

type AdvisoryResponse struct {
	SensedDay string          `json:"sensed_day"`
	Crop      string          `json:"crop"`
	CreatedAt time.Time       `json:"created_at"`
	Advisory  json.RawMessage `json:"advisory"`
}

// handleAdvisory returns the advisory stored for an exact sensing day, or the
// latest one when no date is given.
func (s *Server) handleAdvisory(w http.ResponseWriter, r *http.Request) {
	fieldID := r.PathValue("fieldID")
	day, exact, err := queryDay(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !exact {
		day = models.Day(s.clock.Now())
	}
	if _, err := s.store.GetField(r.Context(), fieldID); err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	advisories, err := s.store.RecentAdvisories(r.Context(), fieldID, day, 1)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if len(advisories) == 0 || (exact && !advisories[0].SensedDay.Equal(day)) {
		writeError(w, http.StatusNotFound, errNoAdvisory)
		return
	}

	a := advisories[0]
	raw := json.RawMessage(a.RawJSON)
	if !json.Valid(raw) {
		raw, _ = json.Marshal(a.RawJSON)
	}
	writeJSON(w, http.StatusOK, AdvisoryResponse{
		SensedDay: models.FormatDay(a.SensedDay),
		Crop:      a.Crop,
		CreatedAt: a.CreatedAt,
		Advisory:  raw,
	})
}

type ingestRunResponse struct {
	ID         int64     `json:"id"`
	CycleID    string    `json:"cycle_id"`
	Endpoint   string    `json:"endpoint"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
	Success    bool      `json:"success"`
	HTTPStatus *int64    `json:"http_status"`
	Records    *int64    `json:"records_stored"`
	Error      *string   `json:"error"`
	PayloadID  *int64    `json:"payload_id"`
}

func nullableInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	return &v.Int64
}

func (s *Server) handleIngestRuns(w http.ResponseWriter, r *http.Request) {
	fieldID := r.PathValue("fieldID")
	limit, err := queryInt(r, "limit", 20, 1, 500)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if _, err := s.store.GetField(r.Context(), fieldID); err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	runs, err := s.store.RecentIngestRuns(r.Context(), fieldID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]ingestRunResponse, 0, len(runs))
	for _, run := range runs {
		rr := ingestRunResponse{
			ID:         run.ID,
			CycleID:    run.CycleID,
			Endpoint:   run.Endpoint,
			StartedAt:  run.StartedAt,
			Success:    run.Success,
			HTTPStatus: nullableInt(run.HTTPStatus),
			Records:    nullableInt(run.RecordsStored),
			PayloadID:  nullableInt(run.PayloadID),
		}
		if !run.FinishedAt.IsZero() {
			rr.DurationMS = run.FinishedAt.Sub(run.StartedAt).Milliseconds()
		}
		if run.ErrorMessage.Valid {
			rr.Error = &run.ErrorMessage.String
		}
		out = append(out, rr)
	}
	writeJSON(w, http.StatusOK, out)
}

// handleRawPayload serves an archived vendor response as it was received.
func (s *Server) handleRawPayload(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id < 1 {
		writeError(w, http.StatusBadRequest, errors.New("invalid payload id"))
		return
	}

	payload, err := s.store.GetRawPayload(r.Context(), id)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, errors.New("payload not found"))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(payload)
}
