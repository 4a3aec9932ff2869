package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lox/croprisk/internal/hazard"
	"github.com/lox/croprisk/internal/ingest"
	"github.com/lox/croprisk/internal/ledger"
	"github.com/lox/croprisk/internal/models"
	"github.com/lox/croprisk/internal/store"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrFieldNotFound):
		return http.StatusNotFound
	case errors.Is(err, ingest.ErrNotReady):
		return http.StatusRequestTimeout
	case errors.Is(err, ingest.ErrSensedDayUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, ledger.ErrPersistenceConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

type HealthStatus struct {
	Status           string `json:"status"`
	MigrationVersion int    `json:"migration_version"`
	Error            string `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, HealthStatus{Status: "error", Error: err.Error()})
		return
	}
	version, err := s.store.MigrationVersion(ctx)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, HealthStatus{Status: "error", Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, HealthStatus{Status: "ok", MigrationVersion: version})
}

type fieldResponse struct {
	FieldID       string  `json:"field_id"`
	Name          string  `json:"name"`
	Crop          string  `json:"crop"`
	LastSensedDay *string `json:"last_sensed_day"`
}

func (s *Server) handleListFields(w http.ResponseWriter, r *http.Request) {
	fields, err := s.store.ListFields(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]fieldResponse, 0, len(fields))
	for _, f := range fields {
		fr := fieldResponse{FieldID: f.FieldID, Name: f.Name, Crop: f.Crop}
		if f.LastSensedDay.Valid {
			day := f.LastSensedDay.String
			fr.LastSensedDay = &day
		}
		out = append(out, fr)
	}
	writeJSON(w, http.StatusOK, out)
}

type cycleRequest struct {
	Crop string `json:"crop"`
}

func (s *Server) handleRunCycle(w http.ResponseWriter, r *http.Request) {
	fieldID := r.PathValue("fieldID")

	var req cycleRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	result, err := s.runner.RunCycleForCrop(r.Context(), fieldID, req.Crop)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			s.logger.Error("api: cycle failed", "field_id", fieldID, "error", err)
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func parseKind(r *http.Request, required bool) (models.HazardKind, error) {
	kind := models.HazardKind(r.URL.Query().Get("kind"))
	if kind == "" {
		if required {
			return "", errors.New("kind is required")
		}
		return "", nil
	}
	if !hazard.Known(kind) {
		return "", fmt.Errorf("unknown kind %q", kind)
	}
	return kind, nil
}

// ActiveIncidentResponse carries nulls when nothing is active.
type ActiveIncidentResponse struct {
	StartDate     *string            `json:"start_date"`
	ApproxEndDate *string            `json:"approx_end_date"`
	Kind          *models.HazardKind `json:"kind"`
}

func (s *Server) handleActiveIncident(w http.ResponseWriter, r *http.Request) {
	fieldID := r.PathValue("fieldID")
	kind, err := parseKind(r, true)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if _, err := s.store.GetField(r.Context(), fieldID); err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	inc, err := s.ledger.Active(r.Context(), fieldID, kind)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	var resp ActiveIncidentResponse
	if inc != nil {
		start, end := models.FormatDay(inc.DateStart), models.FormatDay(inc.DateEnd)
		resp = ActiveIncidentResponse{StartDate: &start, ApproxEndDate: &end, Kind: &inc.Kind}
	}
	writeJSON(w, http.StatusOK, resp)
}

type incidentResponse struct {
	ID                int64                   `json:"id"`
	Kind              models.HazardKind       `json:"kind"`
	IsActive          bool                    `json:"is_active"`
	DateStart         string                  `json:"date_start"`
	DateCurrent       string                  `json:"date_current"`
	DateEnd           string                  `json:"date_end"`
	ClosestDateSensed *string                 `json:"closest_date_sensed"`
	Metadata          models.IncidentMetadata `json:"metadata"`
	UpdatedAt         time.Time               `json:"updated_at"`
}

func (s *Server) handleIncidentHistory(w http.ResponseWriter, r *http.Request) {
	fieldID := r.PathValue("fieldID")
	kind, err := parseKind(r, false)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	limit, err := queryInt(r, "limit", 20, 1, 500)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if _, err := s.store.GetField(r.Context(), fieldID); err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	incidents, err := s.ledger.History(r.Context(), fieldID, kind, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	out := make([]incidentResponse, 0, len(incidents))
	for _, inc := range incidents {
		ir := incidentResponse{
			ID:          inc.ID,
			Kind:        inc.Kind,
			IsActive:    inc.IsActive,
			DateStart:   models.FormatDay(inc.DateStart),
			DateCurrent: models.FormatDay(inc.DateCurrent),
			DateEnd:     models.FormatDay(inc.DateEnd),
			Metadata:    inc.Metadata,
			UpdatedAt:   inc.UpdatedAt,
		}
		if !inc.ClosestDateSensed.IsZero() {
			d := models.FormatDay(inc.ClosestDateSensed)
			ir.ClosestDateSensed = &d
		}
		out = append(out, ir)
	}
	writeJSON(w, http.StatusOK, out)
}
