package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/lox/croprisk/internal/hazard"
	"github.com/lox/croprisk/internal/ledger"
	"github.com/lox/croprisk/internal/metrics"
	"github.com/lox/croprisk/internal/models"
	"github.com/lox/croprisk/internal/store"
)

var (
	// ErrNotReady means the vendor has no sensing day for the field yet. Retry later.
	ErrNotReady             = errors.New("field not ready: no sensing day available")
	ErrSensedDayUnavailable = errors.New("could not determine latest sensing day")
	ErrWatermarkUpdate      = errors.New("could not update sensing watermark")
	ErrLedgerPhaseFailed    = errors.New("every ledger update failed")
)

const (
	UpdateFull        = "full"
	UpdateWeatherOnly = "weather_only"

	StatusSuccess = "success"
	StatusPartial = "partial"
)

// Step names used as keys in CycleResult.Results.
const (
	StepImagery     = "imagery"
	StepIndexValues = "index_values"
	StepAdvisory    = "advisory"
	StepWeather     = "weather"
)

func ledgerStep(kind models.HazardKind) string {
	return "ledger_" + string(kind)
}

// Upstream is the sensing vendor as the orchestrator sees it.
type Upstream interface {
	LatestSensedDay(ctx context.Context, fieldID string) (string, []byte, error)
	IndexValues(ctx context.Context, fieldID, day string) (models.IndexValues, []byte, error)
	Advisory(ctx context.Context, fieldID, crop string) ([]byte, error)
	Weather(ctx context.Context, fieldID string) (models.WeatherForecast, []byte, error)
	Imagery(ctx context.Context, fieldID, day string) (map[string]string, error)
}

type StepResult struct {
	Success      bool     `json:"success"`
	Records      int      `json:"records,omitempty"`
	ConditionMet *bool    `json:"condition_met,omitempty"`
	Action       string   `json:"action,omitempty"`
	Flags        []string `json:"flags,omitempty"`
	Error        string   `json:"error,omitempty"`
}

type Summary struct {
	Successful int `json:"successful"`
	Total      int `json:"total"`
}

type CycleResult struct {
	Status        string                `json:"status"`
	FieldID       string                `json:"field_id"`
	LastSensedDay string                `json:"last_sensed_day"`
	UpdateType    string                `json:"update_type"`
	CycleID       string                `json:"cycle_id"`
	Results       map[string]StepResult `json:"results"`
	Summary       Summary               `json:"summary"`
}

func (r *CycleResult) record(step string, res StepResult) {
	r.Results[step] = res
	r.Summary.Total++
	if res.Success {
		r.Summary.Successful++
	}
}

type Orchestrator struct {
	store    *store.Store
	upstream Upstream
	ledger   *ledger.Ledger
	clock    clockwork.Clock
	logger   *slog.Logger
	locks    *keyedMutex
}

func NewOrchestrator(st *store.Store, upstream Upstream, l *ledger.Ledger, clock clockwork.Clock, logger *slog.Logger) *Orchestrator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Orchestrator{
		store:    st,
		upstream: upstream,
		ledger:   l,
		clock:    clock,
		logger:   logger,
		locks:    newKeyedMutex(),
	}
}

// RunCycle refreshes one field using its registered crop.
func (o *Orchestrator) RunCycle(ctx context.Context, fieldID string) (*CycleResult, error) {
	return o.RunCycleForCrop(ctx, fieldID, "")
}

// RunCycleForCrop refreshes one field. A non-empty crop overrides the
// field's registered crop for the advisory request. Cycles for the same
// field are serialized.
func (o *Orchestrator) RunCycleForCrop(ctx context.Context, fieldID, crop string) (*CycleResult, error) {
	unlock := o.locks.Lock(fieldID)
	defer unlock()

	start := o.clock.Now()
	cycleID := uuid.NewString()
	logger := o.logger.With("field_id", fieldID, "cycle_id", cycleID)

	field, err := o.store.GetField(ctx, fieldID)
	if err != nil {
		return nil, err
	}
	if crop == "" {
		crop = field.Crop
	}

	day, err := o.latestSensedDay(ctx, cycleID, fieldID)
	if err != nil {
		logger.Warn("orchestrator: sensed day lookup failed", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrSensedDayUnavailable, err)
	}
	if day == "" {
		logger.Info("orchestrator: no sensing day yet")
		return nil, ErrNotReady
	}
	day = models.NormalizeSensedDay(day)

	sensed, err := models.ParseSensedDay(day)
	if err != nil {
		logger.Warn("orchestrator: unparseable sensing day, using today", "day", day, "error", err)
		sensed = models.Day(o.clock.Now())
	}

	result := &CycleResult{
		FieldID:       fieldID,
		LastSensedDay: day,
		CycleID:       cycleID,
		Results:       make(map[string]StepResult),
	}

	var stored string
	if field.LastSensedDay.Valid {
		stored = models.NormalizeSensedDay(field.LastSensedDay.String)
	}

	if stored == day {
		result.UpdateType = UpdateWeatherOnly
		err = o.weatherOnly(ctx, logger, result, sensed)
	} else {
		result.UpdateType = UpdateFull
		err = o.full(ctx, logger, result, crop, sensed)
	}

	result.Status = StatusSuccess
	if result.Summary.Successful < result.Summary.Total {
		result.Status = StatusPartial
	}

	outcome := result.Status
	if err != nil {
		outcome = "failed"
	}
	metrics.CyclesTotal.WithLabelValues(result.UpdateType, outcome).Inc()
	metrics.CycleDuration.WithLabelValues(result.UpdateType).Observe(o.clock.Since(start).Seconds())

	if err != nil {
		logger.Error("orchestrator: cycle failed", "update_type", result.UpdateType, "error", err)
		return result, err
	}

	logger.Info("orchestrator: cycle complete",
		"update_type", result.UpdateType,
		"status", result.Status,
		"sensed_day", day,
		"successful", result.Summary.Successful,
		"total", result.Summary.Total,
	)
	return result, nil
}

// weatherOnly re-evaluates flood against a fresh forecast. Drought and pest
// are not re-evaluated without new imagery.
func (o *Orchestrator) weatherOnly(ctx context.Context, logger *slog.Logger, result *CycleResult, sensed time.Time) error {
	weather, res := o.fetchWeather(ctx, result.CycleID, result.FieldID)
	result.record(StepWeather, res)

	ok := o.updateLedger(ctx, logger, result, models.HazardFlood, hazard.FloodConditionMet(weather), sensed)
	if !ok {
		return ErrLedgerPhaseFailed
	}
	return nil
}

func (o *Orchestrator) full(ctx context.Context, logger *slog.Logger, result *CycleResult, crop string, sensed time.Time) error {
	if err := o.store.SetLastSensedDay(ctx, result.FieldID, result.LastSensedDay); err != nil {
		return fmt.Errorf("%w: %v", ErrWatermarkUpdate, err)
	}

	var (
		wg          sync.WaitGroup
		imageryRes  StepResult
		indexRes    StepResult
		advisoryRes StepResult
		weatherRes  StepResult
		values      models.IndexValues
		advisory    []byte
		weather     models.WeatherForecast
	)

	wg.Add(4)
	go func() {
		defer wg.Done()
		imageryRes = o.fetchImagery(ctx, result.CycleID, result.FieldID, result.LastSensedDay, sensed)
	}()
	go func() {
		defer wg.Done()
		values, indexRes = o.fetchIndexValues(ctx, result.CycleID, result.FieldID, result.LastSensedDay, sensed)
	}()
	go func() {
		defer wg.Done()
		advisory, advisoryRes = o.fetchAdvisory(ctx, result.CycleID, result.FieldID, crop, sensed)
	}()
	go func() {
		defer wg.Done()
		weather, weatherRes = o.fetchWeather(ctx, result.CycleID, result.FieldID)
	}()
	wg.Wait()

	result.record(StepImagery, imageryRes)
	result.record(StepIndexValues, indexRes)
	result.record(StepAdvisory, advisoryRes)
	result.record(StepWeather, weatherRes)

	met := map[models.HazardKind]bool{
		models.HazardFlood:   hazard.FloodConditionMet(weather),
		models.HazardDrought: hazard.DroughtConditionMet(values),
		models.HazardPest:    hazard.PestConditionMet(advisory),
	}

	succeeded := 0
	for _, kind := range models.HazardKinds {
		if o.updateLedger(ctx, logger, result, kind, met[kind], sensed) {
			succeeded++
		}
	}
	if succeeded == 0 {
		return ErrLedgerPhaseFailed
	}
	return nil
}

func (o *Orchestrator) updateLedger(ctx context.Context, logger *slog.Logger, result *CycleResult, kind models.HazardKind, met bool, sensed time.Time) bool {
	res := StepResult{ConditionMet: &met}
	d, err := o.ledger.Update(ctx, result.FieldID, kind, met, sensed)
	if err != nil {
		logger.Error("orchestrator: ledger update failed", "kind", kind, "error", err)
		res.Error = err.Error()
	} else {
		res.Success = true
		res.Action = string(d.Action)
	}
	result.record(ledgerStep(kind), res)
	return res.Success
}

// fetchRun is the outcome of one upstream call as recorded in ingest_runs.
type fetchRun struct {
	body    []byte
	records int
	flags   []string
	err     error
}

// track audits one upstream call: it opens an ingest run, archives the raw
// body, and closes the run with the outcome of fn.
func (o *Orchestrator) track(ctx context.Context, cycleID, fieldID, endpoint string, fn func() fetchRun) StepResult {
	logger := o.logger.With("field_id", fieldID, "cycle_id", cycleID, "endpoint", endpoint)

	run, err := o.store.StartIngestRun(ctx, cycleID, fieldID, endpoint)
	if err != nil {
		logger.Warn("orchestrator: start ingest run", "error", err)
	}

	fr := fn()

	if len(fr.body) > 0 {
		var runID *int64
		if run != nil {
			runID = &run.ID
		}
		if _, err := o.store.StoreRawPayload(ctx, runID, endpoint, fieldID, fr.body); err != nil {
			logger.Warn("orchestrator: store raw payload", "error", err)
		}
	}

	res := StepResult{Success: fr.err == nil, Records: fr.records, Flags: fr.flags}
	if fr.err != nil {
		res.Error = fr.err.Error()
		logger.Warn("orchestrator: fetch failed", "error", fr.err)
	}
	if len(fr.flags) > 0 {
		logger.Warn("orchestrator: payload quality flags", "flags", fr.flags)
	}

	if run != nil {
		run.Success = fr.err == nil
		if status := HTTPStatus(fr.err); status > 0 {
			run.HTTPStatus = sql.NullInt64{Int64: int64(status), Valid: true}
		} else if fr.err == nil {
			run.HTTPStatus = sql.NullInt64{Int64: 200, Valid: true}
		}
		run.ResponseSizeBytes = sql.NullInt64{Int64: int64(len(fr.body)), Valid: len(fr.body) > 0}
		run.RecordsStored = sql.NullInt64{Int64: int64(fr.records), Valid: true}
		if fr.err != nil {
			run.ErrorMessage = sql.NullString{String: fr.err.Error(), Valid: true}
		}
		if err := o.store.CompleteIngestRun(ctx, run); err != nil {
			logger.Warn("orchestrator: complete ingest run", "error", err)
		}
	}
	return res
}

func (o *Orchestrator) latestSensedDay(ctx context.Context, cycleID, fieldID string) (string, error) {
	var (
		day string
		err error
	)
	o.track(ctx, cycleID, fieldID, EndpointSensedDays, func() fetchRun {
		var body []byte
		day, body, err = o.upstream.LatestSensedDay(ctx, fieldID)
		return fetchRun{body: body, err: err}
	})
	return day, err
}

func (o *Orchestrator) fetchImagery(ctx context.Context, cycleID, fieldID, day string, sensed time.Time) StepResult {
	return o.track(ctx, cycleID, fieldID, EndpointFieldImage, func() fetchRun {
		urls, err := o.upstream.Imagery(ctx, fieldID, day)
		if err != nil {
			return fetchRun{err: err}
		}
		body, _ := json.Marshal(urls)
		n, err := o.store.SaveHeatmaps(ctx, fieldID, sensed, urls)
		metrics.SignalsStored.WithLabelValues(StepImagery).Add(float64(n))
		return fetchRun{body: body, records: n, err: err}
	})
}

func (o *Orchestrator) fetchIndexValues(ctx context.Context, cycleID, fieldID, day string, sensed time.Time) (models.IndexValues, StepResult) {
	var values models.IndexValues
	res := o.track(ctx, cycleID, fieldID, EndpointIndexValues, func() fetchRun {
		iv, body, err := o.upstream.IndexValues(ctx, fieldID, day)
		if err != nil {
			return fetchRun{body: body, err: err}
		}
		values = iv
		n, err := o.store.SaveIndexReadings(ctx, fieldID, sensed, iv)
		metrics.SignalsStored.WithLabelValues(StepIndexValues).Add(float64(n))
		return fetchRun{body: body, records: n, flags: ValidateIndexValues(iv), err: err}
	})
	return values, res
}

func (o *Orchestrator) fetchAdvisory(ctx context.Context, cycleID, fieldID, crop string, sensed time.Time) ([]byte, StepResult) {
	var advisory []byte
	res := o.track(ctx, cycleID, fieldID, EndpointAdvisory, func() fetchRun {
		body, err := o.upstream.Advisory(ctx, fieldID, crop)
		if err != nil {
			return fetchRun{body: body, err: err}
		}
		advisory = body
		err = o.store.SaveAdvisory(ctx, models.Advisory{
			FieldID:   fieldID,
			Crop:      crop,
			SensedDay: sensed,
			RawJSON:   string(body),
		})
		if err != nil {
			return fetchRun{body: body, err: fmt.Errorf("save advisory: %w", err)}
		}
		metrics.SignalsStored.WithLabelValues(StepAdvisory).Inc()
		return fetchRun{body: body, records: 1}
	})
	return advisory, res
}

func (o *Orchestrator) fetchWeather(ctx context.Context, cycleID, fieldID string) (models.WeatherForecast, StepResult) {
	var weather models.WeatherForecast
	res := o.track(ctx, cycleID, fieldID, EndpointWeather, func() fetchRun {
		w, body, err := o.upstream.Weather(ctx, fieldID)
		if err != nil {
			return fetchRun{body: body, err: err}
		}
		weather = w
		n, err := o.store.SaveWeather(ctx, fieldID, o.clock.Now(), w)
		metrics.SignalsStored.WithLabelValues(StepWeather).Add(float64(n))
		return fetchRun{body: body, records: n, flags: ValidateWeather(w), err: err}
	})
	return weather, res
}
