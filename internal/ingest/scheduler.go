package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/lox/croprisk/internal/store"
)

// CycleRunner runs a refresh cycle for one field.
type CycleRunner interface {
	RunCycle(ctx context.Context, fieldID string) (*CycleResult, error)
}

type SchedulerConfig struct {
	Interval      time.Duration
	Workers       int
	RetentionDays int // raw payloads older than this are pruned after each pass; 0 keeps everything
}

type Scheduler struct {
	store  *store.Store
	runner CycleRunner
	clock  clockwork.Clock
	logger *slog.Logger
	cfg    SchedulerConfig
}

// PassSummary counts the outcomes of one refresh pass.
type PassSummary struct {
	Fields   int
	Full     int
	Weather  int
	Partial  int
	NotReady int
	Failed   int
}

func NewScheduler(st *store.Store, runner CycleRunner, clock clockwork.Clock, logger *slog.Logger, cfg SchedulerConfig) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 6 * time.Hour
	}
	return &Scheduler{store: st, runner: runner, clock: clock, logger: logger, cfg: cfg}
}

// Run refreshes every field immediately and then once per interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	s.pass(ctx)

	ticker := s.clock.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler: shutting down")
			return
		case <-ticker.Chan():
			s.pass(ctx)
		}
	}
}

func (s *Scheduler) pass(ctx context.Context) {
	summary, err := s.RunOnce(ctx)
	switch {
	case errors.Is(err, context.Canceled):
		s.logger.Info("scheduler: refresh pass interrupted by shutdown", "fields_done", summary.Full+summary.Weather+summary.NotReady+summary.Failed)
		return
	case err != nil:
		s.logger.Error("scheduler: refresh pass failed", "error", err)
		return
	}
	s.logger.Info("scheduler: refresh pass complete",
		"fields", summary.Fields,
		"full", summary.Full,
		"weather_only", summary.Weather,
		"partial", summary.Partial,
		"not_ready", summary.NotReady,
		"failed", summary.Failed,
	)
}

// RunOnce refreshes every registered field through the worker pool.
func (s *Scheduler) RunOnce(ctx context.Context) (PassSummary, error) {
	fields, err := s.store.ListFields(ctx)
	if err != nil {
		return PassSummary{}, fmt.Errorf("list fields: %w", err)
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		summary = PassSummary{Fields: len(fields)}
		jobs    = make(chan string)
	)

	for i := 0; i < min(s.cfg.Workers, max(1, len(fields))); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for fieldID := range jobs {
				result, err := s.runner.RunCycle(ctx, fieldID)

				mu.Lock()
				switch {
				case errors.Is(err, ErrNotReady):
					summary.NotReady++
					s.logger.Info("scheduler: field not ready", "field_id", fieldID)
				case err != nil:
					summary.Failed++
					s.logger.Warn("scheduler: cycle failed", "field_id", fieldID, "error", err)
				default:
					if result.UpdateType == UpdateFull {
						summary.Full++
					} else {
						summary.Weather++
					}
					if result.Status == StatusPartial {
						summary.Partial++
					}
				}
				mu.Unlock()
			}
		}()
	}

feed:
	for _, f := range fields {
		select {
		case jobs <- f.FieldID:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	if s.cfg.RetentionDays > 0 {
		deleted, err := s.store.CleanupOldRawPayloads(ctx, s.cfg.RetentionDays)
		if err != nil {
			s.logger.Warn("scheduler: raw payload cleanup", "error", err)
		} else if deleted > 0 {
			s.logger.Info("scheduler: pruned raw payloads", "deleted", deleted)
		}
	}

	return summary, ctx.Err()
}
