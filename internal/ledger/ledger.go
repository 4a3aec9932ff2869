package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/lox/croprisk/internal/hazard"
	"github.com/lox/croprisk/internal/metrics"
	"github.com/lox/croprisk/internal/models"
	"github.com/lox/croprisk/internal/store"
)

// ErrPersistenceConflict is returned when a ledger write still races after one retry.
var ErrPersistenceConflict = errors.New("ledger: persistence conflict")

// sampler loads historical predicate results for a debounced hazard kind,
// newest first.
type sampler func(ctx context.Context, tx *store.Store, fieldID string, atOrBefore time.Time, limit int) ([]Sample, error)

type Ledger struct {
	store    *store.Store
	clock    clockwork.Clock
	logger   *slog.Logger
	policies map[models.HazardKind]hazard.Policy
	samplers map[models.HazardKind]sampler

	// beforeWrite runs inside the transaction between Step and the write.
	beforeWrite func(ctx context.Context, d Decision) error
}

func New(st *store.Store, clock clockwork.Clock, logger *slog.Logger) *Ledger {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Ledger{
		store:    st,
		clock:    clock,
		logger:   logger,
		policies: hazard.Policies,
		samplers: map[models.HazardKind]sampler{
			models.HazardDrought: droughtSamples,
			models.HazardPest:    pestSamples,
		},
	}
}

// Update runs one transition for (fieldID, kind) inside a transaction. A
// conflicting concurrent write is retried once.
func (l *Ledger) Update(ctx context.Context, fieldID string, kind models.HazardKind, conditionMet bool, sensedDay time.Time) (Decision, error) {
	policy, ok := l.policies[kind]
	if !ok {
		return Decision{}, fmt.Errorf("ledger: unknown hazard kind %q", kind)
	}

	var (
		d   Decision
		err error
	)
	for attempt := 0; attempt < 2; attempt++ {
		d, err = l.update(ctx, policy, fieldID, conditionMet, sensedDay)
		if !errors.Is(err, store.ErrConflict) {
			break
		}
		if attempt == 0 {
			metrics.LedgerConflicts.WithLabelValues(string(kind), "retried").Inc()
			l.logger.Warn("ledger: write conflict, retrying", "field_id", fieldID, "kind", kind, "error", err)
		}
	}
	if errors.Is(err, store.ErrConflict) {
		metrics.LedgerConflicts.WithLabelValues(string(kind), "failed").Inc()
		return Decision{}, fmt.Errorf("%w: %s/%s: %v", ErrPersistenceConflict, fieldID, kind, err)
	}
	if err != nil {
		return Decision{}, err
	}

	metrics.IncidentTransitions.WithLabelValues(string(kind), string(d.Action)).Inc()
	if d.Action != ActionNone {
		l.logger.Info("ledger: transition",
			"field_id", fieldID,
			"kind", kind,
			"action", d.Action,
			"condition_met", conditionMet,
			"sensed_day", models.FormatDay(sensedDay),
		)
	}
	return d, nil
}

func (l *Ledger) update(ctx context.Context, policy hazard.Policy, fieldID string, conditionMet bool, sensedDay time.Time) (Decision, error) {
	var d Decision
	err := l.store.InTx(ctx, func(tx *store.Store) error {
		current, err := tx.ActiveIncident(ctx, fieldID, policy.Kind)
		if err != nil {
			return fmt.Errorf("load active %s incident: %w", policy.Kind, err)
		}

		in := Input{
			FieldID:      fieldID,
			ConditionMet: conditionMet,
			SensedDay:    models.Day(sensedDay),
			Today:        models.Day(l.clock.Now()),
		}

		if current == nil && conditionMet && policy.Debounced() {
			if in.Window, err = l.window(ctx, tx, policy, in); err != nil {
				return err
			}
			if in.ImageryDates, err = tx.RecentImageryDates(ctx, fieldID, in.SensedDay, 2); err != nil {
				return fmt.Errorf("load imagery dates: %w", err)
			}
		}

		d = Step(policy, current, in)

		if l.beforeWrite != nil {
			if err := l.beforeWrite(ctx, d); err != nil {
				return err
			}
		}

		switch d.Action {
		case ActionCreated:
			return tx.InsertIncident(ctx, d.Incident)
		case ActionExtended, ActionHeld, ActionRetired:
			return tx.UpdateIncident(ctx, d.Incident)
		}
		return nil
	})
	return d, err
}

// window returns the newest DebounceWindow samples ending at the sensed day.
// This cycle's evaluation replaces any stored sample for the same day.
func (l *Ledger) window(ctx context.Context, tx *store.Store, policy hazard.Policy, in Input) ([]Sample, error) {
	load, ok := l.samplers[policy.Kind]
	if !ok {
		return nil, fmt.Errorf("ledger: no sample history for %s", policy.Kind)
	}
	history, err := load(ctx, tx, in.FieldID, in.SensedDay, policy.DebounceWindow)
	if err != nil {
		return nil, fmt.Errorf("load %s history: %w", policy.Kind, err)
	}

	window := make([]Sample, 0, policy.DebounceWindow)
	window = append(window, Sample{Date: in.SensedDay, Met: in.ConditionMet})
	for _, s := range history {
		if len(window) == policy.DebounceWindow {
			break
		}
		if s.Date.Equal(in.SensedDay) {
			continue
		}
		window = append(window, s)
	}
	return window, nil
}

func droughtSamples(ctx context.Context, tx *store.Store, fieldID string, atOrBefore time.Time, limit int) ([]Sample, error) {
	readings, err := tx.RecentIndexReadings(ctx, fieldID, hazard.DroughtIndex, atOrBefore, limit)
	if err != nil {
		return nil, err
	}
	samples := make([]Sample, 0, len(readings))
	for _, r := range readings {
		var v *float64
		if r.Value.Valid {
			v = &r.Value.Float64
		}
		samples = append(samples, Sample{Date: r.Date, Met: hazard.MoistureStressed(v)})
	}
	return samples, nil
}

func pestSamples(ctx context.Context, tx *store.Store, fieldID string, atOrBefore time.Time, limit int) ([]Sample, error) {
	advisories, err := tx.RecentAdvisories(ctx, fieldID, atOrBefore, limit)
	if err != nil {
		return nil, err
	}
	samples := make([]Sample, 0, len(advisories))
	for _, a := range advisories {
		samples = append(samples, Sample{Date: a.SensedDay, Met: hazard.PestConditionMet([]byte(a.RawJSON))})
	}
	return samples, nil
}

// Active returns the active incident for (fieldID, kind), or nil.
func (l *Ledger) Active(ctx context.Context, fieldID string, kind models.HazardKind) (*models.Incident, error) {
	return l.store.ActiveIncident(ctx, fieldID, kind)
}

// History returns recent incidents, retired ones included, newest first.
func (l *Ledger) History(ctx context.Context, fieldID string, kind models.HazardKind, limit int) ([]models.Incident, error) {
	if limit <= 0 {
		limit = 20
	}
	return l.store.ListIncidents(ctx, fieldID, kind, limit)
}
