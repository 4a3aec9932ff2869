// Package ledger maintains at most one active crop loss incident per
// (field, hazard kind) and moves it through create, extend and retire.
package ledger

import (
	"time"

	"github.com/lox/croprisk/internal/hazard"
	"github.com/lox/croprisk/internal/models"
)

type Action string

const (
	ActionNone     Action = "none"     // nothing active, condition not met
	ActionObserved Action = "observed" // condition met but not yet confirmed by enough samples
	ActionCreated  Action = "created"
	ActionExtended Action = "extended"
	ActionHeld     Action = "held" // active, condition not met, not yet retired
	ActionRetired  Action = "retired"
)

// Sample is one historical evaluation of a hazard predicate.
type Sample struct {
	Date time.Time
	Met  bool
}

// Input is everything a single transition needs.
type Input struct {
	FieldID      string
	ConditionMet bool
	SensedDay    time.Time
	Today        time.Time

	// Window holds the most recent samples at or before SensedDay, newest
	// first, including this cycle's. Only read for debounced creation.
	Window []Sample

	// ImageryDates are the field's imagery dates strictly before SensedDay,
	// newest first. Only read for debounced creation.
	ImageryDates []time.Time
}

// Decision is the outcome of Step. Incident is the record to persist and is
// nil for ActionNone and ActionObserved.
type Decision struct {
	Action   Action
	Incident *models.Incident
}

// Step applies one cycle of the incident state machine. It never mutates current.
func Step(p hazard.Policy, current *models.Incident, in Input) Decision {
	today := models.Day(in.Today)
	sensed := models.Day(in.SensedDay)

	if current == nil {
		if !in.ConditionMet {
			return Decision{Action: ActionNone}
		}
		if !p.Debounced() {
			return Decision{Action: ActionCreated, Incident: open(p, in.FieldID, sensed, sensed, today, 1)}
		}
		if !confirmed(in.Window, p.DebounceWindow) {
			return Decision{Action: ActionObserved}
		}
		start := backdate(in.ImageryDates, in.Window[:p.DebounceWindow], sensed)
		return Decision{Action: ActionCreated, Incident: open(p, in.FieldID, start, sensed, today, p.DebounceWindow)}
	}

	inc := *current
	inc.DateCurrent = today
	action := ActionHeld

	switch {
	case in.ConditionMet:
		if end := today.AddDate(0, 0, p.ExtendDays); end.After(inc.DateEnd) {
			inc.DateEnd = end
		}
		if p.TracksStreaks() {
			inc.Metadata.ConsecutiveMissVisits = 0
			inc.Metadata.ConsecutiveHitVisits++
			inc.Metadata.TotalVisits++
		}
		action = ActionExtended

	case p.Retirement.Mode == hazard.RetireAfterGrace:
		if models.DaysBetween(inc.DateEnd, today) > p.Retirement.Threshold {
			inc.IsActive = false
			action = ActionRetired
		}

	default:
		inc.Metadata.ConsecutiveHitVisits = 0
		inc.Metadata.ConsecutiveMissVisits++
		if inc.Metadata.ConsecutiveMissVisits >= p.Retirement.Threshold {
			inc.IsActive = false
			action = ActionRetired
		} else {
			inc.Metadata.TotalVisits++
		}
	}

	inc.ClosestDateSensed = closer(inc.ClosestDateSensed, sensed, inc.DateEnd)
	return Decision{Action: action, Incident: &inc}
}

func open(p hazard.Policy, fieldID string, start, sensed, today time.Time, hits int) *models.Incident {
	inc := &models.Incident{
		FieldID:           fieldID,
		Kind:              p.Kind,
		IsActive:          true,
		DateStart:         start,
		DateCurrent:       today,
		DateEnd:           today.AddDate(0, 0, p.ExtendDays),
		ClosestDateSensed: sensed,
	}
	if p.TracksStreaks() {
		inc.Metadata = models.IncidentMetadata{
			ConsecutiveHitVisits: hits,
			TotalVisits:          hits,
		}
	}
	return inc
}

// confirmed reports whether the newest n samples all satisfy the predicate.
func confirmed(window []Sample, n int) bool {
	if len(window) < n {
		return false
	}
	for _, s := range window[:n] {
		if !s.Met {
			return false
		}
	}
	return true
}

// backdate picks the start of a debounced incident: the second most recent
// imagery date before sensed, else the earliest confirming sample, else sensed.
func backdate(imagery []time.Time, confirming []Sample, sensed time.Time) time.Time {
	if len(imagery) >= 2 {
		return models.Day(imagery[1])
	}
	if len(confirming) > 0 {
		earliest := models.Day(confirming[0].Date)
		for _, s := range confirming[1:] {
			if d := models.Day(s.Date); d.Before(earliest) {
				earliest = d
			}
		}
		return earliest
	}
	return sensed
}

// closer returns whichever of stored and candidate is nearer to ref. Ties keep stored.
func closer(stored, candidate, ref time.Time) time.Time {
	if stored.IsZero() {
		return candidate
	}
	if absDays(candidate, ref) < absDays(stored, ref) {
		return candidate
	}
	return stored
}

func absDays(a, b time.Time) int {
	d := models.DaysBetween(a, b)
	if d < 0 {
		return -d
	}
	return d
}
