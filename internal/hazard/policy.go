package hazard

import (
	"fmt"

	"github.com/lox/croprisk/internal/models"
)

type RetirementMode string

const (
	// RetireOnStreak closes an incident after Threshold consecutive misses.
	RetireOnStreak RetirementMode = "streak"
	// RetireAfterGrace closes an incident once today is more than
	// Threshold days past its date_end.
	RetireAfterGrace RetirementMode = "grace_days"
)

type Retirement struct {
	Mode      RetirementMode
	Threshold int
}

func (r Retirement) String() string {
	return fmt.Sprintf("%s(%d)", r.Mode, r.Threshold)
}

// Policy describes how the ledger treats one hazard kind.
type Policy struct {
	Kind           models.HazardKind
	DebounceWindow int // consecutive confirming samples needed to open an incident; 0 opens immediately
	ExtendDays     int // date_end is pushed to today+ExtendDays on every confirming cycle
	Retirement     Retirement
}

// Debounced reports whether creation is gated on sample history.
func (p Policy) Debounced() bool {
	return p.DebounceWindow > 0
}

// TracksStreaks reports whether the incident keeps visit counters.
func (p Policy) TracksStreaks() bool {
	return p.Retirement.Mode == RetireOnStreak
}

var Policies = map[models.HazardKind]Policy{
	models.HazardFlood: {
		Kind:       models.HazardFlood,
		ExtendDays: 3,
		Retirement: Retirement{Mode: RetireAfterGrace, Threshold: 4},
	},
	models.HazardDrought: {
		Kind:           models.HazardDrought,
		DebounceWindow: 4,
		ExtendDays:     30,
		Retirement:     Retirement{Mode: RetireOnStreak, Threshold: 4},
	},
	models.HazardPest: {
		Kind:           models.HazardPest,
		DebounceWindow: 4,
		ExtendDays:     3,
		Retirement:     Retirement{Mode: RetireOnStreak, Threshold: 4},
	},
}

// Known reports whether kind has a policy.
func Known(kind models.HazardKind) bool {
	_, ok := Policies[kind]
	return ok
}

func PolicyFor(kind models.HazardKind) (Policy, error) {
	p, ok := Policies[kind]
	if !ok {
		return Policy{}, fmt.Errorf("unknown hazard kind %q", kind)
	}
	return p, nil
}
