package models

import (
	"database/sql"
	"encoding/json"
	"time"
)

type Field struct {
	FieldID       string
	Name          string
	Crop          string
	LastSensedDay sql.NullString // as delivered by the vendor, e.g. "20251029"
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type HazardKind string

const (
	HazardFlood   HazardKind = "flood"
	HazardDrought HazardKind = "drought"
	HazardPest    HazardKind = "pest"
)

// HazardKinds is the ledger evaluation order. Each kind needs an entry in
// hazard.Policies, which decides whether a kind is supported.
var HazardKinds = []HazardKind{HazardFlood, HazardDrought, HazardPest}

// Incident is one crop loss window for a (field, kind) pair.
type Incident struct {
	ID                int64
	FieldID           string
	Kind              HazardKind
	IsActive          bool
	DateStart         time.Time
	DateCurrent       time.Time
	DateEnd           time.Time
	ClosestDateSensed time.Time
	Metadata          IncidentMetadata
	Version           int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// IncidentMetadata holds the visit streaks used by streak-gated kinds.
// Kinds without streaks leave it zero and it serializes as an empty object.
// A streak incident always has TotalVisits > 0, so every counter is written.
type IncidentMetadata struct {
	ConsecutiveHitVisits  int `json:"consecutive_hit_visits"`
	ConsecutiveMissVisits int `json:"consecutive_miss_visits"`
	TotalVisits           int `json:"total_visits"`
}

func (m IncidentMetadata) MarshalJSON() ([]byte, error) {
	if m == (IncidentMetadata{}) {
		return []byte("{}"), nil
	}
	type plain IncidentMetadata
	return json.Marshal(plain(m))
}

type IndexReading struct {
	FieldID   string
	IndexType string // "ndmi", "ndvi", ...
	Date      time.Time
	Value     sql.NullFloat64
}

// IndexValues is one sensing day's index payload keyed by index type.
// Absent indices are reported by the vendor as MissingIndexValue.
type IndexValues map[string]float64

const MissingIndexValue = -1.0

// Get returns the value for an index, or MissingIndexValue if absent.
func (v IndexValues) Get(index string) float64 {
	if val, ok := v[index]; ok {
		return val
	}
	return MissingIndexValue
}

type Advisory struct {
	ID        int64
	FieldID   string
	Crop      string
	SensedDay time.Time
	RawJSON   string
	CreatedAt time.Time
}

type Heatmap struct {
	FieldID   string
	ImageType string
	Date      time.Time
	ImageURL  string
}

// WeatherForecast is the vendor's forecast payload. Only the fields the
// service reads are decoded; everything else stays in the raw payload.
type WeatherForecast struct {
	Daily []WeatherDaily `json:"daily"`
}

type WeatherDaily struct {
	DT       int64    `json:"dt"`
	Summary  string   `json:"summary"`
	Rain     *float64 `json:"rain"`
	Humidity *float64 `json:"humidity"`
	Pop      *float64 `json:"pop"`
	Temp     *struct {
		Min *float64 `json:"min"`
		Max *float64 `json:"max"`
	} `json:"temp"`
}

type WeatherDay struct {
	ID        int64
	FieldID   string
	FetchedAt time.Time
	Date      time.Time
	IsCurrent bool
	Summary   sql.NullString
	Rain      sql.NullFloat64
	TempMin   sql.NullFloat64
	TempMax   sql.NullFloat64
	Humidity  sql.NullFloat64
	Pop       sql.NullFloat64
}
