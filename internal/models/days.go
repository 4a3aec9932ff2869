package models

import (
	"fmt"
	"strings"
	"time"
)

const (
	// DayLayout is how calendar days are stored.
	DayLayout = "2006-01-02"
	// SensedDayLayout is the vendor's compact form.
	SensedDayLayout = "20060102"
)

// Day truncates t to midnight UTC of its calendar date in t's own location.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns the whole calendar days from a to b (negative if b is earlier).
func DaysBetween(a, b time.Time) int {
	return int(Day(b).Sub(Day(a)).Hours() / 24)
}

// NormalizeSensedDay reduces "2025-10-29", "2025/10/29" or "20251029" to "20251029".
func NormalizeSensedDay(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "-", "")
	s = strings.ReplaceAll(s, "/", "")
	if len(s) > 8 {
		s = s[:8]
	}
	return s
}

func ParseSensedDay(s string) (time.Time, error) {
	t, err := time.Parse(SensedDayLayout, NormalizeSensedDay(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("parse sensed day %q: %w", s, err)
	}
	return t, nil
}

func FormatDay(t time.Time) string {
	return Day(t).Format(DayLayout)
}

func ParseDay(s string) (time.Time, error) {
	// SQLite may hand back a full timestamp for legacy rows.
	if len(s) > len(DayLayout) {
		s = s[:len(DayLayout)]
	}
	return time.Parse(DayLayout, s)
}
