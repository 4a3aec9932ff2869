package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/lox/croprisk/internal/models"
)

// SaveIndexReadings stores one sensing day's index values. The vendor's -1
// sentinel is stored as NULL. Returns the number of rows written.
func (s *Store) SaveIndexReadings(ctx context.Context, fieldID string, day time.Time, values models.IndexValues) (int, error) {
	indices := make([]string, 0, len(values))
	for k := range values {
		indices = append(indices, k)
	}
	sort.Strings(indices)

	fetchedAt := formatTimestamp(time.Now())
	stored := 0
	for _, index := range indices {
		v := values[index]
		var value sql.NullFloat64
		if v != models.MissingIndexValue {
			value = sql.NullFloat64{Float64: v, Valid: true}
		}
		_, err := s.q.ExecContext(ctx, `
			INSERT INTO index_readings (field_id, index_type, date, value, fetched_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(field_id, index_type, date) DO UPDATE SET
				value = excluded.value,
				fetched_at = excluded.fetched_at
		`, fieldID, index, models.FormatDay(day), value, fetchedAt)
		if err != nil {
			return stored, fmt.Errorf("save %s reading: %w", index, err)
		}
		stored++
	}
	return stored, nil
}

// RecentIndexReadings returns up to limit readings of one index on or before
// atOrBefore, newest first.
func (s *Store) RecentIndexReadings(ctx context.Context, fieldID, index string, atOrBefore time.Time, limit int) ([]models.IndexReading, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT field_id, index_type, date, value
		FROM index_readings
		WHERE field_id = ? AND index_type = ? AND date <= ?
		ORDER BY date DESC
		LIMIT ?
	`, fieldID, index, models.FormatDay(atOrBefore), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var readings []models.IndexReading
	for rows.Next() {
		var r models.IndexReading
		var date string
		if err := rows.Scan(&r.FieldID, &r.IndexType, &date, &r.Value); err != nil {
			return nil, err
		}
		if r.Date, err = models.ParseDay(date); err != nil {
			return nil, fmt.Errorf("reading date: %w", err)
		}
		readings = append(readings, r)
	}
	return readings, rows.Err()
}

// SaveAdvisory stores the advisory for a sensing day, replacing any earlier one.
func (s *Store) SaveAdvisory(ctx context.Context, a models.Advisory) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO advisories (field_id, crop, sensed_day, raw_json, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(field_id, sensed_day) DO UPDATE SET
			crop = excluded.crop,
			raw_json = excluded.raw_json,
			created_at = excluded.created_at
	`, a.FieldID, a.Crop, models.FormatDay(a.SensedDay), a.RawJSON, formatTimestamp(time.Now()))
	return err
}

// RecentAdvisories returns up to limit advisories on or before atOrBefore, newest first.
func (s *Store) RecentAdvisories(ctx context.Context, fieldID string, atOrBefore time.Time, limit int) ([]models.Advisory, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, field_id, crop, sensed_day, raw_json, created_at
		FROM advisories
		WHERE field_id = ? AND sensed_day <= ?
		ORDER BY sensed_day DESC
		LIMIT ?
	`, fieldID, models.FormatDay(atOrBefore), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var advisories []models.Advisory
	for rows.Next() {
		var a models.Advisory
		var day, createdAt string
		if err := rows.Scan(&a.ID, &a.FieldID, &a.Crop, &day, &a.RawJSON, &createdAt); err != nil {
			return nil, err
		}
		if a.SensedDay, err = models.ParseDay(day); err != nil {
			return nil, fmt.Errorf("advisory day: %w", err)
		}
		a.CreatedAt = parseTimestamp(createdAt)
		advisories = append(advisories, a)
	}
	return advisories, rows.Err()
}

// SaveHeatmaps stores the image URL of each image type for a sensing day.
func (s *Store) SaveHeatmaps(ctx context.Context, fieldID string, day time.Time, urls map[string]string) (int, error) {
	types := make([]string, 0, len(urls))
	for k := range urls {
		types = append(types, k)
	}
	sort.Strings(types)

	fetchedAt := formatTimestamp(time.Now())
	stored := 0
	for _, imageType := range types {
		_, err := s.q.ExecContext(ctx, `
			INSERT INTO heatmaps (field_id, image_type, date, image_url, fetched_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(field_id, image_type, date) DO UPDATE SET
				image_url = excluded.image_url,
				fetched_at = excluded.fetched_at
		`, fieldID, imageType, models.FormatDay(day), urls[imageType], fetchedAt)
		if err != nil {
			return stored, fmt.Errorf("save %s heatmap: %w", imageType, err)
		}
		stored++
	}
	return stored, nil
}

// Heatmaps returns the stored image URLs for one sensing day, ordered by image
// type. An empty imageType returns every type.
func (s *Store) Heatmaps(ctx context.Context, fieldID string, day time.Time, imageType string) ([]models.Heatmap, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT field_id, image_type, date, image_url
		FROM heatmaps
		WHERE field_id = ? AND date = ? AND (? = '' OR image_type = ?)
		ORDER BY image_type
	`, fieldID, models.FormatDay(day), imageType, imageType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var heatmaps []models.Heatmap
	for rows.Next() {
		var h models.Heatmap
		var date string
		if err := rows.Scan(&h.FieldID, &h.ImageType, &date, &h.ImageURL); err != nil {
			return nil, err
		}
		if h.Date, err = models.ParseDay(date); err != nil {
			return nil, fmt.Errorf("heatmap date: %w", err)
		}
		heatmaps = append(heatmaps, h)
	}
	return heatmaps, rows.Err()
}

// RecentImageryDates returns up to limit distinct imagery dates strictly
// before the given day, newest first.
func (s *Store) RecentImageryDates(ctx context.Context, fieldID string, before time.Time, limit int) ([]time.Time, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT DISTINCT date
		FROM heatmaps
		WHERE field_id = ? AND date < ?
		ORDER BY date DESC
		LIMIT ?
	`, fieldID, models.FormatDay(before), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var dates []time.Time
	for rows.Next() {
		var date string
		if err := rows.Scan(&date); err != nil {
			return nil, err
		}
		d, err := models.ParseDay(date)
		if err != nil {
			return nil, fmt.Errorf("imagery date: %w", err)
		}
		dates = append(dates, d)
	}
	return dates, rows.Err()
}

// SaveWeather stores a forecast reload. Rows from earlier reloads are kept but
// no longer marked current.
func (s *Store) SaveWeather(ctx context.Context, fieldID string, fetchedAt time.Time, forecast models.WeatherForecast) (int, error) {
	stored := 0
	err := s.InTx(ctx, func(tx *Store) error {
		if _, err := tx.q.ExecContext(ctx,
			`UPDATE weather_days SET is_current = 0 WHERE field_id = ? AND is_current = 1`, fieldID); err != nil {
			return fmt.Errorf("clear current weather: %w", err)
		}

		for i, d := range forecast.Daily {
			date := models.Day(fetchedAt).AddDate(0, 0, i)
			if d.DT > 0 {
				date = models.Day(time.Unix(d.DT, 0).UTC())
			}
			var summary sql.NullString
			if d.Summary != "" {
				summary = sql.NullString{String: d.Summary, Valid: true}
			}
			var tempMin, tempMax sql.NullFloat64
			if d.Temp != nil {
				tempMin = nullFloat(d.Temp.Min)
				tempMax = nullFloat(d.Temp.Max)
			}

			if _, err := tx.q.ExecContext(ctx, `
				INSERT INTO weather_days (field_id, fetched_at, date, is_current, summary, rain, temp_min, temp_max, humidity, pop)
				VALUES (?, ?, ?, 1, ?, ?, ?, ?, ?, ?)
			`, fieldID, formatTimestamp(fetchedAt), models.FormatDay(date), summary,
				nullFloat(d.Rain), tempMin, tempMax, nullFloat(d.Humidity), nullFloat(d.Pop)); err != nil {
				return fmt.Errorf("insert weather day: %w", err)
			}
			stored++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return stored, nil
}

// CurrentWeather returns the latest forecast reload for a field, ordered by date.
func (s *Store) CurrentWeather(ctx context.Context, fieldID string) ([]models.WeatherDay, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, field_id, fetched_at, date, is_current, summary, rain, temp_min, temp_max, humidity, pop
		FROM weather_days
		WHERE field_id = ? AND is_current = 1
		ORDER BY date
	`, fieldID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var days []models.WeatherDay
	for rows.Next() {
		var w models.WeatherDay
		var fetchedAt, date string
		if err := rows.Scan(&w.ID, &w.FieldID, &fetchedAt, &date, &w.IsCurrent, &w.Summary,
			&w.Rain, &w.TempMin, &w.TempMax, &w.Humidity, &w.Pop); err != nil {
			return nil, err
		}
		w.FetchedAt = parseTimestamp(fetchedAt)
		if w.Date, err = models.ParseDay(date); err != nil {
			return nil, fmt.Errorf("weather date: %w", err)
		}
		days = append(days, w)
	}
	return days, rows.Err()
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}
