package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lox/croprisk/internal/models"
)

const incidentColumns = `id, field_id, kind, is_active, date_start, date_current, date_end,
	closest_date_sensed, metadata, version, created_at, updated_at`

// ActiveIncident returns the active incident for (field, kind), or nil if none.
func (s *Store) ActiveIncident(ctx context.Context, fieldID string, kind models.HazardKind) (*models.Incident, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT `+incidentColumns+`
		FROM incidents
		WHERE field_id = ? AND kind = ? AND is_active = 1
	`, fieldID, string(kind))

	inc, err := scanIncident(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	return inc, nil
}

// ListIncidents returns the most recent incidents for a field, newest first,
// including retired ones. An empty kind matches every kind.
func (s *Store) ListIncidents(ctx context.Context, fieldID string, kind models.HazardKind, limit int) ([]models.Incident, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+incidentColumns+`
		FROM incidents
		WHERE field_id = ? AND (? = '' OR kind = ?)
		ORDER BY date_start DESC, id DESC
		LIMIT ?
	`, fieldID, string(kind), string(kind), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var incidents []models.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		incidents = append(incidents, *inc)
	}
	return incidents, rows.Err()
}

// InsertIncident stores a new incident and fills in its ID and version.
// A second active incident for the same (field, kind) yields ErrConflict.
func (s *Store) InsertIncident(ctx context.Context, inc *models.Incident) error {
	meta, err := json.Marshal(inc.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	now := time.Now().UTC()

	result, err := s.q.ExecContext(ctx, `
		INSERT INTO incidents (field_id, kind, is_active, date_start, date_current, date_end,
			closest_date_sensed, metadata, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
	`, inc.FieldID, string(inc.Kind), inc.IsActive,
		models.FormatDay(inc.DateStart), models.FormatDay(inc.DateCurrent), models.FormatDay(inc.DateEnd),
		nullDay(inc.ClosestDateSensed), string(meta), formatTimestamp(now), formatTimestamp(now))
	if err != nil {
		return classify(fmt.Errorf("insert incident: %w", err))
	}

	inc.ID, err = result.LastInsertId()
	if err != nil {
		return err
	}
	inc.Version = 1
	inc.CreatedAt = now
	inc.UpdatedAt = now
	return nil
}

// UpdateIncident writes inc back if its version is still current and bumps it.
// A stale version yields ErrConflict.
func (s *Store) UpdateIncident(ctx context.Context, inc *models.Incident) error {
	meta, err := json.Marshal(inc.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	now := time.Now().UTC()

	result, err := s.q.ExecContext(ctx, `
		UPDATE incidents SET
			is_active = ?,
			date_start = ?,
			date_current = ?,
			date_end = ?,
			closest_date_sensed = ?,
			metadata = ?,
			version = version + 1,
			updated_at = ?
		WHERE id = ? AND version = ?
	`, inc.IsActive,
		models.FormatDay(inc.DateStart), models.FormatDay(inc.DateCurrent), models.FormatDay(inc.DateEnd),
		nullDay(inc.ClosestDateSensed), string(meta), formatTimestamp(now), inc.ID, inc.Version)
	if err != nil {
		return classify(fmt.Errorf("update incident %d: %w", inc.ID, err))
	}

	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: incident %d version %d is stale", ErrConflict, inc.ID, inc.Version)
	}
	inc.Version++
	inc.UpdatedAt = now
	return nil
}

func scanIncident(r rowScanner) (*models.Incident, error) {
	var (
		inc                             models.Incident
		kind, start, current, end, meta string
		closest                         sql.NullString
		createdAt, updatedAt            string
	)
	if err := r.Scan(&inc.ID, &inc.FieldID, &kind, &inc.IsActive, &start, &current, &end,
		&closest, &meta, &inc.Version, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	inc.Kind = models.HazardKind(kind)
	var err error
	if inc.DateStart, err = models.ParseDay(start); err != nil {
		return nil, fmt.Errorf("incident %d date_start: %w", inc.ID, err)
	}
	if inc.DateCurrent, err = models.ParseDay(current); err != nil {
		return nil, fmt.Errorf("incident %d date_current: %w", inc.ID, err)
	}
	if inc.DateEnd, err = models.ParseDay(end); err != nil {
		return nil, fmt.Errorf("incident %d date_end: %w", inc.ID, err)
	}
	if closest.Valid {
		if inc.ClosestDateSensed, err = models.ParseDay(closest.String); err != nil {
			return nil, fmt.Errorf("incident %d closest_date_sensed: %w", inc.ID, err)
		}
	}
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &inc.Metadata); err != nil {
			return nil, fmt.Errorf("incident %d metadata: %w", inc.ID, err)
		}
	}
	inc.CreatedAt = parseTimestamp(createdAt)
	inc.UpdatedAt = parseTimestamp(updatedAt)
	return &inc, nil
}

func nullDay(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: models.FormatDay(t), Valid: true}
}
