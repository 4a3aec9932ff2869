package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lox/croprisk/internal/models"
)

// UpsertField registers a field or updates its name and crop. The sensing
// watermark is left alone.
func (s *Store) UpsertField(ctx context.Context, f models.Field) error {
	now := formatTimestamp(time.Now())
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO fields (field_id, name, crop, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(field_id) DO UPDATE SET
			name = excluded.name,
			crop = excluded.crop,
			updated_at = excluded.updated_at
	`, f.FieldID, f.Name, f.Crop, now, now)
	return err
}

func (s *Store) GetField(ctx context.Context, fieldID string) (*models.Field, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT field_id, name, crop, last_sensed_day, created_at, updated_at
		FROM fields WHERE field_id = ?
	`, fieldID)

	f, err := scanField(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrFieldNotFound, fieldID)
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (s *Store) ListFields(ctx context.Context) ([]models.Field, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT field_id, name, crop, last_sensed_day, created_at, updated_at
		FROM fields ORDER BY field_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fields []models.Field
	for rows.Next() {
		f, err := scanField(rows)
		if err != nil {
			return nil, err
		}
		fields = append(fields, *f)
	}
	return fields, rows.Err()
}

// SetLastSensedDay advances the field's sensing watermark.
func (s *Store) SetLastSensedDay(ctx context.Context, fieldID, day string) error {
	result, err := s.q.ExecContext(ctx, `
		UPDATE fields SET last_sensed_day = ?, updated_at = ? WHERE field_id = ?
	`, day, formatTimestamp(time.Now()), fieldID)
	if err != nil {
		return classify(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrFieldNotFound, fieldID)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanField(r rowScanner) (*models.Field, error) {
	var f models.Field
	var createdAt, updatedAt string
	if err := r.Scan(&f.FieldID, &f.Name, &f.Crop, &f.LastSensedDay, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	f.CreatedAt = parseTimestamp(createdAt)
	f.UpdatedAt = parseTimestamp(updatedAt)
	return &f, nil
}
