package store

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"time"
)

// StoreRawPayload archives a compressed vendor response.
// Returns the payload ID, or 0 if the payload was a duplicate (same hash).
func (s *Store) StoreRawPayload(ctx context.Context, runID *int64, endpoint, fieldID string, payload []byte) (int64, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(payload); err != nil {
		return 0, fmt.Errorf("compress payload: %w", err)
	}
	if err := gz.Close(); err != nil {
		return 0, fmt.Errorf("close gzip: %w", err)
	}

	hash := sha256.Sum256(payload)
	hashHex := hex.EncodeToString(hash[:])

	var ingestRunID sql.NullInt64
	if runID != nil {
		ingestRunID = sql.NullInt64{Int64: *runID, Valid: true}
	}

	result, err := s.q.ExecContext(ctx, `
		INSERT INTO raw_payloads
		(ingest_run_id, fetched_at, endpoint, field_id, payload_compressed, payload_hash)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(payload_hash) DO NOTHING
	`, ingestRunID, formatTimestamp(time.Now()), endpoint, fieldID, buf.Bytes(), hashHex)
	if err != nil {
		return 0, fmt.Errorf("insert raw payload: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	return result.LastInsertId()
}

// GetRawPayload retrieves and decompresses a stored payload by ID.
func (s *Store) GetRawPayload(ctx context.Context, id int64) ([]byte, error) {
	var compressed []byte
	err := s.q.QueryRowContext(ctx, `SELECT payload_compressed FROM raw_payloads WHERE id = ?`, id).
		Scan(&compressed)
	if err != nil {
		return nil, err
	}

	gz, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("create gzip reader: %w", err)
	}
	defer gz.Close()

	return io.ReadAll(gz)
}

// CleanupOldRawPayloads deletes raw payloads older than the specified number of days.
// Returns the number of deleted records.
func (s *Store) CleanupOldRawPayloads(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := formatTimestamp(time.Now().AddDate(0, 0, -retentionDays))
	result, err := s.q.ExecContext(ctx, `DELETE FROM raw_payloads WHERE fetched_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
