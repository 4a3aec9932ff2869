package store

import (
	"context"
	"database/sql"
	"time"
)

// IngestRun is the audit record of a single vendor fetch.
type IngestRun struct {
	ID                int64
	CycleID           string
	StartedAt         time.Time
	FinishedAt        time.Time
	FieldID           string
	Endpoint          string // "getSensedDays", "getAllIndexValues", ...
	HTTPStatus        sql.NullInt64
	ResponseSizeBytes sql.NullInt64
	RecordsStored     sql.NullInt64
	Success           bool
	ErrorMessage      sql.NullString
	PayloadID         sql.NullInt64 // archived response, if one was kept
}

// StartIngestRun creates a new ingest run record and returns it.
func (s *Store) StartIngestRun(ctx context.Context, cycleID, fieldID, endpoint string) (*IngestRun, error) {
	run := &IngestRun{
		CycleID:   cycleID,
		StartedAt: time.Now().UTC(),
		FieldID:   fieldID,
		Endpoint:  endpoint,
	}

	result, err := s.q.ExecContext(ctx, `
		INSERT INTO ingest_runs (cycle_id, started_at, field_id, endpoint, success)
		VALUES (?, ?, ?, ?, 0)
	`, run.CycleID, formatTimestamp(run.StartedAt), run.FieldID, run.Endpoint)
	if err != nil {
		return nil, err
	}

	run.ID, err = result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return run, nil
}

// CompleteIngestRun records the outcome of a run. A nil run is ignored.
func (s *Store) CompleteIngestRun(ctx context.Context, run *IngestRun) error {
	if run == nil {
		return nil
	}

	run.FinishedAt = time.Now().UTC()

	_, err := s.q.ExecContext(ctx, `
		UPDATE ingest_runs SET
			finished_at = ?,
			http_status = ?,
			response_size_bytes = ?,
			records_stored = ?,
			duration_ms = ?,
			success = ?,
			error_message = ?
		WHERE id = ?
	`, formatTimestamp(run.FinishedAt), run.HTTPStatus, run.ResponseSizeBytes, run.RecordsStored,
		run.FinishedAt.Sub(run.StartedAt).Milliseconds(), run.Success, run.ErrorMessage, run.ID)
	return err
}

// RecentIngestRuns returns the latest runs for a field, newest first.
func (s *Store) RecentIngestRuns(ctx context.Context, fieldID string, limit int) ([]IngestRun, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, COALESCE(cycle_id, ''), started_at, COALESCE(finished_at, ''), field_id, endpoint,
		       http_status, response_size_bytes, records_stored, success, error_message,
		       (SELECT MIN(id) FROM raw_payloads WHERE ingest_run_id = ingest_runs.id)
		FROM ingest_runs
		WHERE field_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, fieldID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []IngestRun
	for rows.Next() {
		var r IngestRun
		var startedAt, finishedAt string
		if err := rows.Scan(&r.ID, &r.CycleID, &startedAt, &finishedAt, &r.FieldID, &r.Endpoint,
			&r.HTTPStatus, &r.ResponseSizeBytes, &r.RecordsStored, &r.Success, &r.ErrorMessage, &r.PayloadID); err != nil {
			return nil, err
		}
		r.StartedAt = parseTimestamp(startedAt)
		r.FinishedAt = parseTimestamp(finishedAt)
		results = append(results, r)
	}
	return results, rows.Err()
}
