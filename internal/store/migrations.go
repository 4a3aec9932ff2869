package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "Fields and incidents",
		SQL: `
CREATE TABLE IF NOT EXISTS fields (
    field_id TEXT PRIMARY KEY,
    name TEXT NOT NULL DEFAULT '',
    crop TEXT NOT NULL DEFAULT '',
    last_sensed_day TEXT,
    created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS incidents (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    field_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    is_active INTEGER NOT NULL DEFAULT 1,
    date_start TEXT NOT NULL,
    date_current TEXT NOT NULL,
    date_end TEXT NOT NULL,
    closest_date_sensed TEXT,
    metadata TEXT NOT NULL DEFAULT '{}',
    version INTEGER NOT NULL DEFAULT 1,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_incidents_one_active
    ON incidents(field_id, kind) WHERE is_active = 1;
CREATE INDEX IF NOT EXISTS idx_incidents_field_kind ON incidents(field_id, kind, date_start);
`,
	},
	{
		Version:     2,
		Description: "Sensing signals",
		SQL: `
CREATE TABLE IF NOT EXISTS index_readings (
    field_id TEXT NOT NULL,
    index_type TEXT NOT NULL,
    date TEXT NOT NULL,
    value REAL,
    fetched_at TEXT NOT NULL,
    PRIMARY KEY (field_id, index_type, date)
);

CREATE TABLE IF NOT EXISTS advisories (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    field_id TEXT NOT NULL,
    crop TEXT NOT NULL DEFAULT '',
    sensed_day TEXT NOT NULL,
    raw_json TEXT NOT NULL,
    created_at TEXT NOT NULL,
    UNIQUE(field_id, sensed_day)
);

CREATE TABLE IF NOT EXISTS heatmaps (
    field_id TEXT NOT NULL,
    image_type TEXT NOT NULL,
    date TEXT NOT NULL,
    image_url TEXT NOT NULL,
    fetched_at TEXT NOT NULL,
    PRIMARY KEY (field_id, image_type, date)
);

CREATE INDEX IF NOT EXISTS idx_heatmaps_field_date ON heatmaps(field_id, date);
`,
	},
	{
		Version:     3,
		Description: "Weather forecast days",
		SQL: `
CREATE TABLE IF NOT EXISTS weather_days (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    field_id TEXT NOT NULL,
    fetched_at TEXT NOT NULL,
    date TEXT NOT NULL,
    is_current INTEGER NOT NULL DEFAULT 1,
    summary TEXT,
    rain REAL,
    temp_min REAL,
    temp_max REAL,
    humidity REAL,
    pop REAL
);

CREATE INDEX IF NOT EXISTS idx_weather_days_field ON weather_days(field_id, is_current, date);
`,
	},
	{
		Version:     4,
		Description: "Raw payload archive and ingest audit",
		SQL: `
CREATE TABLE IF NOT EXISTS ingest_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    cycle_id TEXT,
    started_at TEXT NOT NULL,
    finished_at TEXT,
    field_id TEXT NOT NULL,
    endpoint TEXT NOT NULL,
    http_status INTEGER,
    response_size_bytes INTEGER,
    records_stored INTEGER,
    duration_ms INTEGER,
    success INTEGER NOT NULL DEFAULT 0,
    error_message TEXT
);

CREATE INDEX IF NOT EXISTS idx_ingest_runs_started ON ingest_runs(started_at);

CREATE TABLE IF NOT EXISTS raw_payloads (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    ingest_run_id INTEGER,
    fetched_at TEXT NOT NULL,
    endpoint TEXT NOT NULL,
    field_id TEXT NOT NULL,
    payload_compressed BLOB NOT NULL,
    payload_hash TEXT NOT NULL UNIQUE
);

CREATE INDEX IF NOT EXISTS idx_raw_payloads_fetched ON raw_payloads(fetched_at);
`,
	},
}

func (s *Store) Migrate(ctx context.Context) error {
	if err := s.ensureMigrationsTable(ctx); err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}

	applied, err := s.getAppliedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("get applied migrations: %w", err)
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}

		s.logger.Info("migrations: applying", "version", m.Version, "description", m.Description)

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}

		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute migration %d: %w", m.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)",
			m.Version, m.Description, formatTimestamp(time.Now()),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

func (s *Store) ensureMigrationsTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT,
			applied_at TEXT
		)
	`)
	return err
}

func (s *Store) getAppliedMigrations(ctx context.Context) (map[int]bool, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (s *Store) MigrationVersion(ctx context.Context) (int, error) {
	var version sql.NullInt64
	err := s.db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}
