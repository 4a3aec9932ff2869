package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrConflict is returned when a write loses a race: a second active
	// incident for the same (field, kind), a stale version, or a busy database.
	ErrConflict = errors.New("store: write conflict")

	ErrFieldNotFound = errors.New("store: field not found")
)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Store struct {
	db     *sql.DB
	q      queryer
	logger *slog.Logger
}

func New(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{db: db, q: db, logger: logger}
}

// Open opens a SQLite database with WAL and a busy timeout on every pooled connection.
func Open(path string) (*sql.DB, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InTx runs fn against a Store bound to a single transaction. The transaction
// commits if fn returns nil and rolls back otherwise.
func (s *Store) InTx(ctx context.Context, fn func(tx *Store) error) error {
	if _, nested := s.q.(*sql.Tx); nested {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("begin tx: %w", err))
	}

	if err := fn(&Store{db: s.db, q: tx, logger: s.logger}); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// classify maps SQLite contention and uniqueness failures onto ErrConflict.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return err
	}
	code := se.Code()
	switch {
	case code == sqlite3.SQLITE_CONSTRAINT_UNIQUE,
		code&0xff == sqlite3.SQLITE_BUSY,
		code&0xff == sqlite3.SQLITE_LOCKED:
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

const timestampLayout = "2006-01-02 15:04:05"

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func parseTimestamp(s string) time.Time {
	if len(s) > len(timestampLayout) {
		s = s[:len(timestampLayout)]
	}
	t, err := time.Parse(timestampLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
