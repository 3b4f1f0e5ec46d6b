// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Persists the monitored set and the ownership decision log with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS monitored_targets (
			target_id   TEXT PRIMARY KEY,
			acquired_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS ownership_decisions (
			correlation_id TEXT PRIMARY KEY,
			target_id      TEXT NOT NULL,
			outcome        TEXT NOT NULL,
			decided_at     TEXT NOT NULL,

			CHECK (outcome IN ('granted', 'denied', 'session_lost', 'cancelled', 'yielded'))
		);

		CREATE INDEX IF NOT EXISTS idx_decisions_decided_at
			ON ownership_decisions(decided_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// SaveTarget inserts a target or refreshes its acquisition time.
func (s *SQLiteStore) SaveTarget(ctx context.Context, target Target) error {
	if target.ID == "" {
		return fmt.Errorf("saving target: empty id")
	}
	if target.AcquiredAt.IsZero() {
		target.AcquiredAt = time.Now()
	}

	query := `
		INSERT INTO monitored_targets (target_id, acquired_at)
		VALUES (?, ?)
		ON CONFLICT(target_id) DO UPDATE SET acquired_at = excluded.acquired_at
	`
	if _, err := s.db.ExecContext(ctx, query, target.ID, formatTime(target.AcquiredAt)); err != nil {
		return fmt.Errorf("saving target %s: %w", target.ID, err)
	}
	return nil
}

// DeleteTarget removes a target. Absent targets are ignored.
func (s *SQLiteStore) DeleteTarget(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM monitored_targets WHERE target_id = ?`, id); err != nil {
		return fmt.Errorf("deleting target %s: %w", id, err)
	}
	return nil
}

// ListTargets returns all monitored targets ordered by ID.
func (s *SQLiteStore) ListTargets(ctx context.Context) ([]Target, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT target_id, acquired_at
		FROM monitored_targets
		ORDER BY target_id
	`)
	if err != nil {
		return nil, fmt.Errorf("querying targets: %w", err)
	}
	defer rows.Close()

	var targets []Target
	for rows.Next() {
		var t Target
		var acquiredAt string
		if err := rows.Scan(&t.ID, &acquiredAt); err != nil {
			return nil, fmt.Errorf("scanning target: %w", err)
		}
		if t.AcquiredAt, err = parseTime(acquiredAt); err != nil {
			return nil, fmt.Errorf("parsing acquired_at for %s: %w", t.ID, err)
		}
		targets = append(targets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating targets: %w", err)
	}
	return targets, nil
}

// RecordDecision appends a decision to the log.
// Returns ErrDuplicateDecision if the correlation id is already recorded.
func (s *SQLiteStore) RecordDecision(ctx context.Context, d *Decision) error {
	if !validOutcome(d.Outcome) {
		return fmt.Errorf("recording decision %s: unknown outcome %q", d.CorrelationID, d.Outcome)
	}
	if d.DecidedAt.IsZero() {
		d.DecidedAt = time.Now()
	}

	query := `
		INSERT INTO ownership_decisions (correlation_id, target_id, outcome, decided_at)
		VALUES (?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query, d.CorrelationID, d.Target, d.Outcome, formatTime(d.DecidedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateDecision
		}
		return fmt.Errorf("recording decision %s: %w", d.CorrelationID, err)
	}
	return nil
}

// RecentDecisions returns up to limit decisions, newest first.
func (s *SQLiteStore) RecentDecisions(ctx context.Context, limit int) ([]Decision, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT correlation_id, target_id, outcome, decided_at
		FROM ownership_decisions
		ORDER BY decided_at DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying decisions: %w", err)
	}
	defer rows.Close()

	var decisions []Decision
	for rows.Next() {
		var d Decision
		var decidedAt string
		if err := rows.Scan(&d.CorrelationID, &d.Target, &d.Outcome, &decidedAt); err != nil {
			return nil, fmt.Errorf("scanning decision: %w", err)
		}
		if d.DecidedAt, err = parseTime(decidedAt); err != nil {
			return nil, fmt.Errorf("parsing decided_at for %s: %w", d.CorrelationID, err)
		}
		decisions = append(decisions, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating decisions: %w", err)
	}
	return decisions, nil
}

// Fixed-width UTC timestamps so that text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}
