// Package datastore provides persistence for the session audit log.
package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/NicolasHaas/gorelay/pkg/model"
)

const (
	dbTimeLayout      = "2006-01-02 15:04:05.999999999"
	dbTimeParseLayout = "2006-01-02 15:04:05" // fractional seconds are accepted when parsing
)

var ErrEmptyRunID = errors.New("datastore: run id must not be empty")

// Store is the SQLite-backed DataStore.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite database and runs migrations.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("datastore: open db: %w", err)
	}

	ctx := context.Background()

	// Enable WAL mode for better concurrent read performance
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: set WAL: %w", err)
	}
	// Set busy timeout to avoid "database is locked" under concurrency
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: set busy_timeout: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	migrations := []struct {
		version    int
		statements []string
	}{
		{
			version: 1,
			statements: []string{`
			CREATE TABLE IF NOT EXISTS sessions (
				id              INTEGER PRIMARY KEY AUTOINCREMENT,
				run_id          TEXT    NOT NULL CHECK(length(run_id) > 0),
				identity        INTEGER NOT NULL CHECK(identity >= 0),
				username        TEXT    NOT NULL,
				remote_addr     TEXT    NOT NULL DEFAULT '',
				connected_at    TEXT    NOT NULL,
				disconnected_at TEXT,
				reason          TEXT    NOT NULL DEFAULT '',
				UNIQUE(run_id, identity)
			)`,
			},
		},
		{
			version: 2,
			statements: []string{
				"ALTER TABLE sessions ADD COLUMN transport TEXT NOT NULL DEFAULT 'tcp'",
				"CREATE INDEX IF NOT EXISTS idx_sessions_open ON sessions(disconnected_at) WHERE disconnected_at IS NULL",
			},
		},
	}

	if _, err := s.db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL)"); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		return fmt.Errorf("check schema_migrations: %w", err)
	}
	if count == 0 {
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (0)"); err != nil {
			return fmt.Errorf("init schema_migrations: %w", err)
		}
	}
	var current int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_migrations LIMIT 1").Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		for _, stmt := range m.statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("version %d: %w", m.version, err)
			}
		}
		if _, err := tx.ExecContext(ctx, "UPDATE schema_migrations SET version = ?", m.version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("update schema version: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

func formatDBTime(t time.Time) string {
	return t.UTC().Format(dbTimeLayout)
}

func parseDBTime(value string) (time.Time, error) {
	return time.ParseInLocation(dbTimeParseLayout, value, time.UTC)
}

// ---- Sessions ----

// CreateSession inserts an open session record.
func (s *Store) CreateSession(rec *model.SessionRecord) error {
	if rec.RunID == "" {
		return ErrEmptyRunID
	}
	if rec.ConnectedAt.IsZero() {
		rec.ConnectedAt = time.Now().UTC()
	}
	if rec.Transport == "" {
		rec.Transport = model.TransportTCP
	}
	res, err := s.db.ExecContext(context.Background(),
		"INSERT INTO sessions (run_id, identity, username, remote_addr, transport, connected_at) VALUES (?, ?, ?, ?, ?, ?)",
		rec.RunID, rec.Identity, rec.Username, rec.RemoteAddr, rec.Transport, formatDBTime(rec.ConnectedAt))
	if err != nil {
		return fmt.Errorf("datastore: create session: %w", err)
	}
	rec.ID, _ = res.LastInsertId()
	return nil
}

// CloseSession sets disconnected_at and reason on an open record.
func (s *Store) CloseSession(runID string, identity int64, reason model.DisconnectReason, at time.Time) error {
	_, err := s.db.ExecContext(context.Background(),
		"UPDATE sessions SET disconnected_at = ?, reason = ? WHERE run_id = ? AND identity = ? AND disconnected_at IS NULL",
		formatDBTime(at), reason.String(), runID, identity)
	if err != nil {
		return fmt.Errorf("datastore: close session: %w", err)
	}
	return nil
}

// CloseStaleSessions closes records left open by earlier runs.
func (s *Store) CloseStaleSessions(runID string, reason model.DisconnectReason, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(context.Background(),
		"UPDATE sessions SET disconnected_at = ?, reason = ? WHERE run_id <> ? AND disconnected_at IS NULL",
		formatDBTime(at), reason.String(), runID)
	if err != nil {
		return 0, fmt.Errorf("datastore: close stale sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

const sessionColumns = "id, run_id, identity, username, remote_addr, transport, connected_at, disconnected_at, reason"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*model.SessionRecord, error) {
	var rec model.SessionRecord
	var connectedAt, reason string
	var disconnectedAt sql.NullString
	if err := row.Scan(&rec.ID, &rec.RunID, &rec.Identity, &rec.Username, &rec.RemoteAddr,
		&rec.Transport, &connectedAt, &disconnectedAt, &reason); err != nil {
		return nil, err
	}
	t, err := parseDBTime(connectedAt)
	if err != nil {
		return nil, err
	}
	rec.ConnectedAt = t
	if disconnectedAt.Valid {
		if rec.DisconnectedAt, err = parseDBTime(disconnectedAt.String); err != nil {
			return nil, err
		}
	}
	rec.Reason = model.ParseDisconnectReason(reason)
	return &rec, nil
}

// GetSession retrieves one record.
func (s *Store) GetSession(runID string, identity int64) (*model.SessionRecord, error) {
	row := s.db.QueryRowContext(context.Background(),
		"SELECT "+sessionColumns+" FROM sessions WHERE run_id = ? AND identity = ?", runID, identity)
	rec, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: get session: %w", err)
	}
	return rec, nil
}

// ListSessions returns matching records ordered by id, newest first.
func (s *Store) ListSessions(filters model.SessionFilters) ([]model.SessionRecord, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM sessions
		WHERE (? IS NULL OR run_id = ?)
		AND (? IS NULL OR username = ?)
		AND (? = 0 OR disconnected_at IS NULL)
		ORDER BY id DESC
		LIMIT COALESCE(?, 100)
		OFFSET COALESCE(?, 0)
	`
	openOnly := 0
	if filters.OpenOnly {
		openOnly = 1
	}

	rows, err := s.db.QueryContext(context.Background(), query,
		filters.RunID, filters.RunID,
		filters.Username, filters.Username,
		openOnly,
		filters.PageSize,
		filters.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("datastore: list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []model.SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("datastore: scan session: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}
