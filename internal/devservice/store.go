package devservice

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// migrations are applied in order and recorded in schema_migrations.
var migrations = []string{"001_initial"}

// ErrUnknownSession is returned for session ids the store has never seen.
var ErrUnknownSession = errors.New("unknown session")

// Store is the sqlite event log. Every request a session handles is
// appended as one event.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// SessionRecord summarizes one stored session.
type SessionRecord struct {
	ID        string          `json:"id"`
	Condition json.RawMessage `json:"condition"`
	StartedAt time.Time       `json:"started_at"`
	EndedAt   *time.Time      `json:"ended_at,omitempty"`
	EndReason string          `json:"end_reason,omitempty"`
	Events    int             `json:"events"`
}

// Event is one logged request.
type Event struct {
	ID        int64           `json:"id"`
	Timestamp int64           `json:"timestamp"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

// OpenStore opens the database at path and runs migrations.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite serializes writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func runMigrations(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	for _, version := range migrations {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", version).Scan(&count)
		if err != nil {
			return fmt.Errorf("failed to check migration %s: %w", version, err)
		}
		if count > 0 {
			continue
		}

		script, err := migrationFiles.ReadFile("migrations/" + version + ".sql")
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", version, err)
		}
		if _, err := db.Exec(string(script)); err != nil {
			return fmt.Errorf("failed to execute migration %s: %w", version, err)
		}
		if _, err := db.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			return fmt.Errorf("failed to record migration %s: %w", version, err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateSession registers a new session and its start condition.
func (s *Store) CreateSession(ctx context.Context, id string, condition json.RawMessage) error {
	if len(condition) == 0 {
		condition = json.RawMessage(`{}`)
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO sessions (id, condition, started_at) VALUES (?, ?, ?)",
		id, string(condition), s.now().UTC())
	if err != nil {
		return fmt.Errorf("create session %s: %w", id, err)
	}
	return nil
}

// Record appends an event to a session's log. payload may be any JSON
// encodable value.
func (s *Store) Record(ctx context.Context, sessionID, typ string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", typ, err)
	}
	if string(raw) == "null" {
		raw = []byte(`{}`)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO events (session_id, timestamp, type, payload) VALUES (?, ?, ?, ?)",
		sessionID, s.now().UnixNano(), typ, string(raw))
	if err != nil {
		return fmt.Errorf("record %s event: %w", typ, err)
	}
	return nil
}

// EndSession marks a session finished. Ending an already ended session
// keeps the first reason.
func (s *Store) EndSession(ctx context.Context, id, reason string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET ended_at = ?, end_reason = ? WHERE id = ? AND ended_at IS NULL",
		s.now().UTC(), reason, id)
	if err != nil {
		return fmt.Errorf("end session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.Session(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Session returns the summary of one session.
func (s *Store) Session(ctx context.Context, id string) (*SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT s.id, s.condition, s.started_at, s.ended_at, COALESCE(s.end_reason, ''),
			(SELECT COUNT(*) FROM events e WHERE e.session_id = s.id)
		FROM sessions s WHERE s.id = ?`, id)
	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return rec, err
}

// Sessions lists every session, most recent first.
func (s *Store) Sessions(ctx context.Context) ([]SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.condition, s.started_at, s.ended_at, COALESCE(s.end_reason, ''),
			(SELECT COUNT(*) FROM events e WHERE e.session_id = s.id)
		FROM sessions s ORDER BY s.started_at DESC, s.rowid DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*SessionRecord, error) {
	var (
		rec       SessionRecord
		condition string
		ended     sql.NullTime
	)
	if err := row.Scan(&rec.ID, &condition, &rec.StartedAt, &ended, &rec.EndReason, &rec.Events); err != nil {
		return nil, err
	}
	rec.Condition = json.RawMessage(condition)
	if ended.Valid {
		t := ended.Time
		rec.EndedAt = &t
	}
	return &rec, nil
}

// Events returns a session's log in insertion order.
func (s *Store) Events(ctx context.Context, sessionID string) ([]Event, error) {
	if _, err := s.Session(ctx, sessionID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, timestamp, type, payload FROM events WHERE session_id = ? ORDER BY id",
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev      Event
			payload string
		)
		if err := rows.Scan(&ev.ID, &ev.Timestamp, &ev.Type, &payload); err != nil {
			return nil, err
		}
		ev.Payload = json.RawMessage(payload)
		out = append(out, ev)
	}
	return out, rows.Err()
}
