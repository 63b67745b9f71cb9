// Package history persists training progress and chat turns in SQLite.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Epoch is one finished training epoch.
type Epoch struct {
	RunID      string
	Epoch      int
	GlobalStep int
	Loss       float64
	Checkpoint string
	CreatedAt  time.Time
}

// Turn is one line of a chat session.
type Turn struct {
	SessionID string
	Speaker   string
	Text      string
	CreatedAt time.Time
}

// Store is a SQLite-backed history.
type Store struct {
	db *sql.DB
}

// Open creates or opens the history database at dbPath.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS training_epochs (
		run_id TEXT NOT NULL,
		epoch INTEGER NOT NULL,
		global_step INTEGER NOT NULL,
		loss REAL NOT NULL,
		checkpoint TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (run_id, epoch)
	);
	CREATE TABLE IF NOT EXISTS chat_turns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		speaker TEXT NOT NULL,
		text TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chat_turns_session ON chat_turns(session_id, id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// RecordEpoch stores the outcome of a training epoch.
func (s *Store) RecordEpoch(ctx context.Context, e Epoch) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO training_epochs (run_id, epoch, global_step, loss, checkpoint, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.RunID, e.Epoch, e.GlobalStep, e.Loss, e.Checkpoint, e.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert epoch: %w", err)
	}
	return nil
}

// Epochs lists the epochs of a run in order.
func (s *Store) Epochs(ctx context.Context, runID string) ([]Epoch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, epoch, global_step, loss, checkpoint, created_at
		FROM training_epochs WHERE run_id = ? ORDER BY epoch`, runID)
	if err != nil {
		return nil, fmt.Errorf("query epochs: %w", err)
	}
	defer rows.Close()

	var out []Epoch
	for rows.Next() {
		var e Epoch
		var createdAt int64
		if err := rows.Scan(&e.RunID, &e.Epoch, &e.GlobalStep, &e.Loss, &e.Checkpoint, &createdAt); err != nil {
			return nil, fmt.Errorf("scan epoch row: %w", err)
		}
		e.CreatedAt = time.Unix(0, createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecordTurn appends a chat line to a session.
func (s *Store) RecordTurn(ctx context.Context, t Turn) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_turns (session_id, speaker, text, created_at) VALUES (?, ?, ?, ?)`,
		t.SessionID, t.Speaker, t.Text, t.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	return nil
}

// Turns lists the lines of a session in the order they were recorded.
func (s *Store) Turns(ctx context.Context, sessionID string) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, speaker, text, created_at
		FROM chat_turns WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		var t Turn
		var createdAt int64
		if err := rows.Scan(&t.SessionID, &t.Speaker, &t.Text, &createdAt); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		t.CreatedAt = time.Unix(0, createdAt)
		out = append(out, t)
	}
	return out, rows.Err()
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Session records the turns of one conversation.
type Session struct {
	store *Store
	ID    string
}

// NewSession starts a session with a fresh id.
func (s *Store) NewSession() *Session {
	return &Session{store: s, ID: uuid.NewString()}
}

// LogTurn records a line spoken in the session.
func (s *Session) LogTurn(ctx context.Context, speaker, text string) error {
	return s.store.RecordTurn(ctx, Turn{SessionID: s.ID, Speaker: speaker, Text: text})
}
