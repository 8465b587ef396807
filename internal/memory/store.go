// Package memory keeps a rolling transcript of the conversation so each
// prompt to the language model carries recent context.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Roles of a turn.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

const (
	// DefaultMaxTurns is how many turns are retained on disk.
	DefaultMaxTurns = 100
	// DefaultContextTurns is how many recent turns go into a prompt.
	DefaultContextTurns = 20
)

// Turn is one utterance.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Store is a SQLite-backed transcript capped at MaxTurns rows.
type Store struct {
	db           *sql.DB
	mu           sync.Mutex
	maxTurns     int
	contextTurns int
}

// Open creates or opens the transcript database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer; modernc serializes anyway and this avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db, maxTurns: DefaultMaxTurns, contextTurns: DefaultContextTurns}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS turns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Add appends a turn and trims the oldest rows beyond the cap.
func (s *Store) Add(ctx context.Context, role, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO turns (role, content, created_at) VALUES (?, ?, ?)`,
		role, content, time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM turns WHERE id NOT IN (SELECT id FROM turns ORDER BY id DESC LIMIT ?)`,
		s.maxTurns,
	); err != nil {
		return fmt.Errorf("trim turns: %w", err)
	}
	return tx.Commit()
}

// Context returns the most recent turns, oldest first.
func (s *Store) Context(ctx context.Context) ([]Turn, error) {
	return s.Recent(ctx, s.contextTurns)
}

// Recent returns up to n of the newest turns, oldest first.
func (s *Store) Recent(ctx context.Context, n int) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content FROM (SELECT id, role, content FROM turns ORDER BY id DESC LIMIT ?) ORDER BY id ASC`, n)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	turns := []Turn{}
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.Role, &t.Content); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// Count returns the number of stored turns.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM turns`).Scan(&n)
	return n, err
}

// Clear deletes every turn.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM turns`)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
