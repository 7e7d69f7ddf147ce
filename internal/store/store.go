// Package store persists ancillary server state in an embedded SQLite
// database: the quote-of-the-day pool and the admin action audit log.
// Presence and authorization state live elsewhere; nothing here sits on a
// message hot path.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNoQuotes is returned when the quote pool is empty.
var ErrNoQuotes = errors.New("no quotes available")

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database at path and runs migrations.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	st := &Store{db: db}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("sqlite store opened", "path", path)
	return st, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS quotes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	text TEXT NOT NULL,
	author TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	target TEXT NOT NULL DEFAULT '',
	created_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_log_created ON audit_log(created_at_unix_ms);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("run sqlite migrations: %w", err)
	}

	if err := s.seedQuotes(ctx); err != nil {
		return err
	}
	slog.Debug("sqlite migrations applied")
	return nil
}

// defaultQuotes seeds an empty pool so /qotd works out of the box.
var defaultQuotes = []Quote{
	{Text: "The only way to do great work is to love what you do.", Author: "Steve Jobs"},
	{Text: "Talk is cheap. Show me the code.", Author: "Linus Torvalds"},
	{Text: "Simplicity is the ultimate sophistication.", Author: "Leonardo da Vinci"},
	{Text: "There is no place like home.", Author: "Dorothy Gale"},
	{Text: "The best time to plant a tree was 20 years ago. The second best time is now.", Author: "Chinese proverb"},
}

func (s *Store) seedQuotes(ctx context.Context) error {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM quotes`).Scan(&n); err != nil {
		return fmt.Errorf("count quotes: %w", err)
	}
	if n > 0 {
		return nil
	}
	for _, q := range defaultQuotes {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO quotes(text, author) VALUES(?, ?)`, q.Text, q.Author,
		); err != nil {
			return fmt.Errorf("seed quote: %w", err)
		}
	}
	slog.Debug("quote pool seeded", "count", len(defaultQuotes))
	return nil
}

// Quote is one quote-of-the-day entry.
type Quote struct {
	Text   string
	Author string
}

// AddQuote inserts a quote into the pool.
func (s *Store) AddQuote(ctx context.Context, text, author string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("quote text is required")
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO quotes(text, author) VALUES(?, ?)`, text, author,
	); err != nil {
		return fmt.Errorf("insert quote: %w", err)
	}
	return nil
}

// RandomQuote returns one quote picked uniformly from the pool.
func (s *Store) RandomQuote(ctx context.Context) (Quote, error) {
	var q Quote
	err := s.db.QueryRowContext(ctx,
		`SELECT text, author FROM quotes ORDER BY RANDOM() LIMIT 1`,
	).Scan(&q.Text, &q.Author)
	if errors.Is(err, sql.ErrNoRows) {
		return Quote{}, ErrNoQuotes
	}
	if err != nil {
		return Quote{}, fmt.Errorf("query quote: %w", err)
	}
	return q, nil
}

// Record appends one admin action to the audit log. Failures are logged and
// swallowed: auditing never blocks the action it describes.
func (s *Store) Record(actor, action, target string) {
	_, err := s.db.Exec(
		`INSERT INTO audit_log(actor, action, target, created_at_unix_ms) VALUES(?, ?, ?, ?)`,
		actor, action, target, time.Now().UnixMilli(),
	)
	if err != nil {
		slog.Error("record audit entry", "actor", actor, "action", action, "err", err)
	}
}

// AuditEntry is one row of the audit log.
type AuditEntry struct {
	ID        int64
	Actor     string
	Action    string
	Target    string
	CreatedAt time.Time
}

// AuditLog returns the most recent audit entries, newest first.
func (s *Store) AuditLog(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, actor, action, target, created_at_unix_ms FROM audit_log ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var ms int64
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &e.Target, &ms); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.CreatedAt = time.UnixMilli(ms).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
