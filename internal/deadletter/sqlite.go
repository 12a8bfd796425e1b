// Package deadletter keeps tasks that were consumed without being persisted
// so an operator can replay them once the document store recovers.
package deadletter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"webhook-bridge/internal/domain"
)

const defaultListLimit = 100

// Entry is one recorded task.
type Entry struct {
	ID        int64
	Task      domain.Task
	Reason    string
	CreatedAt time.Time
}

// SQLiteStore records dead letters in a local SQLite file.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if dbPath == "" {
		return nil, errors.New("deadletter: database path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("deadletter: create directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("deadletter: open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db, logger: logger, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("deadletter: migration failed: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS dead_letters (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		tenant      TEXT NOT NULL,
		direction   TEXT,
		kind        TEXT NOT NULL,
		payload     BLOB,
		reason      TEXT NOT NULL,
		received_at TEXT NOT NULL,
		created_at  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_dead_letters_created ON dead_letters(created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record stores task with the reason it was not persisted.
func (s *SQLiteStore) Record(ctx context.Context, task domain.Task, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letters (tenant, direction, kind, payload, reason, received_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		task.Tenant, string(task.Direction), string(task.Kind), task.Payload, reason,
		formatTime(task.ReceivedAt), formatTime(s.now()),
	)
	if err != nil {
		return fmt.Errorf("deadletter: record: %w", err)
	}
	s.logger.Debug("dead letter recorded", "tenant", task.Tenant, "kind", task.Kind, "reason", reason)
	return nil
}

// List returns the oldest entries first.
func (s *SQLiteStore) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant, direction, kind, payload, reason, received_at, created_at
		 FROM dead_letters ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("deadletter: list: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                     Entry
			direction, kind       string
			receivedAt, createdAt string
		)
		if err := rows.Scan(&e.ID, &e.Task.Tenant, &direction, &kind, &e.Task.Payload, &e.Reason, &receivedAt, &createdAt); err != nil {
			return nil, fmt.Errorf("deadletter: scan: %w", err)
		}
		e.Task.Direction = domain.Direction(direction)
		e.Task.Kind = domain.EventKind(kind)
		if e.Task.ReceivedAt, err = parseTime(receivedAt); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("deadletter: list: %w", err)
	}
	return out, nil
}

// Count returns the number of entries waiting for replay.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&n); err != nil {
		return 0, fmt.Errorf("deadletter: count: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deadletter: delete %d: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("deadletter: parse time %q: %w", s, err)
	}
	return t, nil
}
