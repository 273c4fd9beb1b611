package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite stores checkpoints in a local database file
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens or creates the database at path
func NewSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create checkpoint directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open checkpoint database: %w", err)
	}
	// single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate checkpoint database: %w", err)
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS checkpoints (
		thread_id  TEXT    NOT NULL,
		step       INTEGER NOT NULL,
		node       TEXT    NOT NULL,
		next       TEXT    NOT NULL,
		state      TEXT    NOT NULL,
		interrupt  TEXT    NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		PRIMARY KEY (thread_id, step)
	);`)
	return err
}

func (s *SQLite) Put(ctx context.Context, cp Checkpoint) error {
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO checkpoints (thread_id, step, node, next, state, interrupt, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		cp.ThreadID, cp.Step, cp.Node, cp.Next, string(cp.State), cp.Interrupt, cp.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save checkpoint %s/%d: %w", cp.ThreadID, cp.Step, err)
	}
	return nil
}

const selectCheckpoint = `SELECT thread_id, step, node, next, state, interrupt, created_at FROM checkpoints`

func scan(row interface{ Scan(...any) error }) (Checkpoint, error) {
	var (
		cp      Checkpoint
		state   string
		created int64
	)
	if err := row.Scan(&cp.ThreadID, &cp.Step, &cp.Node, &cp.Next, &state, &cp.Interrupt, &created); err != nil {
		return cp, err
	}
	cp.State = []byte(state)
	cp.CreatedAt = time.Unix(0, created)
	return cp, nil
}

func (s *SQLite) Latest(ctx context.Context, threadID string) (Checkpoint, error) {
	cp, err := scan(s.db.QueryRowContext(ctx,
		selectCheckpoint+` WHERE thread_id = ? ORDER BY step DESC LIMIT 1`, threadID))
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, notFound(threadID)
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("load checkpoint %s: %w", threadID, err)
	}
	return cp, nil
}

func (s *SQLite) List(ctx context.Context, threadID string) ([]Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, selectCheckpoint+` WHERE thread_id = ? ORDER BY step`, threadID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints %s: %w", threadID, err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		cp, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

func (s *SQLite) Delete(ctx context.Context, threadID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE thread_id = ?`, threadID)
	return err
}

func (s *SQLite) Close() error { return s.db.Close() }
