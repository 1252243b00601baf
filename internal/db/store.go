package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ttakah/trackmirror/internal/model"
)

var (
	ErrDuplicate = errors.New("duplicate")
	ErrNotFound  = errors.New("not found")
)

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// ListThreadMappings returns every durable track to thread association,
// ordered by track name.
func (s *Store) ListThreadMappings(ctx context.Context) ([]model.ThreadMapping, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT track, thread_id, updated_at
FROM thread_mappings
ORDER BY track ASC
`)
	if err != nil {
		return nil, fmt.Errorf("list thread mappings: %w", err)
	}
	defer rows.Close()

	out := make([]model.ThreadMapping, 0)
	for rows.Next() {
		var (
			mapping   model.ThreadMapping
			updatedAt string
		)
		if err := rows.Scan(&mapping.Track, &mapping.ThreadID, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan thread mapping: %w", err)
		}
		mapping.UpdatedAt, err = parseTS(updatedAt)
		if err != nil {
			return nil, fmt.Errorf("parse thread mapping updated_at: %w", err)
		}
		out = append(out, mapping)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter thread mappings: %w", err)
	}
	return out, nil
}

// UpsertThreadMapping persists a track to thread association. The thread id
// is unique across tracks; pointing a second track at an existing thread
// returns ErrDuplicate.
func (s *Store) UpsertThreadMapping(ctx context.Context, mapping model.ThreadMapping) error {
	if mapping.UpdatedAt.IsZero() {
		mapping.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO thread_mappings(track, thread_id, updated_at)
VALUES (?, ?, ?)
ON CONFLICT(track) DO UPDATE SET
	thread_id=excluded.thread_id,
	updated_at=excluded.updated_at
`, mapping.Track, mapping.ThreadID, ts(mapping.UpdatedAt))
	if err != nil {
		if isUniqueErr(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("upsert thread mapping: %w", err)
	}
	return nil
}

func (s *Store) GetThreadMapping(ctx context.Context, track string) (model.ThreadMapping, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT track, thread_id, updated_at
FROM thread_mappings
WHERE track = ?
`, track)
	var (
		mapping   model.ThreadMapping
		updatedAt string
	)
	if err := row.Scan(&mapping.Track, &mapping.ThreadID, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ThreadMapping{}, ErrNotFound
		}
		return model.ThreadMapping{}, fmt.Errorf("scan thread mapping: %w", err)
	}
	var err error
	mapping.UpdatedAt, err = parseTS(updatedAt)
	if err != nil {
		return model.ThreadMapping{}, fmt.Errorf("parse thread mapping updated_at: %w", err)
	}
	return mapping, nil
}

// DeleteThreadMapping drops a mapping whose thread no longer resolves on
// the sink.
func (s *Store) DeleteThreadMapping(ctx context.Context, track string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM thread_mappings WHERE track = ?`, track)
	if err != nil {
		return fmt.Errorf("delete thread mapping: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete thread mapping rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func isUniqueErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}
