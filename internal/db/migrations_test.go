package db

import (
	"context"
	"path/filepath"
	"testing"
)

func TestApplyMigrationsIdempotent(t *testing.T) {
	ctx := context.Background()
	store, err := Open(ctx, filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close() //nolint:errcheck

	if err := ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if err := ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("second apply: %v", err)
	}

	var count int
	if err := store.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&count); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if count != len(migrations) {
		t.Fatalf("expected %d recorded migrations, got %d", len(migrations), count)
	}
}

func TestRollbackAllDropsTables(t *testing.T) {
	ctx := context.Background()
	store, err := Open(ctx, filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close() //nolint:errcheck

	if err := ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := RollbackAll(ctx, store.DB()); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	var name string
	err = store.DB().QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name='thread_mappings'`).Scan(&name)
	if err == nil {
		t.Fatalf("thread_mappings should be dropped")
	}
}
