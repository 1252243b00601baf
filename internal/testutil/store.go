package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ttakah/trackmirror/internal/db"
	"github.com/ttakah/trackmirror/internal/model"
)

func NewStore(t *testing.T) (*db.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := db.Open(ctx, filepath.Join(t.TempDir(), "trackmirror-test.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store, ctx
}

func SeedThreadMapping(t *testing.T, store *db.Store, ctx context.Context, track, threadID string) model.ThreadMapping {
	t.Helper()
	mapping := model.ThreadMapping{
		Track:     track,
		ThreadID:  threadID,
		UpdatedAt: time.Now().UTC(),
	}
	if err := store.UpsertThreadMapping(ctx, mapping); err != nil {
		t.Fatalf("seed thread mapping: %v", err)
	}
	return mapping
}
