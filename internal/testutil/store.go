package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/calibworks/ecud/internal/db"
	"github.com/calibworks/ecud/internal/model"
)

func NewStore(t *testing.T) (*db.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := db.Open(ctx, filepath.Join(t.TempDir(), "ecud-test.db"))
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

func SeedSession(t *testing.T, store *db.Store, ctx context.Context, sessionID string, mode model.SessionMode, status model.SessionStatus) model.TuningApplySession {
	t.Helper()
	now := time.Now().UTC()
	sess := model.TuningApplySession{
		SessionID:        sessionID,
		VehicleSessionID: "vehicle-1",
		Mode:             mode,
		Status:           status,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := store.InsertSession(ctx, sess); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	return sess
}
