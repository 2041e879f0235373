package cleanup

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/reelvault/reelvault/internal/database"
	"github.com/reelvault/reelvault/internal/models"
	"github.com/reelvault/reelvault/internal/storage/filesystem"
)

func TestSweepRemovesExpiredSessions(t *testing.T) {
	dir := t.TempDir()
	db, err := database.Initialize(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer db.Close()

	backend, err := filesystem.New(filepath.Join(dir, "media"))
	if err != nil {
		t.Fatalf("filesystem.New failed: %v", err)
	}

	ctx := context.Background()
	now := time.Now().UTC()

	stale := &models.UploadSession{
		SessionID:    "stale",
		UserID:       "u1",
		Filename:     "a.mkv",
		RelativePath: "a.mkv",
		TotalSize:    10,
		ChunkSize:    10,
		TotalChunks:  1,
		CreatedAt:    now.Add(-48 * time.Hour),
		LastActivity: now.Add(-48 * time.Hour),
	}
	if err := database.CreateSession(db, stale); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := backend.SaveChunk(ctx, "stale", 0, strings.NewReader("x"), 1); err != nil {
		t.Fatalf("SaveChunk failed: %v", err)
	}

	fresh := *stale
	fresh.SessionID = "fresh"
	fresh.LastActivity = now
	if err := database.CreateSession(db, &fresh); err != nil {
		t.Fatalf("CreateSession(fresh) failed: %v", err)
	}

	sweeper := NewSweeper(db, backend, 24*time.Hour)
	removed, err := sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	if s, _ := database.GetSession(db, "stale"); s != nil {
		t.Error("stale session should be deleted")
	}
	if s, _ := database.GetSession(db, "fresh"); s == nil {
		t.Error("fresh session should survive")
	}
	if exists, _, _ := backend.ChunkExists(ctx, "stale", 0); exists {
		t.Error("staged chunks of the stale session should be deleted")
	}
}
