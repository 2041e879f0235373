package filesystem

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()

	fs, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return fs
}

func TestSaveAndAssembleChunks(t *testing.T) {
	fs := newTestStorage(t)
	ctx := context.Background()

	chunks := [][]byte{
		bytes.Repeat([]byte("a"), 1024),
		bytes.Repeat([]byte("b"), 1024),
		bytes.Repeat([]byte("c"), 512),
	}
	for i, data := range chunks {
		if err := fs.SaveChunk(ctx, "sess-1", i, bytes.NewReader(data), int64(len(data))); err != nil {
			t.Fatalf("SaveChunk(%d) failed: %v", i, err)
		}
	}

	size, mime, err := fs.AssembleChunks(ctx, "sess-1", 3, "Movies/out.bin")
	if err != nil {
		t.Fatalf("AssembleChunks failed: %v", err)
	}
	if size != 2560 {
		t.Errorf("assembled size = %d, want 2560", size)
	}
	if mime == "" {
		t.Error("MIME type should not be empty")
	}

	rc, gotSize, err := fs.Open(ctx, "Movies/out.bin")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer rc.Close()
	if gotSize != 2560 {
		t.Errorf("Open size = %d, want 2560", gotSize)
	}

	content, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("reading assembled file failed: %v", err)
	}
	want := bytes.Join(chunks, nil)
	if !bytes.Equal(content, want) {
		t.Error("assembled content does not match chunk concatenation")
	}

	// Staging area is gone after assembly.
	exists, _, err := fs.ChunkExists(ctx, "sess-1", 0)
	if err != nil {
		t.Fatalf("ChunkExists failed: %v", err)
	}
	if exists {
		t.Error("chunks should be removed after assembly")
	}
}

func TestAssembleFailsOnMissingChunk(t *testing.T) {
	fs := newTestStorage(t)
	ctx := context.Background()

	fs.SaveChunk(ctx, "sess-1", 0, strings.NewReader("data"), 4)
	// chunk 1 never saved

	if _, _, err := fs.AssembleChunks(ctx, "sess-1", 2, "out.bin"); err == nil {
		t.Fatal("AssembleChunks should fail when a chunk is missing")
	}

	if exists, _ := fs.Exists(ctx, "out.bin"); exists {
		t.Error("failed assembly must not leave a destination file")
	}
}

func TestSaveChunkOverwrite(t *testing.T) {
	fs := newTestStorage(t)
	ctx := context.Background()

	fs.SaveChunk(ctx, "sess-1", 0, strings.NewReader("first"), 5)
	if err := fs.SaveChunk(ctx, "sess-1", 0, strings.NewReader("second"), 6); err != nil {
		t.Fatalf("overwriting SaveChunk failed: %v", err)
	}

	exists, size, err := fs.ChunkExists(ctx, "sess-1", 0)
	if err != nil {
		t.Fatalf("ChunkExists failed: %v", err)
	}
	if !exists || size != 6 {
		t.Errorf("chunk exists=%v size=%d, want true/6", exists, size)
	}
}

func TestSaveChunkSizeMismatch(t *testing.T) {
	fs := newTestStorage(t)

	err := fs.SaveChunk(context.Background(), "sess-1", 0, strings.NewReader("abc"), 10)
	if err == nil {
		t.Fatal("SaveChunk should fail on a size mismatch")
	}

	exists, _, _ := fs.ChunkExists(context.Background(), "sess-1", 0)
	if exists {
		t.Error("failed save must not leave a chunk behind")
	}
}

func TestDeleteChunks(t *testing.T) {
	fs := newTestStorage(t)
	ctx := context.Background()

	fs.SaveChunk(ctx, "sess-1", 0, strings.NewReader("a"), 1)
	fs.SaveChunk(ctx, "sess-1", 1, strings.NewReader("b"), 1)

	if err := fs.DeleteChunks(ctx, "sess-1"); err != nil {
		t.Fatalf("DeleteChunks failed: %v", err)
	}

	exists, _, _ := fs.ChunkExists(ctx, "sess-1", 0)
	if exists {
		t.Error("chunks should be gone after DeleteChunks")
	}
}

func TestPathTraversalRejected(t *testing.T) {
	fs := newTestStorage(t)
	ctx := context.Background()

	bad := []string{"../escape.bin", "a/../../escape.bin", "/etc/passwd"}
	for _, p := range bad {
		if _, _, err := fs.Open(ctx, p); err == nil {
			t.Errorf("Open(%q) should be rejected", p)
		}
		if _, _, err := fs.AssembleChunks(ctx, "sess-1", 1, p); err == nil {
			t.Errorf("AssembleChunks(%q) should be rejected", p)
		}
	}

	if err := fs.SaveChunk(ctx, "../sneaky", 0, strings.NewReader("x"), 1); err == nil {
		t.Error("SaveChunk with a traversal session id should be rejected")
	}
}

func TestExistsAndDelete(t *testing.T) {
	fs := newTestStorage(t)
	ctx := context.Background()

	if exists, err := fs.Exists(ctx, "nope.bin"); err != nil || exists {
		t.Errorf("Exists(missing) = (%v, %v), want (false, nil)", exists, err)
	}

	fs.SaveChunk(ctx, "sess-1", 0, strings.NewReader("hello"), 5)
	if _, _, err := fs.AssembleChunks(ctx, "sess-1", 1, "hello.txt"); err != nil {
		t.Fatalf("AssembleChunks failed: %v", err)
	}

	if exists, _ := fs.Exists(ctx, "hello.txt"); !exists {
		t.Error("Exists should report the assembled file")
	}

	if err := fs.Delete(ctx, "hello.txt"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if exists, _ := fs.Exists(ctx, "hello.txt"); exists {
		t.Error("file should be gone after Delete")
	}

	// Deleting an absent file is not an error.
	if err := fs.Delete(ctx, "hello.txt"); err != nil {
		t.Errorf("Delete of a missing file failed: %v", err)
	}
}

func TestNestedDestinationDirectoriesCreated(t *testing.T) {
	fs := newTestStorage(t)
	ctx := context.Background()

	fs.SaveChunk(ctx, "sess-1", 0, strings.NewReader("x"), 1)
	if _, _, err := fs.AssembleChunks(ctx, "sess-1", 1, "a/b/c/file.bin"); err != nil {
		t.Fatalf("AssembleChunks failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(fs.baseDir, "a", "b", "c", "file.bin")); err != nil {
		t.Errorf("nested destination missing: %v", err)
	}
}
