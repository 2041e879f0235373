// Package filesystem implements the storage Backend over a local media
// directory.
package filesystem

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/reelvault/reelvault/internal/storage"
)

// partialDir is the staging subdirectory for in-flight sessions.
const partialDir = ".partial"

// Storage keeps finalized files under baseDir, mirroring their relative
// paths, and stages chunks under baseDir/.partial/<sessionID>/.
type Storage struct {
	baseDir    string
	absBaseDir string
}

// New creates the media and staging directories if needed.
func New(baseDir string) (*Storage, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, storage.NewError("New", baseDir, err)
	}
	if err := os.MkdirAll(filepath.Join(baseDir, partialDir), 0755); err != nil {
		return nil, storage.NewError("New", baseDir, err)
	}

	absBaseDir, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, storage.NewError("New", baseDir, err)
	}
	return &Storage{baseDir: baseDir, absBaseDir: absBaseDir}, nil
}

// mediaPath resolves relativePath under the media root, rejecting any
// escape attempt.
func (fs *Storage) mediaPath(relativePath string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(relativePath))
	if filepath.IsAbs(clean) {
		return "", fmt.Errorf("absolute paths not allowed: %s", relativePath)
	}
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal not allowed: %s", relativePath)
	}

	full := filepath.Join(fs.baseDir, clean)
	abs, err := filepath.Abs(full)
	if err != nil {
		return "", fmt.Errorf("invalid path: %w", err)
	}
	if abs != fs.absBaseDir && !strings.HasPrefix(abs, fs.absBaseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path escape attempt: %s", relativePath)
	}
	return full, nil
}

func (fs *Storage) chunkPath(sessionID string, chunkIndex int) (string, error) {
	if strings.Contains(sessionID, "..") || strings.ContainsAny(sessionID, `/\`) {
		return "", fmt.Errorf("invalid session id: %s", sessionID)
	}
	return filepath.Join(fs.baseDir, partialDir, sessionID, fmt.Sprintf("chunk_%06d", chunkIndex)), nil
}

// SaveChunk implements Backend.
func (fs *Storage) SaveChunk(ctx context.Context, sessionID string, chunkIndex int, data io.Reader, size int64) error {
	path, err := fs.chunkPath(sessionID, chunkIndex)
	if err != nil {
		return storage.NewError("SaveChunk", sessionID, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return storage.NewError("SaveChunk", path, err)
	}

	tempPath := path + ".tmp"
	f, err := os.Create(tempPath)
	if err != nil {
		return storage.NewError("SaveChunk", path, err)
	}

	written, err := io.Copy(f, data)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tempPath)
		return storage.NewError("SaveChunk", path, err)
	}
	if size >= 0 && written != size {
		os.Remove(tempPath)
		return storage.NewError("SaveChunk", path, fmt.Errorf("%w: wrote %d bytes, expected %d", storage.ErrSizeMismatch, written, size))
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return storage.NewError("SaveChunk", path, err)
	}
	return nil
}

// ChunkExists implements Backend.
func (fs *Storage) ChunkExists(ctx context.Context, sessionID string, chunkIndex int) (bool, int64, error) {
	path, err := fs.chunkPath(sessionID, chunkIndex)
	if err != nil {
		return false, 0, storage.NewError("ChunkExists", sessionID, err)
	}

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, storage.NewError("ChunkExists", path, err)
	}
	return true, info.Size(), nil
}

// DeleteChunks implements Backend.
func (fs *Storage) DeleteChunks(ctx context.Context, sessionID string) error {
	if strings.Contains(sessionID, "..") || strings.ContainsAny(sessionID, `/\`) {
		return storage.NewError("DeleteChunks", sessionID, fmt.Errorf("invalid session id"))
	}
	dir := filepath.Join(fs.baseDir, partialDir, sessionID)
	if err := os.RemoveAll(dir); err != nil {
		return storage.NewError("DeleteChunks", dir, err)
	}
	return nil
}

// AssembleChunks implements Backend. The destination is written atomically
// via a temp file in the staging area.
func (fs *Storage) AssembleChunks(ctx context.Context, sessionID string, totalChunks int, relativePath string) (int64, string, error) {
	destPath, err := fs.mediaPath(relativePath)
	if err != nil {
		return 0, "", storage.NewError("AssembleChunks", relativePath, err)
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return 0, "", storage.NewError("AssembleChunks", destPath, err)
	}

	tempPath := filepath.Join(fs.baseDir, partialDir, sessionID+".assembling")
	dest, err := os.Create(tempPath)
	if err != nil {
		return 0, "", storage.NewError("AssembleChunks", tempPath, err)
	}

	var succeeded bool
	defer func() {
		dest.Close()
		if !succeeded {
			os.Remove(tempPath)
		}
	}()

	var total int64
	for i := 0; i < totalChunks; i++ {
		if err := ctx.Err(); err != nil {
			return 0, "", storage.NewError("AssembleChunks", relativePath, err)
		}

		path, err := fs.chunkPath(sessionID, i)
		if err != nil {
			return 0, "", storage.NewError("AssembleChunks", sessionID, err)
		}
		chunk, err := os.Open(path)
		if err != nil {
			return 0, "", storage.NewError("AssembleChunks", path, fmt.Errorf("chunk %d: %w", i, err))
		}

		n, err := io.Copy(dest, chunk)
		chunk.Close()
		if err != nil {
			return 0, "", storage.NewError("AssembleChunks", path, fmt.Errorf("chunk %d: %w", i, err))
		}
		total += n
	}

	if err := dest.Close(); err != nil {
		return 0, "", storage.NewError("AssembleChunks", tempPath, err)
	}

	mime := "application/octet-stream"
	if detected, err := mimetype.DetectFile(tempPath); err == nil {
		mime = detected.String()
	}

	if err := os.Rename(tempPath, destPath); err != nil {
		return 0, "", storage.NewError("AssembleChunks", destPath, err)
	}
	succeeded = true

	if err := fs.DeleteChunks(ctx, sessionID); err != nil {
		return 0, "", err
	}
	return total, mime, nil
}

// Open implements Backend.
func (fs *Storage) Open(ctx context.Context, relativePath string) (io.ReadCloser, int64, error) {
	path, err := fs.mediaPath(relativePath)
	if err != nil {
		return nil, 0, storage.NewError("Open", relativePath, err)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, 0, storage.NewError("Open", relativePath, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, storage.NewError("Open", relativePath, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, 0, storage.NewError("Open", relativePath, fmt.Errorf("is a directory"))
	}
	return f, info.Size(), nil
}

// Exists implements Backend.
func (fs *Storage) Exists(ctx context.Context, relativePath string) (bool, error) {
	path, err := fs.mediaPath(relativePath)
	if err != nil {
		return false, storage.NewError("Exists", relativePath, err)
	}

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, storage.NewError("Exists", relativePath, err)
	}
	return !info.IsDir(), nil
}

// Delete implements Backend.
func (fs *Storage) Delete(ctx context.Context, relativePath string) error {
	path, err := fs.mediaPath(relativePath)
	if err != nil {
		return storage.NewError("Delete", relativePath, err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return storage.NewError("Delete", relativePath, err)
	}
	return nil
}
