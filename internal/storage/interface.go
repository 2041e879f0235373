// Package storage abstracts where chunks and finalized media files live,
// so handlers work the same over a local media directory or an S3 bucket.
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrSizeMismatch reports that a chunk body did not match the size the
// session declared for it. Backends wrap it so handlers can tell a bad
// client payload from a backend failure.
var ErrSizeMismatch = errors.New("chunk size mismatch")

// Backend stages chunks for in-flight upload sessions and holds the
// finalized media tree addressed by normalized relative paths.
type Backend interface {
	// Chunk staging for resumable uploads

	// SaveChunk stores one chunk for a session. Saving the same index
	// twice overwrites; the database is the authority on receipt counts.
	SaveChunk(ctx context.Context, sessionID string, chunkIndex int, data io.Reader, size int64) error

	// ChunkExists reports whether a chunk is staged and its size.
	ChunkExists(ctx context.Context, sessionID string, chunkIndex int) (bool, int64, error)

	// DeleteChunks removes all staged chunks for a session.
	DeleteChunks(ctx context.Context, sessionID string) error

	// AssembleChunks concatenates chunks 0..totalChunks-1 into the media
	// file at relativePath, removes the staging area, and returns the
	// assembled size and detected MIME type.
	AssembleChunks(ctx context.Context, sessionID string, totalChunks int, relativePath string) (size int64, mimeType string, err error)

	// Finalized media files

	// Open returns a reader over the file at relativePath and its size.
	// The caller closes the reader.
	Open(ctx context.Context, relativePath string) (io.ReadCloser, int64, error)

	// Exists reports whether a media file is present.
	Exists(ctx context.Context, relativePath string) (bool, error)

	// Delete removes a media file.
	Delete(ctx context.Context, relativePath string) error
}

// Error wraps a failed storage operation with its context.
type Error struct {
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return e.Op + " " + e.Path + ": " + e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates an Error for op on path.
func NewError(op, path string, err error) *Error {
	return &Error{Op: op, Path: path, Err: err}
}
