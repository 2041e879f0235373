package transfer

import (
	"errors"
	"fmt"
)

// ErrServer is the sentinel wrapped by every protocol error, so callers can
// match any transfer failure with errors.Is.
var ErrServer = errors.New("media server error")

// SessionCreationError reports a failed session-creation call. It carries
// the HTTP status and the response body text returned by the server.
type SessionCreationError struct {
	Status int
	Body   string
}

func (e *SessionCreationError) Error() string {
	return fmt.Sprintf("creating upload session failed: %s (status %d)", e.Body, e.Status)
}

func (e *SessionCreationError) Unwrap() error { return ErrServer }

// ChunkUploadError reports a failed chunk upload, identifying the chunk.
type ChunkUploadError struct {
	ChunkIndex int
	Status     int
	Body       string
}

func (e *ChunkUploadError) Error() string {
	return fmt.Sprintf("uploading chunk %d failed: %s (status %d)", e.ChunkIndex, e.Body, e.Status)
}

func (e *ChunkUploadError) Unwrap() error { return ErrServer }

// SessionCompletionError reports a failed completion call.
type SessionCompletionError struct {
	Status int
	Body   string
}

func (e *SessionCompletionError) Error() string {
	return fmt.Sprintf("completing upload session failed: %s (status %d)", e.Body, e.Status)
}

func (e *SessionCompletionError) Unwrap() error { return ErrServer }
