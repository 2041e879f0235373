package models

import "time"

// UploadStatus is the lifecycle state of a tracked upload.
type UploadStatus string

const (
	StatusPending   UploadStatus = "pending"
	StatusUploading UploadStatus = "uploading"
	StatusCompleted UploadStatus = "completed"
	StatusError     UploadStatus = "error"
	StatusAborted   UploadStatus = "aborted"
)

// Terminal reports whether the status is final. Terminal entries never
// change again.
func (s UploadStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusAborted:
		return true
	}
	return false
}

// UploadItem is one entry in the upload queue store.
type UploadItem struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	RelativePath  string       `json:"relative_path"`
	Size          int64        `json:"size"`
	UploadedBytes int64        `json:"uploaded_bytes"`
	Status        UploadStatus `json:"status"`
	Error         string       `json:"error,omitempty"`
}

// UploadSession is the server-side bookkeeping record for one chunked
// upload session.
type UploadSession struct {
	SessionID      string    `json:"session_id"`
	UserID         string    `json:"user_id"`
	Filename       string    `json:"filename"`
	RelativePath   string    `json:"relative_path"`
	TotalSize      int64     `json:"total_size"`
	ChunkSize      int64     `json:"chunk_size"`
	TotalChunks    int       `json:"total_chunks"`
	ChunksReceived int       `json:"chunks_received"`
	ReceivedBytes  int64     `json:"received_bytes"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivity   time.Time `json:"last_activity"`
	Completed      bool      `json:"completed"`
}

// SessionCreateRequest is the body of POST /api/v1/upload/session.
type SessionCreateRequest struct {
	Filename     string `json:"filename"`
	RelativePath string `json:"relativePath"`
	TotalSize    int64  `json:"totalSize"`
	ChunkSize    int64  `json:"chunkSize"`
}

// SessionCreateResponse is returned after a session is created.
type SessionCreateResponse struct {
	SessionID   string `json:"sessionId"`
	TotalChunks int    `json:"totalChunks"`
}

// ChunkAck acknowledges receipt of a single chunk.
type ChunkAck struct {
	SessionID      string `json:"sessionId"`
	ChunkIndex     int    `json:"chunkIndex"`
	ChunksReceived int    `json:"chunksReceived"`
	TotalChunks    int    `json:"totalChunks"`
	Complete       bool   `json:"complete"`
}

// SessionCompleteRequest is the body of POST /api/v1/upload/complete.
type SessionCompleteRequest struct {
	SessionID string `json:"sessionId"`
}

// ResourceDescriptor describes the finalized file after a completed session.
type ResourceDescriptor struct {
	SessionID    string `json:"sessionId"`
	RelativePath string `json:"relativePath"`
	Size         int64  `json:"size"`
	MimeType     string `json:"mimeType"`
}

// SessionCompleteError is the error body returned when completion is
// attempted with chunks still missing.
type SessionCompleteError struct {
	Error         string `json:"error"`
	MissingChunks []int  `json:"missing_chunks,omitempty"`
}

// ErrorResponse is the JSON error envelope used by all handlers.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}
