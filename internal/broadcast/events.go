package broadcast

import "io"

// EventType identifies a message exchanged between the orchestrator and its
// observers.
type EventType string

const (
	// EventUploadFiles carries a batch of upload requests from an observer
	// to the orchestrator.
	EventUploadFiles EventType = "UPLOAD_FILES"

	EventUploadStarted   EventType = "UPLOAD_STARTED"
	EventUploadProgress  EventType = "UPLOAD_PROGRESS"
	EventUploadCompleted EventType = "UPLOAD_COMPLETED"
	EventUploadFailed    EventType = "UPLOAD_FAILED"
	EventUploadAborted   EventType = "UPLOAD_ABORTED"
)

// UploadRequest describes one file to upload. Source must cover
// [0, Size) and stay readable for the lifetime of the run; an in-process
// transport hands it over directly, a cross-process one would carry the
// local path instead.
type UploadRequest struct {
	ID           string
	Name         string
	RelativePath string
	Size         int64
	ChunkSize    int64
	ServerURL    string
	UserID       string
	Source       io.ReaderAt
}

// Event is one broadcast message. UploadID is empty only for
// EventUploadFiles, whose payload is the Files batch.
type Event struct {
	Type          EventType
	UploadID      string
	UploadedBytes int64
	RelativePath  string
	Error         string
	Files         []UploadRequest
}
