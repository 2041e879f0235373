// Package manager is the observer side of the upload pipeline. It turns
// user-selected files into upload requests, seeds the queue store so the
// caller sees immediate feedback, and applies the orchestrator's lifecycle
// events back onto the store.
package manager

import (
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/reelvault/reelvault/internal/broadcast"
	"github.com/reelvault/reelvault/internal/config"
	"github.com/reelvault/reelvault/internal/models"
	"github.com/reelvault/reelvault/internal/queue"
)

// File is one user-selected file to upload.
type File struct {
	Name         string
	RelativePath string
	Size         int64
	Source       io.ReaderAt
}

// UnloadGuard warns the user against leaving while transfers are in
// flight. The manager installs it while any tracked item is live and
// removes it once every item is terminal.
type UnloadGuard interface {
	Install()
	Remove()
}

// ListingRefresher is told when an upload lands so any cached directory
// listing of the destination can be refreshed.
type ListingRefresher interface {
	RefreshListing(relativePath string)
}

// Manager coordinates submissions and event application. Construct with
// New, call Start once, then StartUploads per batch.
type Manager struct {
	bus       broadcast.Bus
	store     *queue.Store
	cfg       config.UploaderConfig
	guard     UnloadGuard
	refresher ListingRefresher

	mu        sync.Mutex
	started   bool
	guarded   bool
	submitted map[string]broadcast.UploadRequest

	sub *broadcast.Subscription
	wg  sync.WaitGroup
}

// New creates a manager. guard and refresher may be nil.
func New(bus broadcast.Bus, store *queue.Store, cfg config.UploaderConfig, guard UnloadGuard, refresher ListingRefresher) *Manager {
	return &Manager{
		bus:       bus,
		store:     store,
		cfg:       cfg,
		guard:     guard,
		refresher: refresher,
		submitted: make(map[string]broadcast.UploadRequest),
	}
}

// Start registers the manager on the bus and begins applying lifecycle
// events to the store. It must be called before StartUploads.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return nil
	}
	if m.bus == nil {
		return &ConfigurationError{Setting: "broadcast bus", Reason: "is not available"}
	}

	m.sub = m.bus.Subscribe()
	m.started = true

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for evt := range m.sub.C {
			m.apply(evt)
		}
	}()
	return nil
}

// Stop detaches from the bus and waits for the event loop to drain.
func (m *Manager) Stop() {
	m.mu.Lock()
	sub := m.sub
	m.mu.Unlock()

	if sub != nil {
		sub.Cancel()
	}
	m.wg.Wait()
}

// StartUploads validates a batch, seeds a pending store entry per file,
// and dispatches the batch to the orchestrator. Validation failures reject
// the whole batch before any entry is seeded or any network call made.
func (m *Manager) StartUploads(files []File) error {
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()

	if !started {
		return &ConfigurationError{Setting: "upload manager", Reason: "is not started"}
	}
	if m.cfg.ServerURL == "" {
		return &ConfigurationError{Setting: "server URL", Reason: "is required"}
	}
	if m.cfg.UserID == "" {
		return &MissingIdentityError{}
	}
	for _, f := range files {
		if f.Source == nil || f.Size < 0 {
			return &InvalidFileError{Name: f.Name}
		}
	}
	if len(files) == 0 {
		return nil
	}

	batch := make([]broadcast.UploadRequest, 0, len(files))
	for _, f := range files {
		req := broadcast.UploadRequest{
			ID:           uuid.NewString(),
			Name:         f.Name,
			RelativePath: f.RelativePath,
			Size:         f.Size,
			ChunkSize:    m.cfg.ChunkSize,
			ServerURL:    m.cfg.ServerURL,
			UserID:       m.cfg.UserID,
			Source:       f.Source,
		}
		m.store.Add(req.ID, req.Name, req.RelativePath, req.Size)
		batch = append(batch, req)

		m.mu.Lock()
		m.submitted[req.ID] = req
		m.mu.Unlock()
	}

	m.updateGuard()

	slog.Info("dispatching upload batch", "count", len(batch))
	m.bus.Publish(broadcast.Event{Type: broadcast.EventUploadFiles, Files: batch})
	return nil
}

// Resubmit restarts a terminal upload under its original id with a fresh
// server session. It reports false when the id is unknown or still live.
func (m *Manager) Resubmit(id string) bool {
	m.mu.Lock()
	req, known := m.submitted[id]
	m.mu.Unlock()

	if !known {
		return false
	}
	if !m.store.Reset(id) {
		return false
	}

	m.updateGuard()
	slog.Info("resubmitting upload", "upload_id", id)
	m.bus.Publish(broadcast.Event{Type: broadcast.EventUploadFiles, Files: []broadcast.UploadRequest{req}})
	return true
}

// Clear removes a terminal entry from the store and forgets its request.
func (m *Manager) Clear(id string) bool {
	if !m.store.Remove(id) {
		return false
	}
	m.mu.Lock()
	delete(m.submitted, id)
	m.mu.Unlock()
	return true
}

// apply maps one lifecycle event onto the store.
func (m *Manager) apply(evt broadcast.Event) {
	switch evt.Type {
	case broadcast.EventUploadStarted:
		m.store.MarkUploading(evt.UploadID)
	case broadcast.EventUploadProgress:
		m.store.SetProgress(evt.UploadID, evt.UploadedBytes)
	case broadcast.EventUploadCompleted:
		m.store.Complete(evt.UploadID)
		if m.refresher != nil {
			m.refresher.RefreshListing(evt.RelativePath)
		}
	case broadcast.EventUploadFailed:
		m.store.Fail(evt.UploadID, evt.Error)
	case broadcast.EventUploadAborted:
		m.store.Abort(evt.UploadID)
	default:
		return
	}
	m.updateGuard()
}

// updateGuard installs or removes the page-exit guard to track whether any
// item is still live.
func (m *Manager) updateGuard() {
	if m.guard == nil {
		return
	}

	active := m.store.HasActive()

	m.mu.Lock()
	changed := active != m.guarded
	m.guarded = active
	m.mu.Unlock()

	if !changed {
		return
	}
	if active {
		m.guard.Install()
	} else {
		m.guard.Remove()
	}
}

// Items exposes the store contents for display.
func (m *Manager) Items() []models.UploadItem {
	return m.store.Items()
}
