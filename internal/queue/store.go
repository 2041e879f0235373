// Package queue holds the process-local upload queue: one observable entry
// per in-flight or finished upload. It performs no I/O; the upload manager
// mutates it in response to broadcast events.
package queue

import (
	"log/slog"
	"sync"

	"github.com/reelvault/reelvault/internal/models"
)

// Store is an observable container of upload items. All mutations respect
// the upload state machine: pending -> uploading -> {completed|error|aborted},
// terminal states are immutable, and progress is clamped to [0, size] and
// never decreases while the item is live.
type Store struct {
	mu    sync.RWMutex
	items map[string]*models.UploadItem
	order []string
	subs  []func(models.UploadItem)
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		items: make(map[string]*models.UploadItem),
	}
}

// Subscribe registers an observer invoked with a copy of the item after
// every accepted mutation.
func (s *Store) Subscribe(fn func(models.UploadItem)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
}

// Add seeds a pending entry. It reports false when the id is already
// tracked.
func (s *Store) Add(id, name, relativePath string, size int64) bool {
	s.mu.Lock()
	if _, exists := s.items[id]; exists {
		s.mu.Unlock()
		return false
	}

	item := &models.UploadItem{
		ID:           id,
		Name:         name,
		RelativePath: relativePath,
		Size:         size,
		Status:       models.StatusPending,
	}
	s.items[id] = item
	s.order = append(s.order, id)
	snapshot := *item
	s.mu.Unlock()

	s.notify(snapshot)
	return true
}

// Reset returns an existing entry to pending with zero progress, used when
// a failed upload is resubmitted. Live entries are left untouched.
func (s *Store) Reset(id string) bool {
	s.mu.Lock()
	item, ok := s.items[id]
	if !ok || !item.Status.Terminal() {
		s.mu.Unlock()
		return false
	}

	item.Status = models.StatusPending
	item.UploadedBytes = 0
	item.Error = ""
	snapshot := *item
	s.mu.Unlock()

	s.notify(snapshot)
	return true
}

// MarkUploading moves a pending entry to uploading.
func (s *Store) MarkUploading(id string) {
	s.mutate(id, func(item *models.UploadItem) bool {
		if item.Status != models.StatusPending {
			return false
		}
		item.Status = models.StatusUploading
		return true
	})
}

// SetProgress advances uploadedBytes. Regressions are ignored and values
// are clamped to the item size. A pending entry becomes uploading on its
// first progress report.
func (s *Store) SetProgress(id string, uploadedBytes int64) {
	s.mutate(id, func(item *models.UploadItem) bool {
		if uploadedBytes > item.Size {
			uploadedBytes = item.Size
		}
		if uploadedBytes < item.UploadedBytes {
			return false
		}
		if item.Status == models.StatusPending {
			item.Status = models.StatusUploading
		}
		item.UploadedBytes = uploadedBytes
		return true
	})
}

// Complete marks an entry completed and pins uploadedBytes to size.
func (s *Store) Complete(id string) {
	s.mutate(id, func(item *models.UploadItem) bool {
		item.Status = models.StatusCompleted
		item.UploadedBytes = item.Size
		return true
	})
}

// Fail marks an entry failed with a human-readable message.
func (s *Store) Fail(id, message string) {
	s.mutate(id, func(item *models.UploadItem) bool {
		item.Status = models.StatusError
		item.Error = message
		return true
	})
}

// Abort marks an entry aborted.
func (s *Store) Abort(id string) {
	s.mutate(id, func(item *models.UploadItem) bool {
		item.Status = models.StatusAborted
		return true
	})
}

// Remove clears a terminal entry. Live entries cannot be removed.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok || !item.Status.Terminal() {
		return false
	}

	delete(s.items, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

// Get returns a copy of the entry for id.
func (s *Store) Get(id string) (models.UploadItem, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[id]
	if !ok {
		return models.UploadItem{}, false
	}
	return *item, true
}

// Items returns copies of all entries in insertion order.
func (s *Store) Items() []models.UploadItem {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.UploadItem, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.items[id])
	}
	return out
}

// HasActive reports whether any entry is pending or uploading.
func (s *Store) HasActive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, item := range s.items {
		if !item.Status.Terminal() {
			return true
		}
	}
	return false
}

// mutate applies fn to a live entry and notifies observers when fn accepts
// the change. Events for unknown or terminal ids are dropped.
func (s *Store) mutate(id string, fn func(*models.UploadItem) bool) {
	s.mu.Lock()
	item, ok := s.items[id]
	if !ok {
		s.mu.Unlock()
		slog.Debug("upload store: event for unknown upload", "upload_id", id)
		return
	}
	if item.Status.Terminal() {
		s.mu.Unlock()
		return
	}
	if !fn(item) {
		s.mu.Unlock()
		return
	}
	snapshot := *item
	s.mu.Unlock()

	s.notify(snapshot)
}

// notify runs outside the store lock so observers may read the store.
func (s *Store) notify(item models.UploadItem) {
	s.mu.RLock()
	subs := make([]func(models.UploadItem), len(s.subs))
	copy(subs, s.subs)
	s.mu.RUnlock()

	for _, fn := range subs {
		fn(item)
	}
}
