// Package orchestrator drives submitted uploads from pending to a terminal
// state, chunk by chunk, independent of any observer's lifetime. It talks
// to the media server through the transfer client and reports lifecycle
// events on the broadcast bus.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/reelvault/reelvault/internal/broadcast"
	"github.com/reelvault/reelvault/internal/config"
	"github.com/reelvault/reelvault/internal/transfer"
	"github.com/reelvault/reelvault/internal/utils"
)

// TransferClient is the slice of the transfer client the orchestrator
// needs; tests substitute a recording fake.
type TransferClient interface {
	CreateSession(ctx context.Context, filename, relativePath string, totalSize, chunkSize int64) (sessionID string, totalChunks int, err error)
	UploadChunk(ctx context.Context, sessionID string, chunkIndex int, chunk []byte) (chunksReceived int, err error)
	CompleteSession(ctx context.Context, sessionID string) (relativePath string, size int64, err error)
	AbortSession(ctx context.Context, sessionID string) error
}

// ClientFactory builds a transfer client for one server URL and acting
// user. Each upload request names its own server, so clients are created
// per run.
type ClientFactory func(serverURL, userID string) (TransferClient, error)

// DefaultClientFactory builds real HTTP transfer clients.
func DefaultClientFactory(timeout time.Duration) ClientFactory {
	return func(serverURL, userID string) (TransferClient, error) {
		return transfer.NewClient(serverURL, userID, timeout)
	}
}

// Options tune a single orchestrator.
type Options struct {
	// ChunkTimeout bounds each network call. Expiry is handled exactly
	// like a network failure. Zero means 2 minutes.
	ChunkTimeout time.Duration

	// DefaultChunkSize applies to requests that don't carry their own.
	// Zero means 5 MiB.
	DefaultChunkSize int64
}

// Orchestrator runs uploads. Distinct ids run concurrently; chunks within
// one id are strictly sequential. A second submission of an id that is
// still running is silently ignored.
type Orchestrator struct {
	bus       broadcast.Bus
	newClient ClientFactory
	opts      Options

	mu     sync.Mutex
	active map[string]context.CancelFunc

	wg  sync.WaitGroup
	sub *broadcast.Subscription
}

// New creates an orchestrator. Call Start to begin consuming submissions
// from the bus.
func New(bus broadcast.Bus, factory ClientFactory, opts Options) *Orchestrator {
	if opts.ChunkTimeout == 0 {
		opts.ChunkTimeout = 2 * time.Minute
	}
	if opts.DefaultChunkSize == 0 {
		opts.DefaultChunkSize = config.DefaultChunkSize
	}
	return &Orchestrator{
		bus:       bus,
		newClient: factory,
		opts:      opts,
		active:    make(map[string]context.CancelFunc),
	}
}

// Start subscribes to the bus and begins accepting UPLOAD_FILES batches.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	if o.sub != nil {
		o.mu.Unlock()
		return
	}
	o.sub = o.bus.Subscribe()
	sub := o.sub
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		for evt := range sub.C {
			if evt.Type != broadcast.EventUploadFiles {
				continue
			}
			for _, req := range evt.Files {
				o.Submit(req)
			}
		}
	}()
}

// Submit starts one upload run. It reports false when the id is already
// being executed.
func (o *Orchestrator) Submit(req broadcast.UploadRequest) bool {
	o.mu.Lock()
	if _, running := o.active[req.ID]; running {
		o.mu.Unlock()
		slog.Debug("orchestrator: duplicate submission ignored", "upload_id", req.ID)
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	o.active[req.ID] = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancel()
		defer func() {
			o.mu.Lock()
			delete(o.active, req.ID)
			o.mu.Unlock()
		}()
		o.run(ctx, req)
	}()

	return true
}

// Cancel cooperatively stops a running upload. The run emits
// UPLOAD_ABORTED and best-effort deletes the server session. Returns false
// when the id is not running.
func (o *Orchestrator) Cancel(id string) bool {
	o.mu.Lock()
	cancel, ok := o.active[id]
	o.mu.Unlock()

	if !ok {
		return false
	}
	cancel()
	return true
}

// ActiveCount returns the number of uploads currently executing.
func (o *Orchestrator) ActiveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}

// Shutdown stops consuming submissions and waits for in-flight uploads,
// honouring ctx.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.sub != nil {
		o.sub.Cancel()
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run executes the full lifecycle for one upload. Errors never escape: they
// become UPLOAD_FAILED events, followed by a best-effort session abort.
func (o *Orchestrator) run(ctx context.Context, req broadcast.UploadRequest) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("orchestrator: panic in upload run", "upload_id", req.ID, "panic", r)
			o.emit(broadcast.Event{
				Type:     broadcast.EventUploadFailed,
				UploadID: req.ID,
				Error:    fmt.Sprintf("internal error: %v", r),
			})
		}
	}()

	o.emit(broadcast.Event{Type: broadcast.EventUploadStarted, UploadID: req.ID})

	if req.Source == nil {
		o.fail(req.ID, fmt.Errorf("upload source is not a readable file"))
		return
	}

	chunkSize := req.ChunkSize
	if chunkSize <= 0 {
		chunkSize = o.opts.DefaultChunkSize
	}

	client, err := o.newClient(req.ServerURL, req.UserID)
	if err != nil {
		o.fail(req.ID, err)
		return
	}

	createCtx, cancelCreate := context.WithTimeout(ctx, o.opts.ChunkTimeout)
	sessionID, totalChunks, err := client.CreateSession(createCtx, req.Name, req.RelativePath, req.Size, chunkSize)
	cancelCreate()
	if err != nil {
		// Nothing to abort either way: the session never existed.
		if ctx.Err() != nil {
			slog.Info("upload cancelled", "upload_id", req.ID)
			o.emit(broadcast.Event{Type: broadcast.EventUploadAborted, UploadID: req.ID})
			return
		}
		o.fail(req.ID, err)
		return
	}

	if totalChunks <= 0 {
		totalChunks = utils.CountChunks(req.Size, chunkSize)
	}

	slog.Info("upload started",
		"upload_id", req.ID,
		"session_id", sessionID,
		"size", req.Size,
		"chunk_size", chunkSize,
		"total_chunks", totalChunks,
	)

	buf := make([]byte, chunkSize)
	for chunkIndex := 0; chunkIndex < totalChunks; chunkIndex++ {
		if ctx.Err() != nil {
			o.abortRun(client, req.ID, sessionID)
			return
		}

		start := int64(chunkIndex) * chunkSize
		end := start + chunkSize
		if end > req.Size {
			end = req.Size
		}

		chunk := buf[:end-start]
		if len(chunk) > 0 {
			n, err := req.Source.ReadAt(chunk, start)
			if err != nil && err != io.EOF {
				o.fail(req.ID, fmt.Errorf("reading chunk %d: %w", chunkIndex, err))
				o.abort(client, req.ID, sessionID)
				return
			}
			if n < len(chunk) {
				o.fail(req.ID, fmt.Errorf("reading chunk %d: short read (%d of %d bytes)", chunkIndex, n, len(chunk)))
				o.abort(client, req.ID, sessionID)
				return
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, o.opts.ChunkTimeout)
		_, err := client.UploadChunk(callCtx, sessionID, chunkIndex, chunk)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				o.abortRun(client, req.ID, sessionID)
				return
			}
			o.fail(req.ID, err)
			o.abort(client, req.ID, sessionID)
			return
		}

		o.emit(broadcast.Event{
			Type:          broadcast.EventUploadProgress,
			UploadID:      req.ID,
			UploadedBytes: end,
		})
	}

	completeCtx, cancelComplete := context.WithTimeout(ctx, o.opts.ChunkTimeout)
	relativePath, _, err := client.CompleteSession(completeCtx, sessionID)
	cancelComplete()
	if err != nil {
		if ctx.Err() != nil {
			o.abortRun(client, req.ID, sessionID)
			return
		}
		o.fail(req.ID, err)
		o.abort(client, req.ID, sessionID)
		return
	}
	if relativePath == "" {
		relativePath = req.RelativePath
	}

	o.emit(broadcast.Event{
		Type:          broadcast.EventUploadProgress,
		UploadID:      req.ID,
		UploadedBytes: req.Size,
	})
	o.emit(broadcast.Event{
		Type:         broadcast.EventUploadCompleted,
		UploadID:     req.ID,
		RelativePath: relativePath,
	})

	slog.Info("upload completed", "upload_id", req.ID, "session_id", sessionID, "relative_path", relativePath)
}

// fail reports a terminal failure for one upload.
func (o *Orchestrator) fail(id string, err error) {
	slog.Warn("upload failed", "upload_id", id, "error", err)
	o.emit(broadcast.Event{
		Type:     broadcast.EventUploadFailed,
		UploadID: id,
		Error:    err.Error(),
	})
}

// abort best-effort deletes a server session after a failure. The outcome
// is logged, never propagated: the original failure stays primary.
func (o *Orchestrator) abort(client TransferClient, id, sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), o.opts.ChunkTimeout)
	defer cancel()

	if err := client.AbortSession(ctx, sessionID); err != nil {
		slog.Warn("session abort failed", "upload_id", id, "session_id", sessionID, "error", err)
	}
}

// abortRun handles cooperative cancellation: emit ABORTED and drop the
// server session.
func (o *Orchestrator) abortRun(client TransferClient, id, sessionID string) {
	slog.Info("upload cancelled", "upload_id", id, "session_id", sessionID)
	o.emit(broadcast.Event{Type: broadcast.EventUploadAborted, UploadID: id})
	o.abort(client, id, sessionID)
}

func (o *Orchestrator) emit(evt broadcast.Event) {
	o.bus.Publish(evt)
}
