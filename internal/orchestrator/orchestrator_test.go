package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/reelvault/reelvault/internal/broadcast"
	"github.com/reelvault/reelvault/internal/transfer"
)

const mib = int64(1024 * 1024)

// fakeClient records the protocol calls an upload run makes.
type fakeClient struct {
	mu sync.Mutex

	createErr   error
	chunkErrs   map[int]error
	completeErr error

	// blockCreate and blockChunks make the call wait for ctx cancellation.
	blockCreate bool
	blockChunks bool

	serverTotalChunks int

	creates    int
	chunkSizes []int64
	chunkIdxs  []int
	completes  int
	aborts     int
}

func (f *fakeClient) CreateSession(ctx context.Context, filename, relativePath string, totalSize, chunkSize int64) (string, int, error) {
	f.mu.Lock()
	f.creates++
	block := f.blockCreate
	err := f.createErr
	total := f.serverTotalChunks
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return "", 0, ctx.Err()
	}
	if err != nil {
		return "", 0, err
	}
	return "sess-1", total, nil
}

func (f *fakeClient) UploadChunk(ctx context.Context, sessionID string, chunkIndex int, chunk []byte) (int, error) {
	f.mu.Lock()
	block := f.blockChunks
	err := f.chunkErrs[chunkIndex]
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	if err != nil {
		return 0, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunkIdxs = append(f.chunkIdxs, chunkIndex)
	f.chunkSizes = append(f.chunkSizes, int64(len(chunk)))
	return len(f.chunkIdxs), nil
}

func (f *fakeClient) CompleteSession(ctx context.Context, sessionID string) (string, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completes++
	if f.completeErr != nil {
		return "", 0, f.completeErr
	}
	return "", 0, nil
}

func (f *fakeClient) AbortSession(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborts++
	return nil
}

func (f *fakeClient) snapshot() (creates int, idxs []int, sizes []int64, completes, aborts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates, append([]int(nil), f.chunkIdxs...), append([]int64(nil), f.chunkSizes...), f.completes, f.aborts
}

func newTestOrchestrator(t *testing.T, client TransferClient) (*Orchestrator, *broadcast.ChannelBus, *broadcast.Subscription) {
	t.Helper()

	bus := broadcast.NewChannelBus()
	t.Cleanup(bus.Close)
	sub := bus.Subscribe()

	factory := func(serverURL, userID string) (TransferClient, error) {
		return client, nil
	}
	o := New(bus, factory, Options{ChunkTimeout: 5 * time.Second})
	return o, bus, sub
}

// collectUntilTerminal reads events for id until a terminal event arrives.
func collectUntilTerminal(t *testing.T, sub *broadcast.Subscription, id string) []broadcast.Event {
	t.Helper()

	var out []broadcast.Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case evt, ok := <-sub.C:
			if !ok {
				t.Fatal("feed closed before terminal event")
			}
			if evt.UploadID != id {
				continue
			}
			out = append(out, evt)
			switch evt.Type {
			case broadcast.EventUploadCompleted, broadcast.EventUploadFailed, broadcast.EventUploadAborted:
				return out
			}
		case <-timeout:
			t.Fatalf("timed out waiting for terminal event; got %d events", len(out))
		}
	}
}

func request(id string, data []byte, chunkSize int64) broadcast.UploadRequest {
	return broadcast.UploadRequest{
		ID:           id,
		Name:         "movie.mkv",
		RelativePath: "Movies/movie.mkv",
		Size:         int64(len(data)),
		ChunkSize:    chunkSize,
		ServerURL:    "http://media.local",
		UserID:       "u1",
		Source:       bytes.NewReader(data),
	}
}

func TestHappyPathChunking(t *testing.T) {
	client := &fakeClient{}
	o, _, sub := newTestOrchestrator(t, client)

	data := bytes.Repeat([]byte{0xAB}, int(12*mib))
	if !o.Submit(request("u1", data, 5*mib)) {
		t.Fatal("Submit returned false")
	}

	evts := collectUntilTerminal(t, sub, "u1")

	if evts[0].Type != broadcast.EventUploadStarted {
		t.Errorf("first event = %q, want STARTED", evts[0].Type)
	}
	last := evts[len(evts)-1]
	if last.Type != broadcast.EventUploadCompleted {
		t.Fatalf("terminal event = %q, want COMPLETED", last.Type)
	}
	if last.RelativePath != "Movies/movie.mkv" {
		t.Errorf("RelativePath = %q", last.RelativePath)
	}

	_, idxs, sizes, completes, aborts := client.snapshot()
	wantSizes := []int64{5 * mib, 5 * mib, 2 * mib}
	if len(sizes) != 3 {
		t.Fatalf("uploaded %d chunks, want 3", len(sizes))
	}
	for i, want := range wantSizes {
		if idxs[i] != i {
			t.Errorf("chunk %d uploaded with index %d", i, idxs[i])
		}
		if sizes[i] != want {
			t.Errorf("chunk %d size = %d, want %d", i, sizes[i], want)
		}
	}
	if completes != 1 || aborts != 0 {
		t.Errorf("completes=%d aborts=%d, want 1/0", completes, aborts)
	}

	// Progress is monotonically non-decreasing and ends at the full size
	var prev int64
	var final int64
	for _, evt := range evts {
		if evt.Type != broadcast.EventUploadProgress {
			continue
		}
		if evt.UploadedBytes < prev {
			t.Errorf("progress regressed: %d after %d", evt.UploadedBytes, prev)
		}
		prev = evt.UploadedBytes
		final = evt.UploadedBytes
	}
	if final != 12*mib {
		t.Errorf("final progress = %d, want %d", final, 12*mib)
	}
}

func TestChunkRangesCoverFileExactly(t *testing.T) {
	sizes := []int64{1, 4*mib + 3, 5 * mib, 12 * mib, 17*mib + 11}
	for _, fileSize := range sizes {
		t.Run(fmt.Sprintf("size_%d", fileSize), func(t *testing.T) {
			client := &fakeClient{}
			o, _, sub := newTestOrchestrator(t, client)

			data := make([]byte, fileSize)
			o.Submit(request("u1", data, 5*mib))
			collectUntilTerminal(t, sub, "u1")

			_, idxs, chunkSizes, _, _ := client.snapshot()
			var total int64
			for i, sz := range chunkSizes {
				if idxs[i] != i {
					t.Errorf("chunk %d out of order (index %d)", i, idxs[i])
				}
				total += sz
			}
			if total != fileSize {
				t.Errorf("chunks sum to %d, want %d (no gap, no overlap)", total, fileSize)
			}
		})
	}
}

func TestZeroByteFileStillUploadsOneChunk(t *testing.T) {
	client := &fakeClient{}
	o, _, sub := newTestOrchestrator(t, client)

	o.Submit(request("u1", nil, 5*mib))
	evts := collectUntilTerminal(t, sub, "u1")

	if evts[len(evts)-1].Type != broadcast.EventUploadCompleted {
		t.Fatalf("terminal event = %q", evts[len(evts)-1].Type)
	}

	_, idxs, sizes, _, _ := client.snapshot()
	if len(idxs) != 1 || sizes[0] != 0 {
		t.Errorf("chunks = %v sizes = %v, want one empty chunk", idxs, sizes)
	}
}

func TestServerTotalChunksWins(t *testing.T) {
	client := &fakeClient{serverTotalChunks: 2}
	o, _, sub := newTestOrchestrator(t, client)

	// 12 MiB with 5 MiB chunks would be 3 chunks client-side; the server
	// dictates 2.
	data := make([]byte, 12*mib)
	o.Submit(request("u1", data, 5*mib))
	collectUntilTerminal(t, sub, "u1")

	_, idxs, _, _, _ := client.snapshot()
	if len(idxs) != 2 {
		t.Errorf("uploaded %d chunks, want server-dictated 2", len(idxs))
	}
}

func TestChunkFailureAbortsOnceAndNeverCompletes(t *testing.T) {
	client := &fakeClient{
		chunkErrs: map[int]error{1: &transfer.ChunkUploadError{ChunkIndex: 1, Status: 500, Body: "disk full"}},
	}
	o, _, sub := newTestOrchestrator(t, client)

	data := make([]byte, 12*mib)
	o.Submit(request("u1", data, 5*mib))
	evts := collectUntilTerminal(t, sub, "u1")

	last := evts[len(evts)-1]
	if last.Type != broadcast.EventUploadFailed {
		t.Fatalf("terminal event = %q, want FAILED", last.Type)
	}
	if !strings.Contains(last.Error, "chunk 1") {
		t.Errorf("failure message %q should reference chunk 1", last.Error)
	}

	_, _, _, completes, aborts := client.snapshot()
	if completes != 0 {
		t.Errorf("CompleteSession called %d times after chunk failure, want 0", completes)
	}
	if aborts != 1 {
		t.Errorf("AbortSession called %d times, want exactly 1", aborts)
	}
}

func TestSessionCreationFailureHasNothingToAbort(t *testing.T) {
	client := &fakeClient{createErr: &transfer.SessionCreationError{Status: 503, Body: "maintenance"}}
	o, _, sub := newTestOrchestrator(t, client)

	o.Submit(request("u1", make([]byte, 10), 5*mib))
	evts := collectUntilTerminal(t, sub, "u1")

	last := evts[len(evts)-1]
	if last.Type != broadcast.EventUploadFailed {
		t.Fatalf("terminal event = %q, want FAILED", last.Type)
	}
	if !strings.Contains(last.Error, "maintenance") {
		t.Errorf("failure message %q should carry the server body", last.Error)
	}

	_, idxs, _, completes, aborts := client.snapshot()
	if len(idxs) != 0 || completes != 0 || aborts != 0 {
		t.Errorf("chunks=%v completes=%d aborts=%d, want none", idxs, completes, aborts)
	}
}

func TestCompletionFailureAborts(t *testing.T) {
	client := &fakeClient{completeErr: &transfer.SessionCompletionError{Status: 409, Body: "chunks missing"}}
	o, _, sub := newTestOrchestrator(t, client)

	o.Submit(request("u1", make([]byte, 10), 5*mib))
	evts := collectUntilTerminal(t, sub, "u1")

	if evts[len(evts)-1].Type != broadcast.EventUploadFailed {
		t.Fatalf("terminal event = %q, want FAILED", evts[len(evts)-1].Type)
	}

	_, _, _, _, aborts := client.snapshot()
	if aborts != 1 {
		t.Errorf("aborts = %d, want 1", aborts)
	}
}

func TestDuplicateSubmissionIgnored(t *testing.T) {
	client := &fakeClient{blockChunks: true}
	o, _, sub := newTestOrchestrator(t, client)

	data := make([]byte, 10)
	if !o.Submit(request("u1", data, 5*mib)) {
		t.Fatal("first Submit returned false")
	}

	// Wait for the run to be in flight
	deadline := time.Now().Add(5 * time.Second)
	for o.ActiveCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if o.Submit(request("u1", data, 5*mib)) {
		t.Error("second Submit for an active id should be ignored")
	}

	o.Cancel("u1")
	collectUntilTerminal(t, sub, "u1")

	creates, _, _, _, _ := client.snapshot()
	if creates != 1 {
		t.Errorf("CreateSession called %d times, want 1", creates)
	}
}

func TestCancelEmitsAbortedAndDeletesSession(t *testing.T) {
	client := &fakeClient{blockChunks: true}
	o, _, sub := newTestOrchestrator(t, client)

	o.Submit(request("u1", make([]byte, 10), 5*mib))

	deadline := time.Now().Add(5 * time.Second)
	for o.ActiveCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !o.Cancel("u1") {
		t.Fatal("Cancel returned false for an active upload")
	}

	evts := collectUntilTerminal(t, sub, "u1")
	if evts[len(evts)-1].Type != broadcast.EventUploadAborted {
		t.Fatalf("terminal event = %q, want ABORTED", evts[len(evts)-1].Type)
	}

	_, _, _, completes, aborts := client.snapshot()
	if completes != 0 || aborts != 1 {
		t.Errorf("completes=%d aborts=%d, want 0/1", completes, aborts)
	}

	if o.Cancel("u1") {
		t.Error("Cancel should return false once the run is gone")
	}
}

func TestCancelDuringSessionCreationAborts(t *testing.T) {
	client := &fakeClient{blockCreate: true}
	o, _, sub := newTestOrchestrator(t, client)

	o.Submit(request("u1", make([]byte, 10), 5*mib))

	deadline := time.Now().Add(5 * time.Second)
	for o.ActiveCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !o.Cancel("u1") {
		t.Fatal("Cancel returned false for an active upload")
	}

	evts := collectUntilTerminal(t, sub, "u1")
	if evts[len(evts)-1].Type != broadcast.EventUploadAborted {
		t.Fatalf("terminal event = %q, want ABORTED", evts[len(evts)-1].Type)
	}

	// The session never existed, so there is nothing to delete server-side.
	_, idxs, _, completes, aborts := client.snapshot()
	if len(idxs) != 0 || completes != 0 || aborts != 0 {
		t.Errorf("chunks=%v completes=%d aborts=%d, want none", idxs, completes, aborts)
	}
}

func TestSubmissionsViaBus(t *testing.T) {
	client := &fakeClient{}
	o, bus, sub := newTestOrchestrator(t, client)
	o.Start()

	bus.Publish(broadcast.Event{
		Type:  broadcast.EventUploadFiles,
		Files: []broadcast.UploadRequest{request("u1", make([]byte, 10), 5*mib)},
	})

	evts := collectUntilTerminal(t, sub, "u1")
	if evts[len(evts)-1].Type != broadcast.EventUploadCompleted {
		t.Errorf("terminal event = %q, want COMPLETED", evts[len(evts)-1].Type)
	}

	if err := o.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}

func TestNilSourceFails(t *testing.T) {
	client := &fakeClient{}
	o, _, sub := newTestOrchestrator(t, client)

	req := request("u1", make([]byte, 10), 5*mib)
	req.Source = nil
	o.Submit(req)

	evts := collectUntilTerminal(t, sub, "u1")
	if evts[len(evts)-1].Type != broadcast.EventUploadFailed {
		t.Errorf("terminal event = %q, want FAILED", evts[len(evts)-1].Type)
	}

	creates, _, _, _, _ := client.snapshot()
	if creates != 0 {
		t.Errorf("CreateSession called %d times for an invalid source, want 0", creates)
	}
}

func TestClientFactoryErrorFails(t *testing.T) {
	bus := broadcast.NewChannelBus()
	t.Cleanup(bus.Close)
	sub := bus.Subscribe()

	factory := func(serverURL, userID string) (TransferClient, error) {
		return nil, errors.New("base URL is required")
	}
	o := New(bus, factory, Options{ChunkTimeout: time.Second})

	o.Submit(request("u1", make([]byte, 10), 5*mib))
	evts := collectUntilTerminal(t, sub, "u1")

	last := evts[len(evts)-1]
	if last.Type != broadcast.EventUploadFailed || !strings.Contains(last.Error, "base URL") {
		t.Errorf("terminal event = %+v, want FAILED with factory error", last)
	}
}
