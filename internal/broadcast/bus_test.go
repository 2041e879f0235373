package broadcast

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func collect(t *testing.T, sub *Subscription, n int) []Event {
	t.Helper()

	out := make([]Event, 0, n)
	timeout := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case evt, ok := <-sub.C:
			if !ok {
				t.Fatalf("feed closed after %d events, want %d", len(out), n)
			}
			out = append(out, evt)
		case <-timeout:
			t.Fatalf("timed out after %d events, want %d", len(out), n)
		}
	}
	return out
}

func TestPublishReachesAllSubscribers(t *testing.T) {
	bus := NewChannelBus()
	defer bus.Close()

	sub1 := bus.Subscribe()
	sub2 := bus.Subscribe()

	bus.Publish(Event{Type: EventUploadStarted, UploadID: "u1"})

	for i, sub := range []*Subscription{sub1, sub2} {
		evts := collect(t, sub, 1)
		if evts[0].Type != EventUploadStarted || evts[0].UploadID != "u1" {
			t.Errorf("subscriber %d got %+v", i+1, evts[0])
		}
	}
}

func TestPerUploadOrdering(t *testing.T) {
	bus := NewChannelBus()
	defer bus.Close()

	sub := bus.Subscribe()

	// Two concurrent publishers, one per upload id, each emitting an
	// ordered lifecycle.
	var wg sync.WaitGroup
	for _, id := range []string{"u1", "u2"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			bus.Publish(Event{Type: EventUploadStarted, UploadID: id})
			for i := 1; i <= 10; i++ {
				bus.Publish(Event{Type: EventUploadProgress, UploadID: id, UploadedBytes: int64(i)})
			}
			bus.Publish(Event{Type: EventUploadCompleted, UploadID: id})
		}(id)
	}
	wg.Wait()

	evts := collect(t, sub, 24)

	byID := map[string][]Event{}
	for _, evt := range evts {
		byID[evt.UploadID] = append(byID[evt.UploadID], evt)
	}

	for id, seq := range byID {
		if seq[0].Type != EventUploadStarted {
			t.Errorf("%s: first event = %q, want STARTED", id, seq[0].Type)
		}
		if seq[len(seq)-1].Type != EventUploadCompleted {
			t.Errorf("%s: last event = %q, want COMPLETED", id, seq[len(seq)-1].Type)
		}
		var last int64
		for _, evt := range seq[1 : len(seq)-1] {
			if evt.UploadedBytes <= last {
				t.Errorf("%s: progress out of order: %d after %d", id, evt.UploadedBytes, last)
			}
			last = evt.UploadedBytes
		}
	}
}

func TestCancelledSubscriberDoesNotBlockOthers(t *testing.T) {
	bus := NewChannelBus()
	defer bus.Close()

	dead := bus.Subscribe()
	dead.Cancel()

	live := bus.Subscribe()

	// More events than the dead subscriber's buffer could hold.
	for i := 0; i < subscriptionBuffer/2; i++ {
		bus.Publish(Event{Type: EventUploadProgress, UploadID: "u1", UploadedBytes: int64(i)})
	}

	evts := collect(t, live, subscriptionBuffer/2)
	if len(evts) != subscriptionBuffer/2 {
		t.Fatalf("live subscriber got %d events", len(evts))
	}
}

func TestCloseDropsLatePublishes(t *testing.T) {
	bus := NewChannelBus()
	sub := bus.Subscribe()

	bus.Close()

	// Must not panic or block.
	bus.Publish(Event{Type: EventUploadStarted, UploadID: "u1"})

	if _, ok := <-sub.C; ok {
		t.Error("subscriber channel should be closed after bus Close")
	}
}

func TestSubscribeAfterCloseYieldsClosedFeed(t *testing.T) {
	bus := NewChannelBus()
	bus.Close()

	sub := bus.Subscribe()
	if _, ok := <-sub.C; ok {
		t.Error("subscription after close should be closed immediately")
	}
}

func TestUploadFilesEventCarriesBatch(t *testing.T) {
	bus := NewChannelBus()
	defer bus.Close()

	sub := bus.Subscribe()

	files := make([]UploadRequest, 3)
	for i := range files {
		files[i] = UploadRequest{ID: fmt.Sprintf("u%d", i), Size: int64(i) * 100}
	}
	bus.Publish(Event{Type: EventUploadFiles, Files: files})

	evts := collect(t, sub, 1)
	if len(evts[0].Files) != 3 {
		t.Errorf("batch size = %d, want 3", len(evts[0].Files))
	}
}
