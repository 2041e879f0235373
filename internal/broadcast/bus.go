// Package broadcast delivers upload lifecycle events from the orchestrator
// to any number of observers. Delivery is at-least-once and ordered per
// upload id; no ordering is promised across ids or across observers.
package broadcast

import (
	"log/slog"
	"sync"
)

// Bus is the transport between the orchestrator and its observers. The two
// sides depend only on this interface, so the in-process channel
// implementation below can be swapped for a pipe or socket transport.
type Bus interface {
	// Publish hands an event to the bus. It blocks when the bus is
	// saturated rather than dropping; delivery is at-least-once.
	Publish(evt Event)

	// Subscribe registers an observer. Events published after the call are
	// delivered in publish order on the returned feed until Cancel.
	Subscribe() *Subscription

	// Close shuts the bus down; later publishes are dropped and all
	// subscriber channels are closed.
	Close()
}

// Subscription is one observer's feed. Receivers range over C; the channel
// is closed after Cancel or when the bus shuts down.
type Subscription struct {
	C      <-chan Event
	ch     chan Event
	done   chan struct{}
	cancel sync.Once
}

// Cancel detaches the subscription.
func (s *Subscription) Cancel() {
	s.cancel.Do(func() { close(s.done) })
}

const (
	// publishBuffer decouples publishers from the dispatcher.
	publishBuffer = 256

	// subscriptionBuffer absorbs bursts of progress events without
	// stalling the dispatcher.
	subscriptionBuffer = 64
)

// ChannelBus is the in-process Bus implementation. A single dispatcher
// goroutine owns every subscriber channel, which keeps fan-out ordered and
// makes channel close safe without locking around sends.
type ChannelBus struct {
	eventChan chan Event
	shutdown  chan struct{}
	finished  chan struct{}
	closeOnce sync.Once

	mu   sync.Mutex
	subs []*Subscription
}

// NewChannelBus creates an open bus and starts its dispatcher.
func NewChannelBus() *ChannelBus {
	b := &ChannelBus{
		eventChan: make(chan Event, publishBuffer),
		shutdown:  make(chan struct{}),
		finished:  make(chan struct{}),
	}
	go b.dispatch()
	return b
}

// Publish implements Bus.
func (b *ChannelBus) Publish(evt Event) {
	select {
	case <-b.shutdown:
		slog.Warn("broadcast: publish after close, dropping event",
			"event_type", evt.Type,
			"upload_id", evt.UploadID,
		)
	case b.eventChan <- evt:
	}
}

// Subscribe implements Bus.
func (b *ChannelBus) Subscribe() *Subscription {
	sub := &Subscription{
		ch:   make(chan Event, subscriptionBuffer),
		done: make(chan struct{}),
	}
	sub.C = sub.ch

	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.shutdown:
		close(sub.ch)
	default:
		b.subs = append(b.subs, sub)
	}
	return sub
}

// Close implements Bus. It returns once the dispatcher has stopped.
func (b *ChannelBus) Close() {
	b.closeOnce.Do(func() { close(b.shutdown) })
	<-b.finished
}

// dispatch fans published events out to subscribers in order.
func (b *ChannelBus) dispatch() {
	defer close(b.finished)

	for {
		select {
		case <-b.shutdown:
			b.closeSubs()
			return
		case evt := <-b.eventChan:
			b.deliver(evt)
		}
	}
}

// deliver sends one event to every live subscriber. A cancelled subscriber
// is pruned; a slow one is waited for, never skipped.
func (b *ChannelBus) deliver(evt Event) {
	b.mu.Lock()
	subs := make([]*Subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, sub := range subs {
		select {
		case <-sub.done:
			b.remove(sub)
		case sub.ch <- evt:
		case <-b.shutdown:
			return
		}
	}
}

// remove detaches and closes a cancelled subscription. Only the dispatcher
// calls this, so the close cannot race a send.
func (b *ChannelBus) remove(target *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subs {
		if sub == target {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(sub.ch)
			return
		}
	}
}

func (b *ChannelBus) closeSubs() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		close(sub.ch)
	}
	b.subs = nil
}
