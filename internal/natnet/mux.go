package natnet

import (
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"
)

// EventKind distinguishes the signals a frame source can deliver.
type EventKind int

const (
	// EventFrame carries a parsed marker frame.
	EventFrame EventKind = iota
	// EventStall signals that no frame has arrived for longer than the
	// missed-frame timeout. The stream may still recover.
	EventStall
	// EventLost signals that the capture stream is gone; no further frames
	// will be produced by this source.
	EventLost
	// EventFault signals a dropped frame (out-of-order or duplicate
	// timestamp, parse failure). The stream continues.
	EventFault
)

func (k EventKind) String() string {
	switch k {
	case EventFrame:
		return "frame"
	case EventStall:
		return "stall"
	case EventLost:
		return "lost"
	case EventFault:
		return "fault"
	default:
		return "unknown"
	}
}

// Event is one item delivered to a subscriber: a frame, or a stream
// condition with the error that raised it.
type Event struct {
	Kind  EventKind
	Frame Frame
	Err   error
}

// Stream fault sentinels surfaced through EventFault/EventLost events.
var (
	ErrOutOfOrder  = errors.New("natnet: frame timestamp not after previous frame")
	ErrStreamStall = errors.New("natnet: no frame within missed-frame timeout")
	ErrStreamLost  = errors.New("natnet: capture stream lost")
)

// OverflowPolicy selects what Publish does when a subscriber's buffer is full.
type OverflowPolicy int

const (
	// DropOldest discards the oldest buffered event to make room. This is
	// the default: the trigger path must never be stalled by a slow
	// subscriber.
	DropOldest OverflowPolicy = iota
	// Block waits until the subscriber drains. Only suitable for offline
	// replay consumers.
	Block
)

// Source is the subscription interface shared by the UDP listener and the
// fixture replayer. Monitor drives production until the context is cancelled
// or the stream is lost.
type Source interface {
	Subscribe() (string, chan Event)
	Unsubscribe(string)
	Monitor(ctx context.Context) error
	Close() error
}

// Mux fans events out to subscribers over bounded buffered channels.
type Mux struct {
	policy  OverflowPolicy
	bufSize int

	mu          sync.Mutex
	subscribers map[string]*subscriber
	closed      bool
}

// subscriber pairs an event channel with the send lock that serializes
// delivery against teardown. The channel is only ever closed under mu with
// closed set, so a send can never hit a closed channel.
type subscriber struct {
	mu     sync.Mutex
	ch     chan Event
	done   chan struct{}
	closed bool
}

// deliver sends ev according to the overflow policy. Held under the send
// lock; a Block send waits on done as well, so a departing subscriber
// releases the publisher instead of stranding it.
func (s *subscriber) deliver(ev Event, policy OverflowPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
		return
	default:
	}
	switch policy {
	case DropOldest:
		// Evict one buffered event, then retry once. If a concurrent
		// reader drained the channel in between, the send still lands.
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- ev:
		default:
		}
	case Block:
		select {
		case s.ch <- ev:
		case <-s.done:
		}
	}
}

// shut closes the subscriber. done is closed first so a publisher blocked
// in deliver gives up the send lock before the channel itself is closed.
func (s *subscriber) shut() {
	close(s.done)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	close(s.ch)
}

// NewMux creates a Mux with the given per-subscriber buffer size and
// overflow policy. A bufSize below 1 is raised to 1.
func NewMux(bufSize int, policy OverflowPolicy) *Mux {
	if bufSize < 1 {
		bufSize = 1
	}
	return &Mux{
		policy:      policy,
		bufSize:     bufSize,
		subscribers: make(map[string]*subscriber),
	}
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe creates a new buffered channel for receiving events. The
// returned ID identifies the channel when unsubscribing.
func (m *Mux) Subscribe() (string, chan Event) {
	id := randomID()
	s := &subscriber{
		ch:   make(chan Event, m.bufSize),
		done: make(chan struct{}),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers[id] = s
	return id, s.ch
}

// Unsubscribe removes a channel from the list of subscribers and closes it.
// Safe to call while a Block publish to that channel is in flight.
func (m *Mux) Unsubscribe(id string) {
	m.mu.Lock()
	s, ok := m.subscribers[id]
	if ok {
		delete(m.subscribers, id)
	}
	m.mu.Unlock()
	if ok {
		s.shut()
	}
}

// Publish delivers ev to every subscriber according to the overflow policy.
// The subscriber list is snapshotted up front; delivery happens outside the
// mux lock so Subscribe and Unsubscribe never wait on a slow consumer.
func (m *Mux) Publish(ev Event) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	subs := make([]*subscriber, 0, len(m.subscribers))
	for _, s := range m.subscribers {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	for _, s := range subs {
		s.deliver(ev, m.policy)
	}
}

// Close closes all subscriber channels. Publish becomes a no-op.
func (m *Mux) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	subs := make([]*subscriber, 0, len(m.subscribers))
	for id, s := range m.subscribers {
		subs = append(subs, s)
		delete(m.subscribers, id)
	}
	m.mu.Unlock()
	for _, s := range subs {
		s.shut()
	}
}

// subscriberCount reports the current number of subscribers (for tests).
func (m *Mux) subscriberCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subscribers)
}

// ordering tracks frame timestamp monotonicity for a source and classifies
// each incoming frame.
type ordering struct {
	last    time.Duration
	haveAny bool
}

// admit reports whether the frame advances the capture clock. Frames that
// do not are dropped upstream and surfaced as EventFault.
func (o *ordering) admit(f Frame) bool {
	if o.haveAny && f.Timestamp <= o.last {
		return false
	}
	o.last = f.Timestamp
	o.haveAny = true
	return true
}
