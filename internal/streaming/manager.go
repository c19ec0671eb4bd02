package streaming

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types emitted over a query stream, in order: sources once the
// retrieval completes, token per generated fragment, metadata, then
// exactly one of done or error.
const (
	EventSources  = "sources"
	EventToken    = "token"
	EventMetadata = "metadata"
	EventDone     = "done"
	EventError    = "error"
)

// Event is one streamed answer fragment or lifecycle marker.
type Event struct {
	RequestID string      `json:"request_id"`
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Seq       uint64      `json:"seq"`
}

// Marshal returns the JSON body for SSE and websocket frames.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Manager is in-memory pub/sub for per-request answer events. Each
// request keeps a bounded replay ring so a reconnecting subscriber can
// resume from its last seen sequence number.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	history     map[string]*ring
	capacity    int
}

// NewManager creates a streaming manager with the given per-request
// replay capacity.
func NewManager(capacity int) *Manager {
	if capacity <= 0 {
		capacity = 256
	}
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
	}
}

// Subscribe returns a channel of events for requestID. The caller must
// drain it and call Unsubscribe when done.
func (m *Manager) Subscribe(requestID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[requestID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[requestID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes and closes the subscriber channel.
func (m *Manager) Unsubscribe(requestID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[requestID]; ok {
		if _, present := subs[ch]; present {
			delete(subs, ch)
			close(ch)
		}
		if len(subs) == 0 {
			delete(m.subscribers, requestID)
		}
	}
}

// Publish assigns a sequence number, records the event for replay and
// fans it out. Slow subscribers lose events rather than stalling the
// generation path; replay covers the gap.
func (m *Manager) Publish(requestID, eventType string, data interface{}) Event {
	evt := Event{
		RequestID: requestID,
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
	m.mu.Lock()
	rg := m.history[requestID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[requestID] = rg
	}
	evt.Seq = rg.nextSeq
	rg.nextSeq++
	rg.push(evt)
	subs := m.subscribers[requestID]
	targets := make([]chan Event, 0, len(subs))
	for ch := range subs {
		targets = append(targets, ch)
	}
	m.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- evt:
		default:
		}
	}
	return evt
}

// ReplaySince returns recorded events with Seq > since, oldest first,
// bounded by the ring capacity. The lock is held across the ring read:
// Publish mutates the same ring under the write lock.
func (m *Manager) ReplaySince(requestID string, since uint64) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rg := m.history[requestID]
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Forget drops the replay history for a finished request.
func (m *Manager) Forget(requestID string) {
	m.mu.Lock()
	delete(m.history, requestID)
	m.mu.Unlock()
}

// ring is a fixed-capacity event buffer.
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
