// Package sse implements the SSE broadcaster (C9): per-session fan-out of
// status/text/frame/done/error/hml events to subscribed HTTP clients, with a
// 500ms heartbeat and backpressure rules that protect the critical events
// (frame/done/error) at the expense of coalescing text deltas.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// backpressureThreshold is the queued-event count past which non-critical
// events are dropped rather than enqueued.
const backpressureThreshold = 64

// HeartbeatInterval matches the spec's 500ms keepalive cadence.
const HeartbeatInterval = 500 * time.Millisecond

// criticalEvents are never dropped under backpressure.
var criticalEvents = map[string]bool{
	"frame": true,
	"done":  true,
	"error": true,
}

type formattedEvent struct {
	Name string
	Data json.RawMessage
}

// Subscriber is one connected SSE client's outbound queue.
type Subscriber struct {
	mu     sync.Mutex
	queue  []formattedEvent
	wake   chan struct{}
	closed bool
}

func newSubscriber() *Subscriber {
	return &Subscriber{wake: make(chan struct{}, 1)}
}

func (s *Subscriber) push(ev formattedEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	critical := criticalEvents[ev.Name]

	if len(s.queue) >= backpressureThreshold && !critical {
		return // dropped: queue saturated and this event is droppable
	}

	if ev.Name == "text" && len(s.queue) > 0 {
		last := &s.queue[len(s.queue)-1]
		if last.Name == "text" {
			*last = coalesceText(*last, ev)
			s.notify()
			return
		}
	}

	s.queue = append(s.queue, ev)
	s.notify()
}

// coalesceText merges two consecutive "text" events' string payloads into
// one, so a queue under backpressure doesn't multiply delta writes.
func coalesceText(a, b formattedEvent) formattedEvent {
	var sa, sb string
	_ = json.Unmarshal(a.Data, &sa)
	_ = json.Unmarshal(b.Data, &sb)
	merged, _ := json.Marshal(sa + sb)
	return formattedEvent{Name: "text", Data: merged}
}

func (s *Subscriber) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscriber) drain() []formattedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.queue
	s.queue = nil
	return out
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// Broadcaster maintains sessionId -> set<Subscriber> and publishes named
// events with JSON payloads to every subscriber of a session.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[string]map[*Subscriber]struct{}
}

// New creates an empty Broadcaster.
func New() *Broadcaster {
	return &Broadcaster{subs: make(map[string]map[*Subscriber]struct{})}
}

// Subscribe registers a new subscriber for a session.
func (b *Broadcaster) Subscribe(sessionID string) *Subscriber {
	sub := newSubscriber()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[*Subscriber]struct{})
	}
	b.subs[sessionID][sub] = struct{}{}
	return sub
}

// Unsubscribe removes and closes a subscriber.
func (b *Broadcaster) Unsubscribe(sessionID string, sub *Subscriber) {
	b.mu.Lock()
	if set, ok := b.subs[sessionID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, sessionID)
		}
	}
	b.mu.Unlock()
	sub.close()
}

// Publish emits a named event with a JSON-marshalable payload to every
// subscriber of sessionID. Known event names: status, text, done, error,
// frame, hml:element:start, hml:element:complete, hml:element:error.
func (b *Broadcaster) Publish(sessionID, name string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	ev := formattedEvent{Name: name, Data: payload}

	b.mu.Lock()
	subs := make([]*Subscriber, 0, len(b.subs[sessionID]))
	for s := range b.subs[sessionID] {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.push(ev)
	}
}

// SubscriberCount reports how many subscribers currently hold a session
// open, used by tests and diagnostics.
func (b *Broadcaster) SubscriberCount(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[sessionID])
}

// Serve drives one subscriber's HTTP response: flushes headers, writes the
// initial ":ok" comment, then loops writing queued events and ":heartbeat-N"
// comments until the request's underlying connection closes; events still
// queued at that moment are not written. Close detection relies on r.Context()
// being cancelled when the connection itself closes (not merely when the
// request body finishes being read), matching the response-close signal the
// spec calls for.
func (b *Broadcaster) Serve(w http.ResponseWriter, r *http.Request, sessionID string) error {
	return b.ServeWithStart(w, r, sessionID, nil)
}

// ServeWithStart behaves like Serve, but invokes onSubscribed (if non-nil)
// right after the subscriber slot is registered and before the event loop
// begins — the hook a caller needs to kick off work that publishes to this
// session without racing the subscription against its first events.
func (b *Broadcaster) ServeWithStart(w http.ResponseWriter, r *http.Request, sessionID string, onSubscribed func()) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("streaming unsupported by response writer")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	fmt.Fprint(w, ":ok\n\n")
	flusher.Flush()

	sub := b.Subscribe(sessionID)
	defer b.Unsubscribe(sessionID, sub)

	if onSubscribed != nil {
		onSubscribed()
	}

	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	heartbeatN := 0
	for {
		select {
		case <-r.Context().Done():
			return nil
		case <-sub.wake:
			for _, ev := range sub.drain() {
				if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, ev.Data); err != nil {
					return err
				}
			}
			flusher.Flush()
		case <-ticker.C:
			heartbeatN++
			fmt.Fprintf(w, ":heartbeat-%d\n\n", heartbeatN)
			flusher.Flush()
		}
	}
}
