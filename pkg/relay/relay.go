// Package relay multiplexes one execution's output to any number of
// live observers. One topic per session id, no replay: observers see
// only events published after they attach.
package relay

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// EventType identifies a relay message
type EventType string

const (
	EventStatus EventType = "status"
	EventPlan   EventType = "plan"
	EventText   EventType = "text"
	EventError  EventType = "error"
	// EventDone is the sentinel; no further messages follow it.
	EventDone EventType = "done"
)

// Event is one typed message on a session topic
type Event struct {
	Type    EventType `json:"type"`
	Content string    `json:"content,omitempty"`
	// Steps carries the ordered plan labels for plan events.
	Steps []string `json:"steps,omitempty"`
}

// ChannelName returns the deterministic topic name for a session id
func ChannelName(sessionID string) string {
	return "agent:session:" + sessionID
}

// DefaultBuffer is the per-subscriber event buffer size
const DefaultBuffer = 256

// Hub is the in-process broadcast hub. Publish never blocks: events to
// subscribers with a full buffer are dropped.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]*topic
	buffer int

	// OnPublish and OnDrop are optional counters (metrics hooks).
	OnPublish func()
	OnDrop    func()
}

type topic struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

// Subscription is one observer's attachment to a session topic
type Subscription struct {
	hub       *Hub
	sessionID string
	ch        chan Event
	once      sync.Once
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{
		topics: make(map[string]*topic),
		buffer: DefaultBuffer,
	}
}

// Subscribe attaches an observer to the session topic. The returned
// subscription's channel is closed when the topic finishes or the
// subscription is closed; the observer must call Close on every exit
// path.
func (h *Hub) Subscribe(sessionID string) *Subscription {
	h.mu.Lock()
	t, ok := h.topics[sessionID]
	if !ok {
		t = &topic{subs: make(map[*Subscription]struct{})}
		h.topics[sessionID] = t
	}
	h.mu.Unlock()

	sub := &Subscription{
		hub:       h,
		sessionID: sessionID,
		ch:        make(chan Event, h.buffer),
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		close(sub.ch)
		return sub
	}
	t.subs[sub] = struct{}{}
	t.mu.Unlock()

	return sub
}

// C returns the subscription's event channel
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.RLock()
		t, ok := s.hub.topics[s.sessionID]
		s.hub.mu.RUnlock()
		if !ok {
			return
		}

		t.mu.Lock()
		if _, attached := t.subs[s]; attached {
			delete(t.subs, s)
			close(s.ch)
		}
		t.mu.Unlock()
	})
}

// Publish broadcasts an event to all current subscribers of the session
// topic. Fire-and-forget: no subscribers means the event is discarded,
// and a slow subscriber loses the event rather than blocking the
// producer.
func (h *Hub) Publish(sessionID string, ev Event) {
	if h.OnPublish != nil {
		h.OnPublish()
	}

	h.mu.RLock()
	t, ok := h.topics[sessionID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	for sub := range t.subs {
		select {
		case sub.ch <- ev:
		default:
			if h.OnDrop != nil {
				h.OnDrop()
			}
			log.Warn().
				Str("channel", ChannelName(sessionID)).
				Str("type", string(ev.Type)).
				Msg("Dropping event for slow subscriber")
		}
	}
}

// Finish closes the session topic after the terminal event was
// published, releasing all subscriber channels.
func (h *Hub) Finish(sessionID string) {
	h.mu.Lock()
	t, ok := h.topics[sessionID]
	if ok {
		delete(h.topics, sessionID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	t.closed = true
	for sub := range t.subs {
		delete(t.subs, sub)
		close(sub.ch)
	}
	t.mu.Unlock()
}

// Subscribers returns the current observer count for a session topic
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.RLock()
	t, ok := h.topics[sessionID]
	h.mu.RUnlock()
	if !ok {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}
