package stream

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"plato/pkg/audit"
)

const (
	EventReady              = "ready"
	EventExecutionFinalized = "execution.finalized"
)

type Event struct {
	Type string          `json:"type"`
	At   string          `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ExecutionSummary is the public part of a finalized execution. Payloads and
// user ids never leave the process through the stream.
type ExecutionSummary struct {
	ExecutionID string `json:"executionId"`
	Route       string `json:"route"`
	FailClass   string `json:"failClass"`
	OK          bool   `json:"ok"`
}

func NewEvent(eventType string, data interface{}) Event {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	return Event{Type: eventType, At: time.Now().UTC().Format(time.RFC3339Nano), Data: raw}
}

type Hub struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}

	// OnClients, when set, is called with the subscriber count after every
	// change.
	OnClients func(n int)
}

func NewHub() *Hub {
	return &Hub{subs: map[chan Event]struct{}{}}
}

func (h *Hub) Subscribe(buffer int) chan Event {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	n := len(h.subs)
	h.mu.Unlock()
	h.notify(n)
	return ch
}

func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	_, exists := h.subs[ch]
	if exists {
		delete(h.subs, ch)
	}
	n := len(h.subs)
	h.mu.Unlock()
	if exists {
		close(ch)
		h.notify(n)
	}
}

// Clients returns the current subscriber count.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Publish delivers evt to every subscriber with buffer space. Slow
// subscribers miss events rather than block the publisher.
func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// PublishExecution pushes an execution.finalized event for rec.
func (h *Hub) PublishExecution(_ context.Context, rec audit.Record) error {
	h.Publish(NewEvent(EventExecutionFinalized, ExecutionSummary{
		ExecutionID: rec.ExecutionID,
		Route:       rec.Route,
		FailClass:   rec.FailClass,
		OK:          rec.OK,
	}))
	return nil
}

func (h *Hub) notify(n int) {
	if h.OnClients != nil {
		h.OnClients(n)
	}
}
