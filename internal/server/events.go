package server

import (
	"encoding/json"
	"sync"
	"time"
)

// EventBus fans state-change notifications out to SSE subscribers. The
// core never depends on a reactive framework; this plain channel bus
// is the whole observer surface.
type EventBus struct {
	mu      sync.RWMutex
	clients map[chan []byte]struct{}
}

func NewEventBus() *EventBus {
	return &EventBus{
		clients: make(map[chan []byte]struct{}),
	}
}

func (e *EventBus) Subscribe() chan []byte {
	ch := make(chan []byte, 8)
	e.mu.Lock()
	e.clients[ch] = struct{}{}
	e.mu.Unlock()
	return ch
}

func (e *EventBus) Unsubscribe(ch chan []byte) {
	e.mu.Lock()
	if _, ok := e.clients[ch]; ok {
		delete(e.clients, ch)
		close(ch)
	}
	e.mu.Unlock()
}

// envelope is the wire form of one bus message: the event name, when
// it happened, and the event-specific payload.
type envelope struct {
	Event   string `json:"event"`
	Time    string `json:"time"`
	Payload any    `json:"payload,omitempty"`
}

// Publish broadcasts to every subscriber, dropping the message for
// clients whose buffer is full rather than blocking the caller.
func (e *EventBus) Publish(event string, payload any) {
	raw, err := json.Marshal(envelope{
		Event:   event,
		Time:    time.Now().UTC().Format(time.RFC3339),
		Payload: payload,
	})
	if err != nil {
		return
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	for ch := range e.clients {
		select {
		case ch <- raw:
		default:
		}
	}
}
