package session

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ryan-winkler/lectern/internal/transcript"
)

// Event types pushed to the browser.
const (
	EventUtterance = "utterance" // a new bilingual entry
	EventInterim   = "interim"   // partial recognition, replaced by the next one
	EventCleared   = "cleared"
	EventTopic     = "topic"
	EventStatus    = "status" // Status holds connecting|listening|stopped|failed
	EventError     = "error"
)

// Event is one SSE message.
type Event struct {
	Type      string            `json:"type"`
	Entry     *transcript.Entry `json:"entry,omitempty"`
	Text      string            `json:"text,omitempty"`
	Status    string            `json:"status,omitempty"`
	Error     string            `json:"error,omitempty"`
	Timestamp string            `json:"timestamp"`
}

type broker struct {
	mu      sync.Mutex
	clients map[chan Event]struct{}
}

func newBroker() *broker {
	return &broker{clients: make(map[chan Event]struct{})}
}

func (b *broker) subscribe() chan Event {
	ch := make(chan Event, 32)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *broker) unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.clients[ch]; ok {
		delete(b.clients, ch)
		close(ch)
	}
	b.mu.Unlock()
}

func (b *broker) broadcast(ev Event) {
	if ev.Timestamp == "" {
		ev.Timestamp = time.Now().Format(time.RFC3339)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.clients {
		select {
		case ch <- ev:
		default:
			// Slow client, drop rather than stall the worker
		}
	}
}

// Subscribe returns a channel of session events. Call Unsubscribe when done.
func (s *Session) Subscribe() chan Event { return s.events.subscribe() }

// Unsubscribe detaches and closes ch.
func (s *Session) Unsubscribe(ch chan Event) { s.events.unsubscribe(ch) }

// SSEHandler streams session events as Server-Sent Events.
func (s *Session) SSEHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		flusher, ok := rw.(http.Flusher)
		if !ok {
			http.Error(rw, "streaming not supported", http.StatusInternalServerError)
			return
		}

		// Long-lived stream, lift the server's write timeout.
		http.NewResponseController(rw).SetWriteDeadline(time.Time{})

		rw.Header().Set("Content-Type", "text/event-stream")
		rw.Header().Set("Cache-Control", "no-cache")
		rw.Header().Set("Connection", "keep-alive")

		ch := s.Subscribe()
		defer s.Unsubscribe(ch)

		fmt.Fprintf(rw, "data: {\"type\":\"connected\",\"status\":%q}\n\n", s.Status())
		flusher.Flush()

		keepalive := time.NewTicker(25 * time.Second)
		defer keepalive.Stop()
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				data, _ := json.Marshal(ev)
				fmt.Fprintf(rw, "data: %s\n\n", data)
				flusher.Flush()
			case <-keepalive.C:
				fmt.Fprint(rw, ": keepalive\n\n")
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	}
}
