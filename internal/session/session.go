// Package session runs interpreting sessions: one browser tab, one topic, one
// bilingual transcript, and at most one live microphone capture.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ryan-winkler/lectern/internal/audio"
	"github.com/ryan-winkler/lectern/internal/transcript"
)

// Capture states reported in status events.
const (
	StatusIdle       = "idle"
	StatusConnecting = "connecting"
	StatusListening  = "listening"
	StatusStopped    = "stopped"
	StatusFailed     = "failed"
)

// ErrClosed is returned when starting a capture on a removed session.
var ErrClosed = errors.New("session closed")

// Deps are the per-session collaborators, built from the credentials in
// effect when the session was created.
type Deps struct {
	Dial          DialFunc
	Translator    Translator
	SampleRate    int
	RecordingsDir string // empty disables recording
	QueueSize     int
}

// Session is one interpreting session.
type Session struct {
	ID      string
	Created time.Time

	deps   Deps
	logger *slog.Logger
	base   context.Context
	log    transcript.Log
	events *broker

	mu       sync.Mutex
	topic    string
	status   string
	capture  *Capture
	lastSeen time.Time
	closed   bool
}

func newSession(base context.Context, deps Deps, logger *slog.Logger) *Session {
	if deps.QueueSize <= 0 {
		deps.QueueSize = 64
	}
	now := time.Now()
	return &Session{
		ID:       uuid.NewString(),
		Created:  now,
		deps:     deps,
		logger:   logger,
		base:     base,
		events:   newBroker(),
		status:   StatusIdle,
		lastSeen: now,
	}
}

// Topic returns the selected lecture topic, or "" if none.
func (s *Session) Topic() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.topic
}

// SetTopic changes the topic used for subsequent utterances.
func (s *Session) SetTopic(topic string) {
	s.mu.Lock()
	s.topic = topic
	s.lastSeen = time.Now()
	s.mu.Unlock()
	s.events.broadcast(Event{Type: EventTopic, Text: topic})
}

// Status returns the capture state.
func (s *Session) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) setStatus(status string) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
	s.events.broadcast(Event{Type: EventStatus, Status: status})
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

// Transcript returns the session's bilingual log.
func (s *Session) Transcript() *transcript.Log { return &s.log }

// Clear empties both display columns. The topic and any running capture are
// untouched.
func (s *Session) Clear() {
	s.log.Clear()
	s.touch()
	s.events.broadcast(Event{Type: EventCleared})
}

// StartCapture begins a new microphone activation. A capture that is still
// running is torn down first.
func (s *Session) StartCapture() (*Capture, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	prev := s.capture
	s.capture = nil
	s.mu.Unlock()

	if prev != nil {
		s.logger.Info("replacing running capture", "session", s.ID)
		prev.kill()
	}

	ctx, cancel := context.WithCancel(s.base)
	c := &Capture{
		frames: make(chan []byte, s.deps.QueueSize),
		abort:  make(chan struct{}),
		cancel: cancel,
	}
	if s.deps.RecordingsDir != "" {
		name := fmt.Sprintf("%s-%s", time.Now().Format("20060102-150405"), s.ID[:8])
		rec, err := audio.NewRecorder(s.deps.RecordingsDir, name, s.deps.SampleRate)
		if err != nil {
			s.logger.Warn("recording disabled", "session", s.ID, "error", err)
		} else {
			c.rec = rec
			c.recPath = rec.Path()
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		if c.rec != nil {
			c.rec.Close()
		}
		return nil, ErrClosed
	}
	s.capture = c
	s.lastSeen = time.Now()
	s.mu.Unlock()

	go func() {
		defer cancel()
		s.run(ctx, c)
	}()
	return c, nil
}

// Capturing reports whether a capture is running.
func (s *Session) Capturing() bool {
	s.mu.Lock()
	c := s.capture
	s.mu.Unlock()
	if c == nil {
		return false
	}
	select {
	case <-c.Done():
		return false
	default:
		return true
	}
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// close stops any capture and refuses new ones.
func (s *Session) close() {
	s.mu.Lock()
	s.closed = true
	c := s.capture
	s.capture = nil
	s.mu.Unlock()
	if c != nil {
		c.kill()
	}
}
