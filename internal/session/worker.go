package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ryan-winkler/lectern/internal/audio"
	"github.com/ryan-winkler/lectern/internal/stt"
)

// Stream is one live recognition connection.
type Stream interface {
	SendAudio(pcm []byte) error
	Terminate() error
	Receive() (stt.Message, error)
	Close() error
}

// DialFunc opens a recognition stream.
type DialFunc func(ctx context.Context) (Stream, error)

// Translator turns a recognized utterance into formal English and Korean.
type Translator interface {
	Formalize(ctx context.Context, utterance, topic string) (string, error)
	TranslateKorean(ctx context.Context, english, topic string) (string, error)
}

var errStreamEnded = errors.New("recognizer ended the stream")

// How long to wait for the recognizer to confirm termination after the mic stops.
var terminateGrace = 5 * time.Second

// Capture is one microphone activation. The audio handler is its only producer.
type Capture struct {
	frames  chan []byte
	abort   chan struct{} // closed when the worker exits
	rec     *audio.Recorder
	recPath string
	cancel  context.CancelFunc

	closeOnce sync.Once
	err       error
}

// Push queues one frame of normalized PCM. It returns false once the worker has
// stopped; the caller should then end the capture.
func (c *Capture) Push(pcm []byte) bool {
	if len(pcm) == 0 {
		return true
	}
	select {
	case c.frames <- pcm:
	case <-c.abort:
		return false
	}
	return true
}

// Stop ends the capture. Queued audio is still sent and pending utterances
// are still interpreted before the worker exits.
func (c *Capture) Stop() {
	c.closeOnce.Do(func() { close(c.frames) })
}

// Done is closed when the worker has exited.
func (c *Capture) Done() <-chan struct{} { return c.abort }

// Err reports why the worker exited. Valid after Done is closed.
func (c *Capture) Err() error {
	<-c.abort
	return c.err
}

// RecordingPath is the WAV file of this capture, if recording is enabled.
func (c *Capture) RecordingPath() string {
	return c.recPath
}

func (c *Capture) kill() {
	c.cancel()
	<-c.abort
}

// run streams audio to the recognizer and interprets each final utterance in
// arrival order. Appended entries are never rolled back on failure.
func (s *Session) run(ctx context.Context, c *Capture) {
	defer close(c.abort)
	defer func() {
		if c.rec != nil {
			if err := c.rec.Close(); err != nil {
				s.logger.Warn("recording close failed", "session", s.ID, "error", err)
			}
		}
	}()

	s.setStatus(StatusConnecting)
	conn, err := s.deps.Dial(ctx)
	if err != nil {
		if ctx.Err() != nil {
			s.setStatus(StatusStopped)
			return
		}
		c.err = fmt.Errorf("connect recognizer: %w", err)
		s.fail(c.err)
		return
	}
	s.setStatus(StatusListening)
	s.logger.Info("recognizer connected", "session", s.ID)

	g, gctx := errgroup.WithContext(ctx)
	finals := make(chan string, 32)
	recvDone := make(chan struct{})
	var terminating atomic.Bool

	// Unblock Receive when any side fails.
	go func() {
		<-gctx.Done()
		conn.Close()
	}()

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case pcm, ok := <-c.frames:
				if !ok {
					terminating.Store(true)
					if err := conn.Terminate(); err != nil {
						return fmt.Errorf("terminate: %w", err)
					}
					select {
					case <-recvDone:
					case <-time.After(terminateGrace):
						s.logger.Warn("recognizer did not confirm termination", "session", s.ID)
						conn.Close()
					}
					return nil
				}
				if err := conn.SendAudio(pcm); err != nil {
					return fmt.Errorf("send audio: %w", err)
				}
				if c.rec != nil {
					if err := c.rec.Write(pcm); err != nil {
						s.logger.Warn("recording stopped", "session", s.ID, "error", err)
						c.rec.Close()
						c.rec = nil
					}
				}
			}
		}
	})

	g.Go(func() error {
		defer close(finals)
		defer close(recvDone)
		for {
			msg, err := conn.Receive()
			if errors.Is(err, stt.ErrTerminated) || errors.Is(err, io.EOF) {
				if terminating.Load() {
					return nil
				}
				return errStreamEnded
			}
			if err != nil {
				// The sender closes the stream when termination is never confirmed.
				if terminating.Load() {
					return nil
				}
				if gctx.Err() != nil {
					return gctx.Err()
				}
				return fmt.Errorf("receive: %w", err)
			}
			switch msg.MessageType {
			case stt.TypePartialTranscript:
				if msg.Text != "" {
					s.events.broadcast(Event{Type: EventInterim, Text: msg.Text})
				}
			case stt.TypeFinalTranscript:
				if msg.Text == "" {
					continue
				}
				select {
				case finals <- msg.Text:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
		}
	})

	g.Go(func() error {
		for text := range finals {
			s.interpret(gctx, text)
		}
		return nil
	})

	err = g.Wait()
	conn.Close()
	if err != nil && !errors.Is(err, context.Canceled) {
		c.err = err
		s.fail(err)
		return
	}
	s.setStatus(StatusStopped)
	s.logger.Info("capture stopped", "session", s.ID, "entries", s.log.Len())
}

// interpret formalizes and translates one utterance and appends the pair.
// A failed call drops only that utterance.
func (s *Session) interpret(ctx context.Context, text string) {
	topic := s.Topic()
	start := time.Now()

	english, err := s.deps.Translator.Formalize(ctx, text, topic)
	if err != nil {
		s.drop(text, err)
		return
	}
	korean, err := s.deps.Translator.TranslateKorean(ctx, english, topic)
	if err != nil {
		s.drop(text, err)
		return
	}

	entry := s.log.Append(text, english, korean)
	s.touch()
	s.events.broadcast(Event{Type: EventUtterance, Entry: &entry})
	s.logger.Debug("utterance interpreted",
		"session", s.ID,
		"index", entry.Index,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

func (s *Session) drop(text string, err error) {
	s.logger.Warn("utterance dropped", "session", s.ID, "chars", len(text), "error", err)
	s.events.broadcast(Event{Type: EventError, Text: text, Error: err.Error()})
}

func (s *Session) fail(err error) {
	s.logger.Error("capture failed", "session", s.ID, "error", err)
	s.setStatus(StatusFailed)
	s.events.broadcast(Event{Type: EventError, Error: err.Error()})
}
