package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ryan-winkler/lectern/internal/stt"
	"github.com/ryan-winkler/lectern/internal/stt/stttest"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeTranslator struct {
	mu     sync.Mutex
	topics []string
	fail   string // utterance that makes Formalize fail
}

func (f *fakeTranslator) Formalize(_ context.Context, utterance, topic string) (string, error) {
	f.mu.Lock()
	f.topics = append(f.topics, topic)
	f.mu.Unlock()
	if f.fail != "" && utterance == f.fail {
		return "", errors.New("llm unavailable")
	}
	return "EN:" + utterance, nil
}

func (f *fakeTranslator) TranslateKorean(_ context.Context, english, _ string) (string, error) {
	return "KO:" + english, nil
}

func dialTo(url string) DialFunc {
	d := &stt.Dialer{URL: url, APIKey: "stt-key", SampleRate: 16000, HandshakeTimeout: 2 * time.Second, Logger: discard}
	return func(ctx context.Context) (Stream, error) {
		c, err := d.Dial(ctx)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

func newTestSession(t *testing.T, srv *stttest.Server, tr Translator) *Session {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	m := NewManager(ctx, func() Deps {
		return Deps{Dial: dialTo(srv.WSURL()), Translator: tr, SampleRate: 16000}
	}, discard)
	t.Cleanup(m.Shutdown)
	return m.Create()
}

func finals(texts map[int]string) func(int, []byte) []stt.Message {
	return func(n int, _ []byte) []stt.Message {
		text, ok := texts[n]
		if !ok {
			return nil
		}
		return []stt.Message{
			{MessageType: stt.TypePartialTranscript, Text: text[:1]},
			{MessageType: stt.TypeFinalTranscript, Text: text},
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func wait(t *testing.T, c *Capture) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("capture did not finish")
	}
}

func TestCaptureInterpretsFinalsInOrder(t *testing.T) {
	srv := stttest.NewServer()
	defer srv.Close()
	srv.OnAudio = finals(map[int]string{1: "uh hello everyone", 3: "so hydrogen"})

	tr := &fakeTranslator{}
	s := newTestSession(t, srv, tr)
	s.SetTopic("그린수소")

	c, err := s.StartCapture()
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if !c.Push([]byte{1, 0, 2, 0}) {
			t.Fatal("Push returned false")
		}
	}
	c.Stop()
	wait(t, c)
	if err := c.Err(); err != nil {
		t.Fatalf("Err = %v", err)
	}

	en, ko := s.Transcript().Columns()
	if strings.Join(en, "|") != "EN:uh hello everyone|EN:so hydrogen" {
		t.Errorf("english = %q", en)
	}
	if ko[1] != "KO:EN:so hydrogen" {
		t.Errorf("korean[1] = %q", ko[1])
	}
	if len(srv.Frames()) != 3 {
		t.Errorf("frames sent = %d, want 3", len(srv.Frames()))
	}
	if s.Status() != StatusStopped {
		t.Errorf("status = %q", s.Status())
	}
	for _, topic := range tr.topics {
		if topic != "그린수소" {
			t.Errorf("topic = %q", topic)
		}
	}
}

func TestDisconnectKeepsEntries(t *testing.T) {
	srv := stttest.NewServer()
	defer srv.Close()
	srv.OnAudio = finals(map[int]string{1: "first point"})
	srv.DropAfter = 2

	s := newTestSession(t, srv, &fakeTranslator{})
	c, err := s.StartCapture()
	if err != nil {
		t.Fatal(err)
	}
	c.Push([]byte{0, 0})
	waitFor(t, "first entry", func() bool { return s.Transcript().Len() == 1 })
	c.Push([]byte{0, 0})
	wait(t, c)

	if c.Err() == nil {
		t.Fatal("Err = nil after disconnect")
	}
	if s.Transcript().Len() != 1 {
		t.Errorf("entries = %d, want 1", s.Transcript().Len())
	}
	if s.Status() != StatusFailed {
		t.Errorf("status = %q, want failed", s.Status())
	}
	if c.Push([]byte{0, 0}) {
		t.Error("Push after worker exit should return false")
	}

	// Mic can be restarted in the same session.
	c2, err := s.StartCapture()
	if err != nil {
		t.Fatal(err)
	}
	c2.Stop()
	wait(t, c2)
	if err := c2.Err(); err != nil {
		t.Errorf("restart Err = %v", err)
	}
	if s.Transcript().Len() != 1 {
		t.Errorf("entries after restart = %d", s.Transcript().Len())
	}
}

func TestTranslatorFailureDropsOnlyThatUtterance(t *testing.T) {
	srv := stttest.NewServer()
	defer srv.Close()
	srv.OnAudio = finals(map[int]string{1: "good one", 2: "bad one", 3: "good two"})

	s := newTestSession(t, srv, &fakeTranslator{fail: "bad one"})
	events := s.Subscribe()
	defer s.Unsubscribe(events)

	c, _ := s.StartCapture()
	for i := 0; i < 3; i++ {
		c.Push([]byte{0, 0})
	}
	c.Stop()
	wait(t, c)

	en, _ := s.Transcript().Columns()
	if strings.Join(en, "|") != "EN:good one|EN:good two" {
		t.Errorf("english = %q", en)
	}

	var sawDrop bool
	for len(events) > 0 {
		if ev := <-events; ev.Type == EventError && ev.Text == "bad one" {
			sawDrop = true
		}
	}
	if !sawDrop {
		t.Error("no error event for the dropped utterance")
	}
}

func TestDialFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := NewManager(ctx, func() Deps {
		return Deps{
			Dial: func(context.Context) (Stream, error) {
				return nil, errors.New("401 Unauthorized")
			},
			Translator: &fakeTranslator{},
		}
	}, discard)
	s := m.Create()

	c, err := s.StartCapture()
	if err != nil {
		t.Fatal(err)
	}
	wait(t, c)
	if c.Err() == nil || !strings.Contains(c.Err().Error(), "401") {
		t.Errorf("Err = %v", c.Err())
	}
	if s.Status() != StatusFailed {
		t.Errorf("status = %q", s.Status())
	}
}

func TestClearKeepsTopic(t *testing.T) {
	srv := stttest.NewServer()
	defer srv.Close()
	s := newTestSession(t, srv, &fakeTranslator{})
	s.SetTopic("AI Future")
	s.Transcript().Append("x", "X", "엑스")

	s.Clear()

	if s.Transcript().Len() != 0 {
		t.Error("transcript not cleared")
	}
	if s.Topic() != "AI Future" {
		t.Errorf("topic = %q after Clear", s.Topic())
	}
}

func TestStartCaptureReplacesRunning(t *testing.T) {
	srv := stttest.NewServer()
	defer srv.Close()
	s := newTestSession(t, srv, &fakeTranslator{})

	c1, _ := s.StartCapture()
	waitFor(t, "listening", func() bool { return s.Status() == StatusListening })
	c2, err := s.StartCapture()
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-c1.Done():
	default:
		t.Error("first capture still running")
	}
	if !s.Capturing() {
		t.Error("Capturing = false with a new capture")
	}
	c2.Stop()
	wait(t, c2)
}

func TestRecordingWritesWAV(t *testing.T) {
	srv := stttest.NewServer()
	defer srv.Close()
	dir := t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := NewManager(ctx, func() Deps {
		return Deps{Dial: dialTo(srv.WSURL()), Translator: &fakeTranslator{}, SampleRate: 16000, RecordingsDir: dir}
	}, discard)
	s := m.Create()

	c, _ := s.StartCapture()
	if !strings.HasPrefix(c.RecordingPath(), dir) {
		t.Fatalf("RecordingPath = %q", c.RecordingPath())
	}
	c.Push([]byte{1, 0, 2, 0})
	c.Stop()
	wait(t, c)
	if c.Err() != nil {
		t.Fatal(c.Err())
	}
}

func TestManagerSweepAndRemove(t *testing.T) {
	m := NewManager(context.Background(), func() Deps { return Deps{} }, discard)
	a := m.Create()
	m.Create()
	if m.Len() != 2 {
		t.Fatalf("Len = %d", m.Len())
	}
	if _, ok := m.Get(a.ID); !ok {
		t.Fatal("Get failed")
	}

	time.Sleep(10 * time.Millisecond)
	if n := m.Sweep(time.Millisecond); n != 2 {
		t.Errorf("Sweep removed %d, want 2", n)
	}
	if _, err := a.StartCapture(); !errors.Is(err, ErrClosed) {
		t.Errorf("StartCapture on removed session = %v", err)
	}
}

// silentStream accepts audio but never confirms termination. Receive blocks
// until Close and then fails like a closed socket.
type silentStream struct {
	closeOnce sync.Once
	closed    chan struct{}
}

func (s *silentStream) SendAudio([]byte) error { return nil }
func (s *silentStream) Terminate() error       { return nil }

func (s *silentStream) Receive() (stt.Message, error) {
	<-s.closed
	return stt.Message{}, errors.New("use of closed network connection")
}

func (s *silentStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func TestStopWithoutTerminationAck(t *testing.T) {
	defer func(d time.Duration) { terminateGrace = d }(terminateGrace)
	terminateGrace = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := NewManager(ctx, func() Deps {
		return Deps{
			Dial: func(context.Context) (Stream, error) {
				return &silentStream{closed: make(chan struct{})}, nil
			},
			Translator: &fakeTranslator{},
			SampleRate: 16000,
		}
	}, discard)
	defer m.Shutdown()
	s := m.Create()

	events := s.Subscribe()
	defer s.Unsubscribe(events)

	c, err := s.StartCapture()
	if err != nil {
		t.Fatal(err)
	}
	c.Push([]byte{1, 0})
	c.Stop()
	wait(t, c)

	if err := c.Err(); err != nil {
		t.Errorf("Err = %v, want nil after a normal stop", err)
	}
	if got := s.Status(); got != StatusStopped {
		t.Errorf("status = %q, want %q", got, StatusStopped)
	}
	for {
		select {
		case ev := <-events:
			if ev.Type == EventError {
				t.Errorf("unexpected error event: %s", ev.Error)
			}
		default:
			return
		}
	}
}
