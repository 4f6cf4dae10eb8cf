// Package stttest provides a scripted recognition service for tests.
package stttest

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/ryan-winkler/lectern/internal/stt"
)

// Server is a fake recognizer. Zero-valued hooks are ignored.
type Server struct {
	*httptest.Server

	// OnAudio returns the messages to send after the n-th audio frame (1-based).
	OnAudio func(n int, pcm []byte) []stt.Message
	// DropAfter closes the TCP connection without a close frame after that many frames.
	DropAfter int

	mu     sync.Mutex
	frames [][]byte
	header http.Header
	query  url.Values
	done   chan struct{}
	once   sync.Once
}

// NewServer starts a fake recognizer. Use WSURL as the Dialer URL.
func NewServer() *Server {
	s := &Server{done: make(chan struct{})}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// WSURL returns the ws:// address of the server.
func (s *Server) WSURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

// Frames returns copies of the audio frames received so far.
func (s *Server) Frames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.frames))
	copy(out, s.frames)
	return out
}

// Header returns the handshake headers of the last connection.
func (s *Server) Header() http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.header
}

// Query returns the handshake query of the last connection.
func (s *Server) Query() url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.query
}

// Done is closed when a connection handler returns.
func (s *Server) Done() <-chan struct{} { return s.done }

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	defer s.once.Do(func() { close(s.done) })

	s.mu.Lock()
	s.header = r.Header.Clone()
	s.query = r.URL.Query()
	s.mu.Unlock()

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	ws.WriteJSON(stt.Message{MessageType: stt.TypeSessionBegins, SessionID: "test-session"})

	n := 0
	for {
		var in struct {
			AudioData string `json:"audio_data"`
			Terminate bool   `json:"terminate_session"`
		}
		if err := ws.ReadJSON(&in); err != nil {
			return
		}
		if in.Terminate {
			ws.WriteJSON(stt.Message{MessageType: stt.TypeSessionTerminated})
			ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
		pcm, err := base64.StdEncoding.DecodeString(in.AudioData)
		if err != nil {
			ws.WriteJSON(stt.Message{Error: "invalid audio_data"})
			continue
		}
		n++
		s.mu.Lock()
		s.frames = append(s.frames, pcm)
		s.mu.Unlock()

		if s.OnAudio != nil {
			for _, msg := range s.OnAudio(n, pcm) {
				ws.WriteJSON(msg)
			}
		}
		if s.DropAfter > 0 && n >= s.DropAfter {
			ws.UnderlyingConn().Close()
			return
		}
	}
}
