package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ryan-winkler/lectern/internal/audio"
)

const (
	startTimeout  = 10 * time.Second
	maxFrameBytes = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16 << 10,
	WriteBufferSize: 4 << 10,
}

// controlMessage is a text frame from the browser. The first one must be
// "start" and carry the capture format; "stop" ends the capture.
type controlMessage struct {
	Type string `json:"type"`
	audio.Format
}

// handleAudio receives microphone frames for one capture. Binary frames are
// raw samples in the declared format; they are normalized and queued for the
// recognizer.
func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	sess := s.session(w, r)
	if sess == nil {
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Warn("audio socket upgrade failed", "session", sess.ID, "error", err)
		return
	}
	defer ws.Close()

	ws.SetReadLimit(maxFrameBytes)
	ws.SetReadDeadline(time.Now().Add(startTimeout))
	var start controlMessage
	if err := ws.ReadJSON(&start); err != nil || start.Type != "start" {
		closeWith(ws, websocket.ClosePolicyViolation, "expected start message")
		return
	}
	norm, err := audio.NewNormalizer(start.Format, s.cfg.STTSampleRate)
	if err != nil {
		closeWith(ws, websocket.CloseUnsupportedData, err.Error())
		return
	}
	ws.SetReadDeadline(time.Time{})

	capture, err := sess.StartCapture()
	if err != nil {
		closeWith(ws, websocket.CloseGoingAway, err.Error())
		return
	}
	s.logger.Info("microphone started",
		"session", sess.ID,
		"sample_rate", start.SampleRate,
		"channels", start.Channels,
		"encoding", start.Encoding,
	)

	// A failed worker closes the socket so the browser stops its recorder.
	go func() {
		<-capture.Done()
		reason := "capture ended"
		if err := capture.Err(); err != nil {
			reason = err.Error()
		}
		closeWith(ws, websocket.CloseNormalClosure, reason)
	}()

	frames := 0
	defer func() {
		capture.Stop()
		s.logger.Info("microphone stopped", "session", sess.ID, "frames", frames)
	}()
	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !errors.Is(err, websocket.ErrCloseSent) {
				s.logger.Debug("audio socket read ended", "session", sess.ID, "error", err)
			}
			return
		}
		switch kind {
		case websocket.TextMessage:
			var msg controlMessage
			if json.Unmarshal(data, &msg) == nil && msg.Type == "stop" {
				closeWith(ws, websocket.CloseNormalClosure, "stopped")
				return
			}
		case websocket.BinaryMessage:
			pcm, err := norm.Normalize(data)
			if err != nil {
				s.logger.Warn("bad audio frame", "session", sess.ID, "bytes", len(data), "error", err)
				closeWith(ws, websocket.CloseUnsupportedData, err.Error())
				return
			}
			frames++
			if !capture.Push(pcm) {
				return
			}
		}
	}
}

func closeWith(ws *websocket.Conn, code int, reason string) {
	if len(reason) > 120 {
		reason = strings.ToValidUTF8(reason[:120], "")
	}
	ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second))
}
