// Package stt is a client for a real-time speech recognition service that
// speaks JSON over a WebSocket: base64 PCM frames go up, transcripts tagged
// with a message_type come back.
package stt

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Message types sent by the service.
const (
	TypeSessionBegins     = "SessionBegins"
	TypePartialTranscript = "PartialTranscript"
	TypeFinalTranscript   = "FinalTranscript"
	TypeSessionTerminated = "SessionTerminated"
)

// ErrTerminated is returned by Receive once the service confirms termination.
var ErrTerminated = errors.New("recognition session terminated")

// Message is one result from the service.
type Message struct {
	MessageType string  `json:"message_type"`
	Text        string  `json:"text,omitempty"`
	SessionID   string  `json:"session_id,omitempty"`
	AudioStart  int     `json:"audio_start,omitempty"`
	AudioEnd    int     `json:"audio_end,omitempty"`
	Confidence  float64 `json:"confidence,omitempty"`
	Error       string  `json:"error,omitempty"`
}

// VendorError is an error payload sent by the service.
type VendorError struct{ Message string }

func (e *VendorError) Error() string { return "recognizer: " + e.Message }

// Dialer opens recognition sessions.
type Dialer struct {
	URL              string
	APIKey           string
	SampleRate       int
	HandshakeTimeout time.Duration
	Logger           *slog.Logger
}

// Conn is one recognition session. SendAudio and Terminate may be called from
// one goroutine while Receive runs in another.
type Conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	logger  *slog.Logger
}

// Dial connects and authenticates. The sample rate is passed as a query
// parameter; the API key goes in the Authorization header.
func (d *Dialer) Dial(ctx context.Context) (*Conn, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("parse recognizer URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	q := u.Query()
	q.Set("sample_rate", strconv.Itoa(d.SampleRate))
	u.RawQuery = q.Encode()

	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := websocket.Dialer{HandshakeTimeout: timeout, Proxy: http.ProxyFromEnvironment}
	header := http.Header{}
	header.Set("Authorization", d.APIKey)

	ws, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			resp.Body.Close()
			return nil, fmt.Errorf("dial recognizer: %s: %s: %w", resp.Status, body, err)
		}
		return nil, fmt.Errorf("dial recognizer: %w", err)
	}

	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Conn{ws: ws, logger: logger}, nil
}

// SendAudio sends one chunk of 16-bit mono PCM.
func (c *Conn) SendAudio(pcm []byte) error {
	return c.writeJSON(map[string]string{"audio_data": base64.StdEncoding.EncodeToString(pcm)})
}

// Terminate asks the service to flush and end the session. Receive keeps
// returning the remaining transcripts and then ErrTerminated.
func (c *Conn) Terminate() error {
	return c.writeJSON(map[string]bool{"terminate_session": true})
}

func (c *Conn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteJSON(v)
}

// Receive blocks for the next message. Error payloads become *VendorError,
// SessionTerminated becomes ErrTerminated and a normal close becomes io.EOF.
func (c *Conn) Receive() (Message, error) {
	var msg Message
	if err := c.ws.ReadJSON(&msg); err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return Message{}, io.EOF
		}
		return Message{}, err
	}
	if msg.Error != "" {
		return msg, &VendorError{Message: msg.Error}
	}
	if msg.MessageType == TypeSessionTerminated {
		return msg, ErrTerminated
	}
	return msg, nil
}

// Close closes the socket without waiting for the service.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.ws.Close()
}
