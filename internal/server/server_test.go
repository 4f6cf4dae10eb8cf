package server

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ryan-winkler/lectern/internal/config"
	"github.com/ryan-winkler/lectern/internal/ratelimit"
	"github.com/ryan-winkler/lectern/internal/session"
	"github.com/ryan-winkler/lectern/internal/stt"
	"github.com/ryan-winkler/lectern/internal/stt/stttest"
	"github.com/ryan-winkler/lectern/internal/synology"
	"github.com/ryan-winkler/lectern/internal/topics"
	"github.com/ryan-winkler/lectern/internal/vault"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeLister struct {
	mu    sync.Mutex
	names []string
	err   error
	calls int
}

func (f *fakeLister) Folders(_ context.Context, path string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.names, f.err
}

func (f *fakeLister) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeLister) set(names []string, err error) {
	f.mu.Lock()
	f.names, f.err = names, err
	f.mu.Unlock()
}

type echoTranslator struct{}

func (echoTranslator) Formalize(_ context.Context, u, _ string) (string, error) { return "EN:" + u, nil }
func (echoTranslator) TranslateKorean(_ context.Context, e, _ string) (string, error) {
	return "KO:" + e, nil
}

type harness struct {
	srv      *Server
	http     *httptest.Server
	lister   *fakeLister
	stt      *stttest.Server
	sessions *session.Manager
}

func newHarness(t *testing.T, edit func(*Options)) *harness {
	t.Helper()
	recognizer := stttest.NewServer()
	t.Cleanup(recognizer.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	dialer := &stt.Dialer{URL: recognizer.WSURL(), APIKey: "stt", SampleRate: 16000, HandshakeTimeout: 2 * time.Second, Logger: discard}
	mgr := session.NewManager(ctx, func() session.Deps {
		return session.Deps{
			Dial: func(ctx context.Context) (session.Stream, error) {
				c, err := dialer.Dial(ctx)
				if err != nil {
					return nil, err
				}
				return c, nil
			},
			Translator: echoTranslator{},
			SampleRate: 16000,
		}
	}, discard)
	t.Cleanup(mgr.Shutdown)

	creds := config.Credentials{NASURL: "http://nas.test:5000", NASAccount: "u", NASPassword: "p", STTKey: "stt", LLMKey: "llm"}
	lister := &fakeLister{names: []string{"AI Future", "그린수소"}}
	opts := Options{
		Config: &config.Config{
			NASBackend:    "api",
			FolderPath:    "/RLRC/509 자료",
			SecretsFile:   "secrets.toml",
			STTSampleRate: 16000,
		},
		Store:    config.NewStore("secrets.toml", creds, discard),
		Catalog:  topics.New(),
		Sessions: mgr,
		Web:      fstest.MapFS{"index.html": {Data: []byte("<h1>Lectern</h1>")}},
		Version:  "test",
		Logger:   discard,
		Lister:   func(config.Credentials) topics.Lister { return lister },
	}
	if edit != nil {
		edit(&opts)
	}
	srv := New(opts)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	return &harness{srv: srv, http: hs, lister: lister, stt: recognizer, sessions: mgr}
}

func (h *harness) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, _ := http.NewRequest(method, h.http.URL+path, strings.NewReader(body))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (h *harness) createSession(t *testing.T) *session.Session {
	t.Helper()
	resp, body := h.do(t, http.MethodPost, "/api/sessions", "")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create session = %d", resp.StatusCode)
	}
	sess, ok := h.sessions.Get(body["id"].(string))
	if !ok {
		t.Fatal("created session not in manager")
	}
	return sess
}

func TestHealth(t *testing.T) {
	h := newHarness(t, nil)
	resp, body := h.do(t, http.MethodGet, "/healthz", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["recognizer"] != "configured" || body["llm"] != "configured" {
		t.Errorf("health = %v", body)
	}
	if resp.Header.Get("Permissions-Policy") != "microphone=(self)" {
		t.Errorf("Permissions-Policy = %q", resp.Header.Get("Permissions-Policy"))
	}
}

func TestHealthDiagProbesLLM(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.LLMHealth = func(context.Context) error { return errors.New("connection refused") }
	})
	_, body := h.do(t, http.MethodGet, "/healthz?diag", "")
	if body["llm"] != "unreachable" {
		t.Errorf("llm = %v", body["llm"])
	}
	diag, _ := body["diagnostics"].(map[string]any)
	if diag["llm_error"] != "connection refused" {
		t.Errorf("diagnostics = %v", diag)
	}
}

func TestRefreshAndFilter(t *testing.T) {
	h := newHarness(t, nil)
	resp, body := h.do(t, http.MethodPost, "/api/folders/refresh", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh = %d %v", resp.StatusCode, body)
	}
	if body["count"].(float64) != 2 {
		t.Errorf("count = %v", body["count"])
	}

	_, body = h.do(t, http.MethodGet, "/api/folders?q=수소", "")
	folders := body["folders"].([]any)
	if len(folders) != 1 || folders[0] != "그린수소" {
		t.Errorf("filtered = %v", folders)
	}
}

func TestRefreshFailureKeepsListAndExhaustsBudget(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Limiter = ratelimit.New(5, time.Minute, nil)
	})
	h.do(t, http.MethodPost, "/api/folders/refresh", "")

	h.lister.set(nil, &synology.APIError{API: "SYNO.API.Auth", Version: 7, Code: 400})
	resp, body := h.do(t, http.MethodPost, "/api/folders/refresh", "")
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	if body["code"].(float64) != 400 {
		t.Errorf("code = %v", body["code"])
	}
	if !strings.Contains(body["hint"].(string), "SYNO_ID") {
		t.Errorf("hint = %v", body["hint"])
	}
	if len(body["folders"].([]any)) != 2 {
		t.Errorf("previous folders not returned: %v", body["folders"])
	}

	resp, _ = h.do(t, http.MethodPost, "/api/folders/refresh", "")
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("after auth failure = %d, want 429", resp.StatusCode)
	}
	if h.lister.count() != 2 {
		t.Errorf("lister calls = %d, want 2", h.lister.count())
	}
}

func TestRefreshMissingCredentials(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Store = config.NewStore("secrets.toml", config.Credentials{}, discard)
	})
	resp, body := h.do(t, http.MethodPost, "/api/folders/refresh", "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(body["missing"].([]any)) != 3 {
		t.Errorf("missing = %v", body["missing"])
	}
	if h.lister.count() != 0 {
		t.Error("lister called without credentials")
	}
}

func TestCreateSessionLoadsCatalogOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.createSession(t)
	h.createSession(t)
	if h.lister.count() != 1 {
		t.Errorf("lister calls = %d, want 1", h.lister.count())
	}
}

func TestTopicAndClear(t *testing.T) {
	h := newHarness(t, nil)
	sess := h.createSession(t)
	base := "/api/sessions/" + sess.ID

	resp, _ := h.do(t, http.MethodPut, base+"/topic", `{"topic":"Unknown"}`)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("unknown topic = %d", resp.StatusCode)
	}
	resp, _ = h.do(t, http.MethodPut, base+"/topic", `{"topic":"그린수소"}`)
	if resp.StatusCode != http.StatusOK || sess.Topic() != "그린수소" {
		t.Errorf("topic = %d %q", resp.StatusCode, sess.Topic())
	}

	sess.Transcript().Append("x", "X", "엑스")
	resp, _ = h.do(t, http.MethodPost, base+"/clear", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("clear = %d", resp.StatusCode)
	}

	_, body := h.do(t, http.MethodGet, base+"/transcript", "")
	if len(body["english"].([]any)) != 0 || body["topic"] != "그린수소" {
		t.Errorf("transcript after clear = %v", body)
	}
	_, folders := h.do(t, http.MethodGet, "/api/folders", "")
	if len(folders["folders"].([]any)) != 2 {
		t.Error("clear touched the folder list")
	}
}

func TestUnknownSession(t *testing.T) {
	h := newHarness(t, nil)
	resp, body := h.do(t, http.MethodGet, "/api/sessions/nope/transcript", "")
	if resp.StatusCode != http.StatusNotFound || body["error"] != "unknown session" {
		t.Errorf("= %d %v", resp.StatusCode, body)
	}
}

func TestAuth(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Config.AuthToken = "s3cret" })

	resp, _ := h.do(t, http.MethodGet, "/api/folders", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, h.http.URL+"/api/folders", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	r2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	r2.Body.Close()
	if r2.StatusCode != http.StatusOK {
		t.Errorf("header token = %d", r2.StatusCode)
	}

	resp, _ = h.do(t, http.MethodGet, "/api/folders?access_token=s3cret", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("query token = %d", resp.StatusCode)
	}

	resp, _ = h.do(t, http.MethodGet, "/healthz", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz should stay public, got %d", resp.StatusCode)
	}
}

func TestExport(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, func(o *Options) { o.Vault = vault.New(dir, discard) })
	sess := h.createSession(t)
	base := "/api/sessions/" + sess.ID

	resp, _ := h.do(t, http.MethodPost, base+"/export", "")
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("empty export = %d", resp.StatusCode)
	}

	sess.Transcript().Append("hello", "Hello.", "안녕하세요.")
	resp, body := h.do(t, http.MethodPost, base+"/export", "")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("export = %d %v", resp.StatusCode, body)
	}
	if _, err := os.Stat(body["file"].(string)); err != nil {
		t.Errorf("exported file: %v", err)
	}

	_, list := h.do(t, http.MethodGet, "/api/exports", "")
	if len(list["exports"].([]any)) != 1 {
		t.Errorf("exports = %v", list["exports"])
	}
}

func TestExportDisabled(t *testing.T) {
	h := newHarness(t, nil)
	sess := h.createSession(t)
	resp, _ := h.do(t, http.MethodPost, "/api/sessions/"+sess.ID+"/export", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestEventsStream(t *testing.T) {
	h := newHarness(t, nil)
	sess := h.createSession(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, h.http.URL+"/api/sessions/"+sess.ID+"/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	rd := bufio.NewReader(resp.Body)
	line, _ := rd.ReadString('\n')
	if !strings.Contains(line, `"type":"connected"`) {
		t.Fatalf("first event = %q", line)
	}
	rd.ReadString('\n')

	sess.Clear()
	line, _ = rd.ReadString('\n')
	if !strings.Contains(line, `"type":"cleared"`) {
		t.Errorf("event = %q", line)
	}
}

func s16(samples ...int16) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}

func TestAudioSocketEndToEnd(t *testing.T) {
	h := newHarness(t, nil)
	h.stt.OnAudio = func(n int, _ []byte) []stt.Message {
		if n == 2 {
			return []stt.Message{{MessageType: stt.TypeFinalTranscript, Text: "hello everyone"}}
		}
		return nil
	}
	sess := h.createSession(t)

	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/api/sessions/" + sess.ID + "/audio"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Close()

	if err := ws.WriteJSON(map[string]any{"type": "start", "sample_rate": 16000, "channels": 1, "encoding": "s16le"}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		ws.WriteMessage(websocket.BinaryMessage, s16(100, -100, 200, -200))
	}

	deadline := time.Now().Add(3 * time.Second)
	for sess.Transcript().Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no transcript entry")
		}
		time.Sleep(10 * time.Millisecond)
	}
	ws.WriteJSON(map[string]string{"type": "stop"})

	en, ko := sess.Transcript().Columns()
	if en[0] != "EN:hello everyone" || ko[0] != "KO:EN:hello everyone" {
		t.Errorf("entry = %q / %q", en[0], ko[0])
	}
	frames := h.stt.Frames()
	if len(frames) != 2 || len(frames[0]) != 8 {
		t.Errorf("recognizer frames = %d", len(frames))
	}
}

func TestAudioSocketRejectsBadStart(t *testing.T) {
	h := newHarness(t, nil)
	sess := h.createSession(t)

	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/api/sessions/" + sess.ID + "/audio"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Close()

	ws.WriteJSON(map[string]any{"type": "start", "sample_rate": 44100, "channels": 2, "encoding": "mp3"})
	_, _, err = ws.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Code != websocket.CloseUnsupportedData {
		t.Errorf("err = %v, want close 1003", err)
	}
	if sess.Capturing() {
		t.Error("capture started despite bad format")
	}
}

func TestIndexServed(t *testing.T) {
	h := newHarness(t, nil)
	resp, err := http.Get(h.http.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "Lectern") {
		t.Errorf("index = %q", body)
	}
}
