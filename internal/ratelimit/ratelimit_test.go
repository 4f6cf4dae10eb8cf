package ratelimit

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestLimiter(rate int, allow []string) (*Limiter, *clock) {
	c := &clock{t: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
	l := New(rate, time.Minute, allow)
	l.now = c.now
	return l, c
}

func TestAllowUnderLimit(t *testing.T) {
	l, _ := newTestLimiter(3, nil)
	for i := 0; i < 3; i++ {
		if ok, _ := l.Allow("192.168.1.1:12345"); !ok {
			t.Errorf("request %d should be allowed", i+1)
		}
	}
	ok, wait := l.Allow("192.168.1.1:23456")
	if ok {
		t.Error("4th request should be denied regardless of port")
	}
	if wait != time.Minute {
		t.Errorf("retry after = %v, want 1m", wait)
	}
	if ok, _ := l.Allow("192.168.1.2:12345"); !ok {
		t.Error("other client should have its own budget")
	}
}

func TestAllowList(t *testing.T) {
	l, _ := newTestLimiter(1, []string{"192.168.1.100", "10.0.0.0/8"})
	for i := 0; i < 5; i++ {
		if ok, _ := l.Allow("192.168.1.100:1"); !ok {
			t.Error("exact allow-listed IP limited")
		}
		if ok, _ := l.Allow("10.1.2.3:1"); !ok {
			t.Error("CIDR allow-listed IP limited")
		}
	}
	l.Allow("[::1]:80")
	if ok, _ := l.Allow("[::1]:80"); ok {
		t.Error("IPv6 client not in allow list should be limited")
	}
}

func TestDisabledWhenRateZero(t *testing.T) {
	l, _ := newTestLimiter(0, nil)
	for i := 0; i < 50; i++ {
		if ok, _ := l.Allow("1.2.3.4:1"); !ok {
			t.Fatal("disabled limiter should allow all requests")
		}
	}
}

func TestWindowReset(t *testing.T) {
	l, c := newTestLimiter(1, nil)
	l.Allow("1.2.3.4:1")
	if ok, _ := l.Allow("1.2.3.4:1"); ok {
		t.Fatal("second request should be denied")
	}
	c.t = c.t.Add(time.Minute)
	if ok, _ := l.Allow("1.2.3.4:1"); !ok {
		t.Error("request after window should pass")
	}
}

func TestExhaust(t *testing.T) {
	l, _ := newTestLimiter(5, []string{"127.0.0.1"})
	l.Allow("1.2.3.4:1")
	l.Exhaust("1.2.3.4:1")
	if ok, _ := l.Allow("1.2.3.4:1"); ok {
		t.Error("exhausted client should be denied")
	}
	l.Exhaust("127.0.0.1:1")
	if ok, _ := l.Allow("127.0.0.1:1"); !ok {
		t.Error("allow-listed client should ignore Exhaust")
	}
}

func TestCleanup(t *testing.T) {
	l, c := newTestLimiter(1, nil)
	l.Allow("1.2.3.4:1")
	c.t = c.t.Add(2 * time.Minute)
	l.Cleanup()
	if len(l.clients) != 0 {
		t.Errorf("clients = %d after cleanup", len(l.clients))
	}
}

func TestWrap(t *testing.T) {
	l, _ := newTestLimiter(1, nil)
	h := l.Wrap(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	req := httptest.NewRequest(http.MethodPost, "/api/folders/refresh", nil)
	req.RemoteAddr = "1.2.3.4:5678"

	rec := httptest.NewRecorder()
	h(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("first = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "60" {
		t.Errorf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}
	if rec.Header().Get("Content-Type") != "application/json" {
		t.Errorf("Content-Type = %q", rec.Header().Get("Content-Type"))
	}
}
