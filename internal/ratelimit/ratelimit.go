// Package ratelimit throttles the endpoints that reach the NAS.
//
// DSM blocks an address after a handful of failed logins, so refreshes are
// budgeted per client and a credential failure spends the rest of the budget.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ryan-winkler/lectern/internal/httputil"
)

// Limiter is a per-client fixed-window budget with an allow list.
type Limiter struct {
	mu      sync.Mutex
	clients map[string]*bucket
	rate    int
	window  time.Duration
	exact   map[string]bool
	nets    []*net.IPNet
	now     func() time.Time
}

type bucket struct {
	left  int
	reset time.Time
}

// New creates a limiter allowing rate requests per window for each client.
// allowList entries are IPs or CIDRs that are never limited. rate <= 0
// disables limiting.
func New(rate int, window time.Duration, allowList []string) *Limiter {
	l := &Limiter{
		clients: make(map[string]*bucket),
		rate:    rate,
		window:  window,
		exact:   make(map[string]bool),
		now:     time.Now,
	}
	for _, entry := range allowList {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if _, network, err := net.ParseCIDR(entry); err == nil {
			l.nets = append(l.nets, network)
			continue
		}
		l.exact[entry] = true
	}
	return l
}

// Allow spends one request for the client at addr. When the budget is gone it
// returns false and how long until the window resets.
func (l *Limiter) Allow(addr string) (bool, time.Duration) {
	if l.rate <= 0 {
		return true, 0
	}
	ip := clientIP(addr)
	if l.allowed(ip) {
		return true, 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	b := l.bucketFor(ip, now)
	if b.left > 0 {
		b.left--
		return true, 0
	}
	return false, b.reset.Sub(now)
}

// Exhaust spends the client's remaining budget for the current window.
// Call it after the NAS rejects the configured credentials.
func (l *Limiter) Exhaust(addr string) {
	if l.rate <= 0 {
		return
	}
	ip := clientIP(addr)
	if l.allowed(ip) {
		return
	}
	l.mu.Lock()
	l.bucketFor(ip, l.now()).left = 0
	l.mu.Unlock()
}

// bucketFor returns ip's bucket, starting a new window if needed. l.mu must be held.
func (l *Limiter) bucketFor(ip string, now time.Time) *bucket {
	b, ok := l.clients[ip]
	if !ok || !now.Before(b.reset) {
		b = &bucket{left: l.rate, reset: now.Add(l.window)}
		l.clients[ip] = b
	}
	return b
}

func (l *Limiter) allowed(ip string) bool {
	if l.exact[ip] {
		return true
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, network := range l.nets {
		if network.Contains(parsed) {
			return true
		}
	}
	return false
}

// Wrap limits a single handler. Rejections are answered with 429 and Retry-After.
func (l *Limiter) Wrap(next http.HandlerFunc, logger *slog.Logger) http.HandlerFunc {
	if l.rate <= 0 {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ok, wait := l.Allow(r.RemoteAddr)
		if !ok {
			secs := int(wait.Round(time.Second) / time.Second)
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			httputil.Error(w, r, logger, http.StatusTooManyRequests,
				fmt.Sprintf("too many requests, retry in %ds", secs),
				"WHY: per-client NAS budget spent, repeated logins risk a DSM auto-block")
			return
		}
		next(w, r)
	}
}

// Cleanup forgets clients whose window has ended.
func (l *Limiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for ip, b := range l.clients {
		if !now.Before(b.reset) {
			delete(l.clients, ip)
		}
	}
}

// Run calls Cleanup every interval until ctx is done.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			l.Cleanup()
		}
	}
}

func clientIP(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
