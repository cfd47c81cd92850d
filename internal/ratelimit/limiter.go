// Package ratelimit gates the expensive generation path with a
// sliding-window admission check backed by a durable counter store.
package ratelimit

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

// CounterStore is the durable sliding-window counter. The implementation
// must make the purge-count-insert sequence atomic per key.
type CounterStore interface {
	AdmitRate(ctx context.Context, key string, max int, window time.Duration) (bool, error)
}

// Limiter applies a sliding-window policy per client key.
type Limiter struct {
	store  CounterStore
	max    int
	window time.Duration

	// failOpen admits requests when the counter store errors instead of
	// propagating the failure. An explicit deployment policy, off by default.
	failOpen bool
}

// New creates a Limiter admitting at most max requests per key within window.
func New(store CounterStore, max int, window time.Duration, failOpen bool) *Limiter {
	return &Limiter{store: store, max: max, window: window, failOpen: failOpen}
}

// Admit reports whether the request identified by key may proceed. A
// disallowed request is not recorded, so throttled clients do not extend
// their own window.
func (l *Limiter) Admit(ctx context.Context, key string) (bool, error) {
	allowed, err := l.store.AdmitRate(ctx, key, l.max, l.window)
	if err != nil {
		if l.failOpen {
			slog.Warn("rate-limit store unavailable, admitting (fail-open)", "key", key, "error", err)
			return true, nil
		}
		return false, err
	}
	return allowed, nil
}

// ClientKey derives the limiter key from the request: the first
// X-Forwarded-For hop when present, else the remote address host.
func ClientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
