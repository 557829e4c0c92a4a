// internal/providers/commonapp/ratelimit.go
package commonapp

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// rateLimiter enforces the platform's per-minute and per-hour request
// ceilings with sliding windows, and honors the rate-limit headers the
// platform sends back.
type rateLimiter struct {
	mu        sync.Mutex
	minute    *slidingWindow
	hour      *slidingWindow
	notBefore time.Time
}

type slidingWindow struct {
	window time.Duration
	limit  int
	sent   []time.Time
}

func newRateLimiter(perMinute, perHour int) *rateLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	if perHour <= 0 {
		perHour = 1000
	}
	return &rateLimiter{
		minute: &slidingWindow{window: time.Minute, limit: perMinute},
		hour:   &slidingWindow{window: time.Hour, limit: perHour},
	}
}

// retryIn returns how long to wait before the window admits another
// request, zero when it admits one now.
func (w *slidingWindow) retryIn(now time.Time) time.Duration {
	cutoff := now.Add(-w.window)
	kept := w.sent[:0]
	for _, t := range w.sent {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.sent = kept

	if len(w.sent) < w.limit {
		return 0
	}
	return w.sent[0].Add(w.window).Sub(now)
}

// wait blocks until both windows admit a request, then records it.
func (r *rateLimiter) wait(ctx context.Context) error {
	for {
		r.mu.Lock()
		now := time.Now()
		var d time.Duration
		if r.notBefore.After(now) {
			d = r.notBefore.Sub(now)
		}
		if md := r.minute.retryIn(now); md > d {
			d = md
		}
		if hd := r.hour.retryIn(now); hd > d {
			d = hd
		}
		if d == 0 {
			r.minute.sent = append(r.minute.sent, now)
			r.hour.sent = append(r.hour.sent, now)
			r.mu.Unlock()
			return nil
		}
		r.mu.Unlock()

		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// observeHeaders applies the platform's own rate-limit feedback: when it
// reports zero remaining requests, hold off until the reported reset time.
func (r *rateLimiter) observeHeaders(h http.Header) {
	remaining := h.Get("X-RateLimit-Remaining")
	reset := h.Get("X-RateLimit-Reset")
	if remaining == "" || reset == "" {
		return
	}
	n, err := strconv.Atoi(remaining)
	if err != nil || n > 0 {
		return
	}
	epoch, err := strconv.ParseInt(reset, 10, 64)
	if err != nil {
		return
	}
	resetAt := time.Unix(epoch, 0)
	r.mu.Lock()
	if resetAt.After(r.notBefore) {
		r.notBefore = resetAt
	}
	r.mu.Unlock()
}
