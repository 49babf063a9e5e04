// Package throttle rate-limits client-visible warnings so a client that keeps
// sending audio into an unready session is not flooded with identical errors.
package throttle

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultWindow is the minimum spacing between two delivered notifications.
const DefaultWindow = time.Second

// Throttle lets at most one notification through per window. Anything
// arriving inside the window is dropped, never deferred.
type Throttle struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	now     func() time.Time
	last    time.Time
	dropped int
}

// New returns a Throttle with the given window. A non-positive window
// falls back to DefaultWindow.
func New(window time.Duration) *Throttle {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Throttle{
		limiter: rate.NewLimiter(rate.Every(window), 1),
		now:     time.Now,
	}
}

// WithClock replaces the time source. Used by tests.
func (t *Throttle) WithClock(now func() time.Time) *Throttle {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
	return t
}

// Allow reports whether a notification may be sent now and, if so,
// records it as sent.
func (t *Throttle) Allow() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if !t.limiter.AllowN(now, 1) {
		t.dropped++
		return false
	}
	t.last = now
	return true
}

// Notify calls send when the throttle allows it and reports whether it did.
func (t *Throttle) Notify(send func()) bool {
	if !t.Allow() {
		return false
	}
	send()
	return true
}

// LastSent returns when the last notification went out (zero if never).
func (t *Throttle) LastSent() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// Dropped returns how many notifications were suppressed.
func (t *Throttle) Dropped() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}
