package trust

import (
	"sync"
	"time"
)

// SpamGuard is a fixed-window per-sender rate limit. Senders that exceed
// the limit inside one window are refused until the window rolls over.
type SpamGuard struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	windows map[string]*senderWindow
}

type senderWindow struct {
	start time.Time
	count int
}

// NewSpamGuard allows limit messages per sender per window. A non-positive
// limit disables the guard.
func NewSpamGuard(limit int, window time.Duration) *SpamGuard {
	return &SpamGuard{
		limit:   limit,
		window:  window,
		windows: make(map[string]*senderWindow),
	}
}

// Allow counts one message from sender at now and reports whether it is
// within the limit.
func (g *SpamGuard) Allow(sender string, now time.Time) bool {
	if g == nil || g.limit <= 0 {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	w, ok := g.windows[sender]
	if !ok || now.Sub(w.start) > g.window {
		w = &senderWindow{start: now}
		g.windows[sender] = w
	}
	w.count++
	return w.count <= g.limit
}

// Forget discards stale windows so the map does not grow with departed
// senders.
func (g *SpamGuard) Forget(now time.Time) {
	if g == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for s, w := range g.windows {
		if now.Sub(w.start) > g.window {
			delete(g.windows, s)
		}
	}
}
