// Package governor throttles outbound client requests. Read requests are
// counted per key in a fixed window; all counters reset together on a
// ticker. Debounce collapses bursts of triggers into one call.
package governor

import (
	"errors"
	"net/http"
	"sync"
	"time"
)

// DefaultWindow is the counting window used when none is configured.
const DefaultWindow = 10 * time.Second

// ErrRateLimited is returned instead of issuing a throttled request.
// Callers treat it as a silent skip.
var ErrRateLimited = errors.New("rate limited")

type Governor struct {
	mu        sync.Mutex
	counts    map[string]int
	debounces map[string]*time.Timer
	closed    bool

	ticker *time.Ticker
	done   chan struct{}
	wg     sync.WaitGroup
}

// New starts a governor whose counters reset every window.
func New(window time.Duration) *Governor {
	if window <= 0 {
		window = DefaultWindow
	}
	g := &Governor{
		counts:    make(map[string]int),
		debounces: make(map[string]*time.Timer),
		ticker:    time.NewTicker(window),
		done:      make(chan struct{}),
	}
	g.wg.Add(1)
	go g.resetLoop()
	return g
}

func (g *Governor) resetLoop() {
	defer g.wg.Done()
	for {
		select {
		case <-g.ticker.C:
			g.mu.Lock()
			clear(g.counts)
			g.mu.Unlock()
		case <-g.done:
			return
		}
	}
}

// ShouldAllow counts one call under key and reports whether it is within
// max for the current window. max <= 0 never allows.
func (g *Governor) ShouldAllow(key string, max int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.counts[key] >= max {
		return false
	}
	g.counts[key]++
	return true
}

// AllowRequest applies ShouldAllow to read requests keyed by method and
// path. Mutating requests are always allowed.
func (g *Governor) AllowRequest(method, path string, max int) bool {
	if method != http.MethodGet && method != http.MethodHead {
		return true
	}
	return g.ShouldAllow(method+" "+path, max)
}

// Debounce runs fn once delay has passed without another Debounce under
// the same key. A pending call for key is cancelled.
func (g *Governor) Debounce(key string, fn func(), delay time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return
	}
	if pending, ok := g.debounces[key]; ok {
		pending.Stop()
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		g.mu.Lock()
		current, ok := g.debounces[key]
		if !ok || current != timer {
			g.mu.Unlock()
			return
		}
		delete(g.debounces, key)
		g.mu.Unlock()
		fn()
	})
	g.debounces[key] = timer
}

// Pending reports how many debounced calls are scheduled.
func (g *Governor) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.debounces)
}

// Close stops the reset ticker and cancels pending debounced calls.
func (g *Governor) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	for key, t := range g.debounces {
		t.Stop()
		delete(g.debounces, key)
	}
	g.mu.Unlock()

	g.ticker.Stop()
	close(g.done)
	g.wg.Wait()
}
