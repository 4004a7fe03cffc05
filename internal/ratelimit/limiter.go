// Package ratelimit bounds two things the I/O loop must not let run
// unbounded: per-connection parse-error floods, and the Gateway's
// CREATE-routing rate. It layers golang.org/x/time/rate (a token bucket
// per key) under go.uber.org/ratelimit (a process-wide leaky bucket):
// the per-key bucket bounds one abusive peer, the global one bounds
// aggregate throughput regardless of how many peers there are.
package ratelimit

import (
	"sync"

	"go.uber.org/ratelimit"
	"golang.org/x/time/rate"
)

// PerKeyLimiter hands out a token-bucket rate.Limiter per string key,
// creating one lazily on first use and keeping it until Forget is called
// for that key (the I/O loop calls Forget on connection teardown).
type PerKeyLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	burst    int
}

// NewPerKeyLimiter builds a limiter allowing r events/sec with burst
// capacity burst, independently per key.
func NewPerKeyLimiter(r float64, burst int) *PerKeyLimiter {
	return &PerKeyLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(r),
		burst:    burst,
	}
}

// Allow reports whether one event for key may proceed right now.
func (p *PerKeyLimiter) Allow(key string) bool {
	p.mu.Lock()
	l, ok := p.limiters[key]
	if !ok {
		l = rate.NewLimiter(p.r, p.burst)
		p.limiters[key] = l
	}
	p.mu.Unlock()
	return l.Allow()
}

// Forget drops a key's bucket, called when its connection is torn down.
func (p *PerKeyLimiter) Forget(key string) {
	p.mu.Lock()
	delete(p.limiters, key)
	p.mu.Unlock()
}

// GlobalLimiter is a process-wide leaky-bucket cap, independent of which
// peer is generating the load.
type GlobalLimiter struct {
	rl ratelimit.Limiter
}

// NewGlobalLimiter constructs a leaky bucket draining at ratePerSecond
// events/sec.
func NewGlobalLimiter(ratePerSecond int) *GlobalLimiter {
	return &GlobalLimiter{rl: ratelimit.New(ratePerSecond)}
}

// Take blocks until the next slot is available. The I/O loop is single-threaded and non-blocking
// elsewhere, so this must only guard genuinely low-frequency paths
// (CREATE routing, not every datagram); callers on the hot receive path
// should prefer PerKeyLimiter.Allow instead.
func (g *GlobalLimiter) Take() {
	g.rl.Take()
}

// ParseErrorTracker counts consecutive-ish parse errors per connection
// key and reports when the 3-strikes teardown threshold is
// reached.
type ParseErrorTracker struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewParseErrorTracker constructs an empty tracker.
func NewParseErrorTracker() *ParseErrorTracker {
	return &ParseErrorTracker{counts: make(map[string]int)}
}

// MaxParseErrors is the number of malformed packets tolerated on one
// connection before it is torn down: the 3rd is still accepted, the 4th
// closes it.
const MaxParseErrors = 3

// Strike records one parse error for key and reports whether the
// tolerance has now been exceeded.
func (t *ParseErrorTracker) Strike(key string) (shouldClose bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[key]++
	return t.counts[key] > MaxParseErrors
}

// Reset clears key's strike count, e.g. after a clean parse.
func (t *ParseErrorTracker) Reset(key string) {
	t.mu.Lock()
	delete(t.counts, key)
	t.mu.Unlock()
}

// Forget drops key's tracking entirely, on connection teardown.
func (t *ParseErrorTracker) Forget(key string) {
	t.mu.Lock()
	delete(t.counts, key)
	t.mu.Unlock()
}
