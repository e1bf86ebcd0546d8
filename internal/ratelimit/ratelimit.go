// Package ratelimit implements the local admission check every connector runs
// before issuing a request. It is a fixed-window counter keyed by logical
// endpoint, owned by a single connector instance and never shared.
package ratelimit

import (
	"strconv"
	"sync"
	"time"
)

// Clock returns the current time. Tests substitute a manual clock.
type Clock func() time.Time

// Limit is the admission budget for one logical endpoint
type Limit struct {
	Requests int           `json:"requests" yaml:"requests"`
	Window   time.Duration `json:"window" yaml:"window"`
}

// Policy maps logical endpoints (account, positions, order, cancel, status)
// to their limits. Endpoints without an entry fall back to Default.
type Policy struct {
	Default   Limit
	Endpoints map[string]Limit
}

// LimitFor resolves the limit for endpoint
func (p Policy) LimitFor(endpoint string) Limit {
	if l, ok := p.Endpoints[endpoint]; ok {
		return l
	}
	return p.Default
}

// FixedWindow counts requests per (endpoint, window index) pair
type FixedWindow struct {
	mu     sync.Mutex
	now    Clock
	policy Policy
	counts map[string]windowCount
}

type windowCount struct {
	index  int64
	window time.Duration
	count  int
}

// Option configures a FixedWindow
type Option func(*FixedWindow)

// WithClock overrides the time source
func WithClock(c Clock) Option {
	return func(fw *FixedWindow) { fw.now = c }
}

// WithPolicy sets the per-endpoint limits used by Allow
func WithPolicy(p Policy) Option {
	return func(fw *FixedWindow) { fw.policy = p }
}

// New creates an empty limiter
func New(opts ...Option) *FixedWindow {
	fw := &FixedWindow{
		now:    time.Now,
		counts: make(map[string]windowCount),
		policy: Policy{Default: Limit{Requests: 10, Window: time.Minute}},
	}
	for _, opt := range opts {
		opt(fw)
	}
	return fw
}

// CheckRateLimit admits and counts the request if fewer than limit requests
// were admitted for endpoint in the current window. A denied request is not
// counted. Entries from earlier windows are purged on every call.
func (fw *FixedWindow) CheckRateLimit(endpoint string, limit int, window time.Duration) bool {
	if limit <= 0 || window <= 0 {
		return false
	}

	fw.mu.Lock()
	defer fw.mu.Unlock()

	now := fw.now()
	index := now.UnixNano() / int64(window)
	key := endpoint + "|" + strconv.FormatInt(int64(window), 10)

	fw.purge(now)

	entry, ok := fw.counts[key]
	if !ok || entry.index != index {
		entry = windowCount{index: index, window: window}
	}
	if entry.count >= limit {
		fw.counts[key] = entry
		return false
	}
	entry.count++
	fw.counts[key] = entry
	return true
}

// Allow checks endpoint against the configured policy
func (fw *FixedWindow) Allow(endpoint string) bool {
	l := fw.policy.LimitFor(endpoint)
	return fw.CheckRateLimit(endpoint, l.Requests, l.Window)
}

// Len returns the number of live window entries
func (fw *FixedWindow) Len() int {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return len(fw.counts)
}

func (fw *FixedWindow) purge(now time.Time) {
	for key, entry := range fw.counts {
		if now.UnixNano()/int64(entry.window) != entry.index {
			delete(fw.counts, key)
		}
	}
}
