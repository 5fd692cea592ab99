// Package ratelimit enforces a global per-minute ceiling and a per-client
// per-day ceiling using fixed time buckets.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

const (
	GlobalWindow = time.Minute
	ClientWindow = 24 * time.Hour

	ScopeGlobal = "global"
	ScopeClient = "client"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed bool
	// Scope names the window that rejected the request; empty when allowed.
	Scope string
	// Limit and Remaining describe the tightest window that applied.
	Limit     int
	Remaining int
	Reset     time.Time
	// RetryAfter is the time until the rejecting bucket resets.
	RetryAfter time.Duration
}

// RetryAfterSeconds rounds up so a client never retries early.
func (d Decision) RetryAfterSeconds() int {
	if d.RetryAfter <= 0 {
		return 0
	}
	return int(math.Ceil(d.RetryAfter.Seconds()))
}

type bucketKey struct {
	scope string
	index int64
}

type window struct {
	count int
	reset time.Time
}

type Stats struct {
	GlobalBuckets int    `json:"global_buckets"`
	ClientBuckets int    `json:"client_buckets"`
	Allowed       uint64 `json:"allowed"`
	Rejected      uint64 `json:"rejected"`
	PerMinute     int    `json:"per_minute"`
	PerDay        int    `json:"per_day"`
}

// Limiter holds every bucket behind one mutex so check-and-increment is
// atomic across both windows.
type Limiter struct {
	mu        sync.Mutex
	perMinute int
	perDay    int
	buckets   map[bucketKey]*window
	allowed   uint64
	rejected  uint64
	now       func() time.Time
}

// New returns a limiter. A ceiling of zero or less disables that window.
func New(perMinute, perDay int) *Limiter {
	return &Limiter{
		perMinute: perMinute,
		perDay:    perDay,
		buckets:   map[bucketKey]*window{},
		now:       time.Now,
	}
}

func (l *Limiter) SetLimits(perMinute, perDay int) {
	l.mu.Lock()
	l.perMinute = perMinute
	l.perDay = perDay
	l.mu.Unlock()
}

// bucketLocked returns the live bucket for key, replacing an expired one.
func (l *Limiter) bucketLocked(key bucketKey, size time.Duration, now time.Time) *window {
	w, ok := l.buckets[key]
	if !ok || !now.Before(w.reset) {
		w = &window{reset: time.Unix(0, 0).Add(time.Duration(key.index+1) * size)}
		l.buckets[key] = w
	}
	return w
}

// Allow checks the global window first, then the client window. Counters
// only move when both pass.
func (l *Limiter) Allow(clientID string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()

	var global, client *window
	if l.perMinute > 0 {
		global = l.bucketLocked(bucketKey{scope: ScopeGlobal, index: now.UnixNano() / int64(GlobalWindow)}, GlobalWindow, now)
		if global.count >= l.perMinute {
			l.rejected++
			return rejection(ScopeGlobal, l.perMinute, global.reset, now)
		}
	}
	if l.perDay > 0 && clientID != "" {
		client = l.bucketLocked(bucketKey{scope: ScopeClient + ":" + clientID, index: now.UnixNano() / int64(ClientWindow)}, ClientWindow, now)
		if client.count >= l.perDay {
			l.rejected++
			return rejection(ScopeClient, l.perDay, client.reset, now)
		}
	}

	d := Decision{Allowed: true, Limit: -1, Remaining: -1}
	if global != nil {
		global.count++
		d.Limit, d.Remaining, d.Reset = l.perMinute, l.perMinute-global.count, global.reset
	}
	if client != nil {
		client.count++
		if rem := l.perDay - client.count; d.Remaining < 0 || rem < d.Remaining {
			d.Limit, d.Remaining, d.Reset = l.perDay, rem, client.reset
		}
	}
	l.allowed++
	return d
}

func rejection(scope string, limit int, reset, now time.Time) Decision {
	return Decision{
		Scope:      scope,
		Limit:      limit,
		Remaining:  0,
		Reset:      reset,
		RetryAfter: reset.Sub(now),
	}
}

// Sweep drops buckets whose window has passed and returns how many went.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	removed := 0
	for k, w := range l.buckets {
		if !now.Before(w.reset) {
			delete(l.buckets, k)
			removed++
		}
	}
	return removed
}

func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := Stats{
		Allowed:   l.allowed,
		Rejected:  l.rejected,
		PerMinute: l.perMinute,
		PerDay:    l.perDay,
	}
	for k := range l.buckets {
		if k.scope == ScopeGlobal {
			s.GlobalBuckets++
		} else {
			s.ClientBuckets++
		}
	}
	return s
}
