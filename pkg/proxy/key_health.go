package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/lkarlslund/gemrelay/pkg/keypool"
	"github.com/lkarlslund/gemrelay/pkg/logutil"
)

// KeyHealthSnapshot is the outcome of the latest validation sweep.
type KeyHealthSnapshot struct {
	Result    keypool.ValidationResult `json:"result"`
	CheckedAt time.Time                `json:"checked_at,omitzero"`
	Duration  time.Duration            `json:"duration_ns,omitempty"`
}

// KeyHealthChecker probes every credential on an interval and on demand.
type KeyHealthChecker struct {
	pool     *keypool.Pool
	probe    keypool.ProbeFunc
	interval time.Duration
	now      func() time.Time

	runMu   sync.Mutex
	mu      sync.RWMutex
	last    KeyHealthSnapshot
	forceCh chan struct{}
}

// NewKeyHealthChecker builds a checker. A zero interval only validates when
// triggered.
func NewKeyHealthChecker(pool *keypool.Pool, probe keypool.ProbeFunc, interval time.Duration) *KeyHealthChecker {
	return &KeyHealthChecker{
		pool:     pool,
		probe:    probe,
		interval: interval,
		now:      time.Now,
		forceCh:  make(chan struct{}, 1),
	}
}

func (c *KeyHealthChecker) Run(ctx context.Context) {
	if c == nil || c.pool == nil {
		return
	}
	var tick <-chan time.Time
	if c.interval > 0 {
		t := time.NewTicker(c.interval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			c.Validate(ctx)
		case <-c.forceCh:
			c.Validate(ctx)
		}
	}
}

// Trigger asks Run for a validation sweep without waiting for it.
func (c *KeyHealthChecker) Trigger() {
	if c == nil {
		return
	}
	select {
	case c.forceCh <- struct{}{}:
	default:
	}
}

// Validate runs one sweep now. Concurrent callers are serialised.
func (c *KeyHealthChecker) Validate(ctx context.Context) KeyHealthSnapshot {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	start := c.now()
	res := c.pool.ValidateAll(ctx, c.probe)
	snap := KeyHealthSnapshot{
		Result:    res,
		CheckedAt: c.now().UTC(),
		Duration:  c.now().Sub(start),
	}
	c.mu.Lock()
	c.last = snap
	c.mu.Unlock()
	logutil.New("keypool").Info("key validation finished",
		"validated", res.Validated, "failed", res.Failed, "total", res.Total, "skipped", res.Skipped)
	return snap
}

func (c *KeyHealthChecker) Last() KeyHealthSnapshot {
	if c == nil {
		return KeyHealthSnapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

// sweepLoop clears expired cache entries and rate windows.
func (s *Server) sweepLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.sweep(ctx)
		}
	}
}

func (s *Server) sweep(ctx context.Context) {
	entries, err := s.cache.Sweep(ctx)
	if err != nil {
		s.logger.Warn("cache sweep failed", "err", err)
	}
	windows := s.limiter.Sweep()
	segments, err := s.usage.Prune(time.Time{})
	if err != nil {
		s.logger.Warn("usage prune failed", "err", err)
	}
	if entries > 0 || windows > 0 || segments > 0 {
		s.logger.Debug("swept expired state", "cache_entries", entries, "rate_windows", windows, "usage_segments", segments)
	}
}
