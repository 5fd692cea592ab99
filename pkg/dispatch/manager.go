// Package dispatch answers non-streaming requests from the response cache
// or by fanning out identical upstream calls and keeping every distinct
// success.
package dispatch

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"sync"
	"time"

	log "github.com/charmbracelet/log"
	openai "github.com/sashabaranov/go-openai"

	"github.com/lkarlslund/gemrelay/pkg/cache"
	"github.com/lkarlslund/gemrelay/pkg/logutil"
	"github.com/lkarlslund/gemrelay/pkg/metrics"
	"github.com/lkarlslund/gemrelay/pkg/upstream"
)

// Completer performs one logical upstream completion.
type Completer interface {
	Complete(ctx context.Context, req *upstream.ChatRequest) (*openai.ChatCompletionResponse, error)
}

type Options struct {
	CacheEnabled bool
	CacheTTL     time.Duration
	Concurrent   bool
	FanOut       int
	// BackgroundTimeout bounds the detached calls that outlive the request.
	BackgroundTimeout time.Duration
}

func (o Options) fanOut() int {
	if !o.Concurrent || o.FanOut <= 1 {
		return 1
	}
	return o.FanOut
}

// variantCap is the number of alternates kept per fingerprint.
func (o Options) variantCap() int {
	return max(o.FanOut-1, 0)
}

type Manager struct {
	upstream Completer
	store    cache.Store
	metrics  *metrics.Collector
	logger   *log.Logger

	mu   sync.RWMutex
	opts Options

	rngMu sync.Mutex
	rng   *rand.Rand

	wg sync.WaitGroup
}

type ManagerOption func(*Manager)

func WithMetrics(c *metrics.Collector) ManagerOption {
	return func(m *Manager) { m.metrics = c }
}

func WithLogger(l *log.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithRand(r *rand.Rand) ManagerOption {
	return func(m *Manager) {
		if r != nil {
			m.rng = r
		}
	}
}

func New(up Completer, store cache.Store, opts Options, mopts ...ManagerOption) *Manager {
	if opts.BackgroundTimeout <= 0 {
		opts.BackgroundTimeout = upstream.DefaultTimeout
	}
	if store == nil {
		store = cache.NewMemoryStore()
	}
	m := &Manager{
		upstream: up,
		store:    store,
		opts:     opts,
		logger:   logutil.New("dispatch"),
		rng:      rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x5eed)),
	}
	for _, o := range mopts {
		o(m)
	}
	return m
}

func (m *Manager) Options() Options {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.opts
}

func (m *Manager) SetOptions(o Options) {
	if o.BackgroundTimeout <= 0 {
		o.BackgroundTimeout = upstream.DefaultTimeout
	}
	m.mu.Lock()
	m.opts = o
	m.mu.Unlock()
}

// Wait blocks until every background collector has finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) lookup(ctx context.Context, key string) (*openai.ChatCompletionResponse, bool) {
	b, ok, err := m.store.Get(ctx, key)
	if err != nil {
		m.logger.Warn("cache read failed, treating as miss", "err", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var resp openai.ChatCompletionResponse
	if err := json.Unmarshal(b, &resp); err != nil {
		m.logger.Warn("cache entry undecodable, treating as miss", "err", err)
		return nil, false
	}
	return &resp, true
}

func (m *Manager) save(ctx context.Context, key string, resp *openai.ChatCompletionResponse, opts Options) {
	if !opts.CacheEnabled || resp == nil {
		return
	}
	b, err := json.Marshal(resp)
	if err != nil {
		m.logger.Warn("cache encode failed", "err", err)
		return
	}
	if err := m.store.Set(ctx, key, b, opts.CacheTTL); err != nil {
		m.logger.Warn("cache write failed", "err", err)
	}
}

// Handle answers req from cache when possible, otherwise from upstream.
func (m *Manager) Handle(ctx context.Context, req *upstream.ChatRequest) (*openai.ChatCompletionResponse, error) {
	opts := m.Options()
	fp := Fingerprint(req)

	if opts.CacheEnabled {
		if resp, ok := m.lookup(ctx, fp); ok {
			m.metrics.CacheHit()
			m.logger.Debug("cache hit", "fingerprint", fp[:12])
			return resp, nil
		}
		m.metrics.CacheMiss()
	}

	if opts.fanOut() == 1 {
		resp, err := m.upstream.Complete(ctx, req)
		if err != nil {
			return nil, err
		}
		m.save(context.WithoutCancel(ctx), fp, resp, opts)
		return resp, nil
	}
	return m.fanOutCall(ctx, req, fp, opts)
}

type result struct {
	resp *openai.ChatCompletionResponse
	err  error
}

// fanOutCall starts n identical calls on a context detached from the
// caller. The first success is returned; whatever is still in flight is
// collected in the background and cached as variants.
func (m *Manager) fanOutCall(ctx context.Context, req *upstream.ChatRequest, fp string, opts Options) (*openai.ChatCompletionResponse, error) {
	n := opts.fanOut()
	bgCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opts.BackgroundTimeout)
	results := make(chan result, n)
	for range n {
		go func() {
			resp, err := m.upstream.Complete(bgCtx, req)
			results <- result{resp: resp, err: err}
		}()
	}

	var lastErr error
	for received := 0; received < n; {
		select {
		case r := <-results:
			received++
			if r.err != nil {
				lastErr = r.err
				continue
			}
			m.save(bgCtx, fp, r.resp, opts)
			m.collect(bgCtx, cancel, fp, results, n-received, r.resp, opts)
			return r.resp, nil
		case <-ctx.Done():
			// The caller left; the calls still warm the cache.
			m.collect(bgCtx, cancel, fp, results, n-received, nil, opts)
			return nil, ctx.Err()
		}
	}
	cancel()
	return nil, lastErr
}

// collect drains pending results. The first success becomes the primary
// entry when there is none yet; later distinct successes are stored as
// variants up to the cap.
func (m *Manager) collect(ctx context.Context, cancel context.CancelFunc, fp string, results <-chan result, pending int, primary *openai.ChatCompletionResponse, opts Options) {
	if pending == 0 {
		cancel()
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		seen := map[string]struct{}{}
		if primary != nil {
			seen[completionText(primary)] = struct{}{}
		}
		variants := 0
		for range pending {
			r := <-results
			if r.err != nil {
				m.logger.Debug("background call failed", "fingerprint", fp[:12], "err", r.err)
				continue
			}
			if primary == nil {
				primary = r.resp
				seen[completionText(r.resp)] = struct{}{}
				m.save(ctx, fp, r.resp, opts)
				continue
			}
			text := completionText(r.resp)
			if _, dup := seen[text]; dup || variants >= opts.variantCap() {
				continue
			}
			seen[text] = struct{}{}
			variants++
			m.save(ctx, VariantKey(fp, variants), r.resp, opts)
			if opts.CacheEnabled {
				m.metrics.VariantStored()
			}
		}
		if variants > 0 {
			m.logger.Debug("stored variants", "fingerprint", fp[:12], "count", variants)
		}
	}()
}

// Regenerate returns a random cached completion for req, primary or
// variant, and falls back to Handle when nothing is cached.
func (m *Manager) Regenerate(ctx context.Context, req *upstream.ChatRequest) (*openai.ChatCompletionResponse, error) {
	opts := m.Options()
	if !opts.CacheEnabled {
		return m.Handle(ctx, req)
	}
	fp := Fingerprint(req)
	var candidates []*openai.ChatCompletionResponse
	if resp, ok := m.lookup(ctx, fp); ok {
		candidates = append(candidates, resp)
	}
	for i := 1; i <= opts.variantCap(); i++ {
		if resp, ok := m.lookup(ctx, VariantKey(fp, i)); ok {
			candidates = append(candidates, resp)
		}
	}
	if len(candidates) == 0 {
		return m.Handle(ctx, req)
	}
	m.metrics.CacheHit()
	m.rngMu.Lock()
	pick := candidates[m.rng.IntN(len(candidates))]
	m.rngMu.Unlock()
	return pick, nil
}

func completionText(resp *openai.ChatCompletionResponse) string {
	if resp == nil || len(resp.Choices) == 0 {
		return ""
	}
	return resp.Choices[0].Message.Content
}
