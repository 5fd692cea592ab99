package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lkarlslund/gemrelay/pkg/cache"
	"github.com/lkarlslund/gemrelay/pkg/upstream"
)

// fakeCompleter answers call i (1-based) through fn.
type fakeCompleter struct {
	calls atomic.Int32
	fn    func(ctx context.Context, call int) (*openai.ChatCompletionResponse, error)
}

func (f *fakeCompleter) Complete(ctx context.Context, _ *upstream.ChatRequest) (*openai.ChatCompletionResponse, error) {
	return f.fn(ctx, int(f.calls.Add(1)))
}

func completion(text string) *openai.ChatCompletionResponse {
	return &openai.ChatCompletionResponse{
		ID:     "chatcmpl-" + text,
		Object: "chat.completion",
		Model:  "gemini-2.5-flash",
		Choices: []openai.ChatCompletionChoice{{
			Message:      openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: text},
			FinishReason: openai.FinishReasonStop,
		}},
	}
}

func numbered(ctx context.Context, call int) (*openai.ChatCompletionResponse, error) {
	return completion(fmt.Sprintf("answer %d", call)), nil
}

func ptr[T any](v T) *T { return &v }

func baseRequest() *upstream.ChatRequest {
	return &upstream.ChatRequest{
		Model: "gemini-2.5-flash",
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: "hello"},
		},
		Temperature: ptr(0.7),
		MaxTokens:   ptr(256),
		TopP:        ptr(0.9),
		TopK:        ptr(40),
	}
}

func cachedOpts() Options {
	return Options{CacheEnabled: true, CacheTTL: time.Hour}
}

func TestCacheHitSkipsUpstream(t *testing.T) {
	up := &fakeCompleter{fn: numbered}
	m := New(up, cache.NewMemoryStore(), cachedOpts())

	first, err := m.Handle(context.Background(), baseRequest())
	require.NoError(t, err)
	second, err := m.Handle(context.Background(), baseRequest())
	require.NoError(t, err)

	assert.Equal(t, int32(1), up.calls.Load())
	assert.Equal(t, first.Choices[0].Message.Content, second.Choices[0].Message.Content)
}

func TestCacheMissPerField(t *testing.T) {
	mutations := map[string]func(r *upstream.ChatRequest){
		"model":       func(r *upstream.ChatRequest) { r.Model = "gemini-2.5-pro" },
		"messages":    func(r *upstream.ChatRequest) { r.Messages[0].Content = "hello!" },
		"temperature": func(r *upstream.ChatRequest) { r.Temperature = ptr(0.2) },
		"max_tokens":  func(r *upstream.ChatRequest) { r.MaxTokens = ptr(128) },
		"top_p":       func(r *upstream.ChatRequest) { r.TopP = ptr(0.5) },
		"top_k":       func(r *upstream.ChatRequest) { r.TopK = nil },
	}
	for field, mutate := range mutations {
		t.Run(field, func(t *testing.T) {
			up := &fakeCompleter{fn: numbered}
			m := New(up, cache.NewMemoryStore(), cachedOpts())
			_, err := m.Handle(context.Background(), baseRequest())
			require.NoError(t, err)

			req := baseRequest()
			mutate(req)
			_, err = m.Handle(context.Background(), req)
			require.NoError(t, err)
			assert.Equal(t, int32(2), up.calls.Load())
		})
	}
}

func TestFingerprintIgnoresOtherFields(t *testing.T) {
	a := baseRequest()
	b := baseRequest()
	b.Stream = true
	b.PresencePenalty = ptr(1.0)
	b.FrequencyPenalty = ptr(0.5)
	assert.Equal(t, Fingerprint(a), Fingerprint(b))
	assert.Len(t, Fingerprint(a), 64)
}

func TestFingerprintIsOrderSensitive(t *testing.T) {
	a := baseRequest()
	a.Messages = append(a.Messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: "hi"})
	b := baseRequest()
	b.Messages = append([]openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleAssistant, Content: "hi"}}, b.Messages...)
	assert.NotEqual(t, Fingerprint(a), Fingerprint(b))
}

func TestFailuresAreNotCached(t *testing.T) {
	up := &fakeCompleter{fn: func(_ context.Context, call int) (*openai.ChatCompletionResponse, error) {
		if call == 1 {
			return nil, errors.New("boom")
		}
		return completion("ok"), nil
	}}
	m := New(up, cache.NewMemoryStore(), cachedOpts())
	_, err := m.Handle(context.Background(), baseRequest())
	require.Error(t, err)
	resp, err := m.Handle(context.Background(), baseRequest())
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Choices[0].Message.Content)
}

func TestFanOutOneFailureStillSucceeds(t *testing.T) {
	up := &fakeCompleter{fn: func(_ context.Context, call int) (*openai.ChatCompletionResponse, error) {
		if call == 1 {
			return nil, errors.New("first call failed")
		}
		time.Sleep(time.Duration(call) * 5 * time.Millisecond)
		return completion(fmt.Sprintf("answer %d", call)), nil
	}}
	opts := cachedOpts()
	opts.Concurrent, opts.FanOut = true, 3
	store := cache.NewMemoryStore()
	m := New(up, store, opts)

	resp, err := m.Handle(context.Background(), baseRequest())
	require.NoError(t, err)
	require.NotNil(t, resp)
	m.Wait()

	assert.Equal(t, int32(3), up.calls.Load())
	n, err := store.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n, "primary plus one variant")
}

func TestFanOutAllFailReturnsLastError(t *testing.T) {
	var mu sync.Mutex
	var order []int
	up := &fakeCompleter{fn: func(_ context.Context, call int) (*openai.ChatCompletionResponse, error) {
		time.Sleep(time.Duration(call) * 10 * time.Millisecond)
		mu.Lock()
		order = append(order, call)
		mu.Unlock()
		return nil, fmt.Errorf("failure %d", call)
	}}
	opts := cachedOpts()
	opts.Concurrent, opts.FanOut = true, 3
	m := New(up, cache.NewMemoryStore(), opts)

	_, err := m.Handle(context.Background(), baseRequest())
	require.Error(t, err)
	mu.Lock()
	last := order[len(order)-1]
	mu.Unlock()
	assert.EqualError(t, err, fmt.Sprintf("failure %d", last))
}

func TestVariantCapAndDistinctness(t *testing.T) {
	up := &fakeCompleter{fn: func(_ context.Context, call int) (*openai.ChatCompletionResponse, error) {
		// Calls 2 and 3 return the same text; only one of them becomes a variant.
		text := "same"
		if call == 1 {
			text = "first"
		}
		return completion(text), nil
	}}
	opts := cachedOpts()
	opts.Concurrent, opts.FanOut = true, 4
	store := cache.NewMemoryStore()
	m := New(up, store, opts)

	_, err := m.Handle(context.Background(), baseRequest())
	require.NoError(t, err)
	m.Wait()

	n, _ := store.Len(context.Background())
	assert.LessOrEqual(t, n, opts.FanOut)
	assert.GreaterOrEqual(t, n, 2)

	fp := Fingerprint(baseRequest())
	_, ok, _ := store.Get(context.Background(), VariantKey(fp, opts.FanOut))
	assert.False(t, ok, "variants never exceed fan-out minus one")
}

func TestBackgroundCollectionOutlivesCaller(t *testing.T) {
	release := make(chan struct{})
	up := &fakeCompleter{fn: func(ctx context.Context, call int) (*openai.ChatCompletionResponse, error) {
		if call > 1 {
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return completion(fmt.Sprintf("answer %d", call)), nil
	}}
	opts := cachedOpts()
	opts.Concurrent, opts.FanOut = true, 3
	store := cache.NewMemoryStore()
	m := New(up, store, opts)

	ctx, cancel := context.WithCancel(context.Background())
	resp, err := m.Handle(ctx, baseRequest())
	require.NoError(t, err)
	assert.Equal(t, "answer 1", resp.Choices[0].Message.Content)
	cancel()
	close(release)
	m.Wait()

	n, _ := store.Len(context.Background())
	assert.Equal(t, 3, n)
}

func TestCacheDisabled(t *testing.T) {
	up := &fakeCompleter{fn: numbered}
	store := cache.NewMemoryStore()
	m := New(up, store, Options{})
	_, _ = m.Handle(context.Background(), baseRequest())
	_, _ = m.Handle(context.Background(), baseRequest())
	assert.Equal(t, int32(2), up.calls.Load())
	n, _ := store.Len(context.Background())
	assert.Zero(t, n)
}

type brokenStore struct{ cache.Store }

func (brokenStore) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("disk on fire")
}

func (brokenStore) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("disk on fire")
}

func TestCacheErrorsDegradeToMiss(t *testing.T) {
	up := &fakeCompleter{fn: numbered}
	m := New(up, brokenStore{}, cachedOpts())
	resp, err := m.Handle(context.Background(), baseRequest())
	require.NoError(t, err)
	assert.Equal(t, "answer 1", resp.Choices[0].Message.Content)
}

func TestRegenerate(t *testing.T) {
	up := &fakeCompleter{fn: func(_ context.Context, call int) (*openai.ChatCompletionResponse, error) {
		time.Sleep(time.Duration(call) * 5 * time.Millisecond)
		return completion(fmt.Sprintf("answer %d", call)), nil
	}}
	opts := cachedOpts()
	opts.Concurrent, opts.FanOut = true, 3
	m := New(up, cache.NewMemoryStore(), opts, WithRand(rand.New(rand.NewPCG(1, 1))))

	// Nothing cached: behaves like Handle.
	_, err := m.Regenerate(context.Background(), baseRequest())
	require.NoError(t, err)
	m.Wait()
	require.Equal(t, int32(3), up.calls.Load())

	seen := map[string]struct{}{}
	for range 30 {
		resp, err := m.Regenerate(context.Background(), baseRequest())
		require.NoError(t, err)
		seen[resp.Choices[0].Message.Content] = struct{}{}
	}
	assert.Equal(t, int32(3), up.calls.Load(), "regeneration reuses cached variants")
	assert.Len(t, seen, 3)
}

func TestSetOptions(t *testing.T) {
	up := &fakeCompleter{fn: numbered}
	m := New(up, cache.NewMemoryStore(), Options{})
	m.SetOptions(cachedOpts())
	_, _ = m.Handle(context.Background(), baseRequest())
	_, _ = m.Handle(context.Background(), baseRequest())
	assert.Equal(t, int32(1), up.calls.Load())
	assert.Equal(t, time.Hour, m.Options().CacheTTL)
}
