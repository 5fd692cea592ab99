// Package fakestream turns one non-streaming completion into an event
// stream, sending keep-alive chunks while the backend is still working.
package fakestream

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/charmbracelet/log"
	openai "github.com/sashabaranov/go-openai"

	"github.com/lkarlslund/gemrelay/pkg/logutil"
	"github.com/lkarlslund/gemrelay/pkg/metrics"
	"github.com/lkarlslund/gemrelay/pkg/upstream"
)

const (
	DefaultKeepAliveInterval = 2 * time.Second
	DefaultChunkWords        = 10
	DefaultChunkDelay        = 50 * time.Millisecond
)

// Sink receives encoded frames in order and is closed exactly once.
type Sink interface {
	Write(frame []byte) error
	Close() error
}

type Completer interface {
	Complete(ctx context.Context, req *upstream.ChatRequest) (*openai.ChatCompletionResponse, error)
}

// ErrorClassifier maps a failure to the type and code of the in-band
// error chunk.
type ErrorClassifier func(err error) (message, typ, code string)

type Emulator struct {
	upstream          Completer
	KeepAliveInterval time.Duration
	ChunkWords        int
	ChunkDelay        time.Duration
	Classify          ErrorClassifier
	Metrics           *metrics.Collector
	Logger            *log.Logger
	// OnResponse, when set, sees the upstream response before it is replayed.
	OnResponse func(*openai.ChatCompletionResponse)
}

func New(up Completer) *Emulator {
	return &Emulator{
		upstream:          up,
		KeepAliveInterval: DefaultKeepAliveInterval,
		ChunkWords:        DefaultChunkWords,
		ChunkDelay:        DefaultChunkDelay,
		Classify:          defaultClassify,
		Logger:            logutil.New("fakestream"),
	}
}

func defaultClassify(err error) (string, string, string) {
	return err.Error(), "upstream_error", "upstream_error"
}

// lockedSink serialises the keep-alive and content writers and makes Close
// idempotent.
type lockedSink struct {
	mu     sync.Mutex
	sink   Sink
	closed bool
	err    error
}

func (s *lockedSink) write(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("fakestream: sink closed")
	}
	if s.err != nil {
		return s.err
	}
	s.err = s.sink.Write(frame)
	return s.err
}

func (s *lockedSink) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.sink.Close()
}

// Emulate performs one upstream call and streams its result to sink. The
// sink is closed before Emulate returns; an upstream failure is sent as an
// error chunk and also returned.
func (e *Emulator) Emulate(ctx context.Context, req *upstream.ChatRequest, sink Sink) error {
	out := &lockedSink{sink: sink}
	defer out.close()

	header := upstream.ChunkHeader{
		ID:      upstream.NewCompletionID(),
		Model:   req.Model,
		Created: time.Now().Unix(),
	}

	stopKeepAlive := e.keepAlive(ctx, out, header)
	resp, err := e.upstream.Complete(ctx, req)
	stopKeepAlive()

	if err != nil {
		msg, typ, code := e.classify(err)
		_ = out.write(upstream.ErrorFrame(msg, typ, code))
		_ = out.write(upstream.DoneFrame)
		e.logger().Warn("upstream call failed during fake stream", "err", err)
		return err
	}
	if e.OnResponse != nil {
		e.OnResponse(resp)
	}
	return e.replay(ctx, out, header, resp)
}

func (e *Emulator) classify(err error) (string, string, string) {
	if e.Classify != nil {
		return e.Classify(err)
	}
	return defaultClassify(err)
}

func (e *Emulator) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

// keepAlive sends an empty-delta chunk every interval until the returned
// stop function is called. stop waits for the ticker goroutine to exit.
func (e *Emulator) keepAlive(ctx context.Context, out *lockedSink, header upstream.ChunkHeader) func() {
	if e.KeepAliveInterval <= 0 {
		return func() {}
	}
	frame, err := upstream.Frame(header.Chunk(openai.ChatCompletionStreamChoiceDelta{}, "", nil))
	if err != nil {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(e.KeepAliveInterval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				if out.write(frame) != nil {
					return
				}
				e.Metrics.KeepAlive()
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
		wg.Wait()
	}
}

func (e *Emulator) replay(ctx context.Context, out *lockedSink, header upstream.ChunkHeader, resp *openai.ChatCompletionResponse) error {
	text := ""
	finish := openai.FinishReasonStop
	if len(resp.Choices) > 0 {
		text = resp.Choices[0].Message.Content
		if resp.Choices[0].FinishReason != "" {
			finish = resp.Choices[0].FinishReason
		}
	}

	for i, piece := range SplitWords(text, e.ChunkWords) {
		if i > 0 && e.ChunkDelay > 0 {
			t := time.NewTimer(e.ChunkDelay)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
		delta := openai.ChatCompletionStreamChoiceDelta{Content: piece}
		if i == 0 {
			delta.Role = openai.ChatMessageRoleAssistant
		}
		frame, err := upstream.Frame(header.Chunk(delta, "", nil))
		if err != nil {
			return err
		}
		if err := out.write(frame); err != nil {
			return err
		}
	}

	usage := resp.Usage
	frame, err := upstream.Frame(header.Chunk(openai.ChatCompletionStreamChoiceDelta{}, finish, &usage))
	if err != nil {
		return err
	}
	if err := out.write(frame); err != nil {
		return err
	}
	return out.write(upstream.DoneFrame)
}

// SplitWords cuts text into pieces of about n words. Whitespace stays with
// the word before it, so joining the pieces restores text exactly.
func SplitWords(text string, n int) []string {
	if text == "" {
		return nil
	}
	if n <= 0 {
		n = DefaultChunkWords
	}
	var pieces []string
	start, words := 0, 0
	inWord := false
	for i, r := range text {
		space := r == ' ' || r == '\n' || r == '\t' || r == '\r'
		if !space && !inWord {
			if words == n {
				pieces = append(pieces, text[start:i])
				start, words = i, 0
			}
			words++
		}
		inWord = !space
	}
	return append(pieces, text[start:])
}
