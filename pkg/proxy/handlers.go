package proxy

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/lkarlslund/gemrelay/pkg/fakestream"
	"github.com/lkarlslund/gemrelay/pkg/upstream"
	"github.com/lkarlslund/gemrelay/pkg/usagedb"
)

const (
	modeCompletion = "completion"
	modeFakeStream = "fake_stream"
	modeStream     = "stream"

	outcomeSuccess     = "success"
	outcomeError       = "error"
	outcomeRateLimited = "rate_limited"
	outcomeInvalid     = "invalid_request"

	// headerRegenerate asks for a cached alternate completion.
	headerRegenerate = "X-Regenerate"
)

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	decision := s.limiter.Allow(clientID(r))
	if !decision.Allowed {
		s.metrics.RateLimited(decision.Scope)
		s.metrics.ObserveRequest(modeCompletion, outcomeRateLimited, time.Since(start))
		writeRateLimited(w, decision)
		return
	}

	var req upstream.ChatRequest
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		s.metrics.ObserveRequest(modeCompletion, outcomeInvalid, time.Since(start))
		writeInvalidRequest(w, "failed to read request body")
		return
	}
	if err := json.Unmarshal(body, &req); err != nil {
		s.metrics.ObserveRequest(modeCompletion, outcomeInvalid, time.Since(start))
		writeInvalidRequest(w, "request body is not valid JSON: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		s.metrics.ObserveRequest(modeCompletion, outcomeInvalid, time.Since(start))
		writeError(w, err)
		return
	}

	cfg := s.store.Snapshot()
	mode := modeCompletion
	var usage openai.Usage
	switch {
	case req.Stream && cfg.Features.FakeStreaming:
		mode = modeFakeStream
		usage, err = s.serveFakeStream(w, r, &req)
	case req.Stream:
		mode = modeStream
		usage, err = s.serveStream(w, r, &req)
	default:
		usage, err = s.serveCompletion(w, r, &req)
	}

	outcome := outcomeSuccess
	status := http.StatusOK
	if err != nil {
		outcome = outcomeError
		if errors.Is(err, upstream.ErrInvalidRequest) {
			outcome = outcomeInvalid
		}
		status, _, _, _ = classifyError(err)
		s.logger.Warn("chat completion failed", "mode", mode, "model", req.Model, "err", err)
	}
	elapsed := time.Since(start)
	s.metrics.ObserveRequest(mode, outcome, elapsed)
	s.recordUsage(usagedb.Event{
		Model:            req.Model,
		Mode:             mode,
		Client:           clientID(r),
		Status:           status,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.TotalTokens,
		LatencyMS:        elapsed.Milliseconds(),
	})
}

func (s *Server) recordUsage(evt usagedb.Event) {
	if s.usage == nil {
		return
	}
	if err := s.usage.Append(evt); err != nil {
		s.logger.Warn("usage not recorded", "err", err)
	}
}

func (s *Server) serveCompletion(w http.ResponseWriter, r *http.Request, req *upstream.ChatRequest) (openai.Usage, error) {
	var (
		resp *openai.ChatCompletionResponse
		err  error
	)
	if regenerate, _ := strconv.ParseBool(r.Header.Get(headerRegenerate)); regenerate {
		resp, err = s.dispatcher.Regenerate(r.Context(), req)
	} else {
		resp, err = s.dispatcher.Handle(r.Context(), req)
	}
	if err != nil {
		writeError(w, err)
		return openai.Usage{}, err
	}
	writeJSON(w, http.StatusOK, resp)
	return resp.Usage, nil
}

// serveFakeStream answers a streaming request from one non-streaming call.
// Emulator settings are taken from the live configuration per request.
func (s *Server) serveFakeStream(w http.ResponseWriter, r *http.Request, req *upstream.ChatRequest) (openai.Usage, error) {
	cfg := s.store.Snapshot()
	var usage openai.Usage
	e := fakestream.New(s.client)
	e.KeepAliveInterval = cfg.Stream.KeepAlive.Std()
	e.ChunkWords = cfg.Stream.ChunkWords
	e.ChunkDelay = cfg.Stream.ChunkDelay.Std()
	e.Classify = streamErrorFields
	e.Metrics = s.metrics
	e.OnResponse = func(resp *openai.ChatCompletionResponse) { usage = resp.Usage }
	err := e.Emulate(r.Context(), req, fakestream.NewHTTPSink(w))
	return usage, err
}

// serveStream relays backend chunks as they arrive. Failures before the
// first chunk get a normal error response; later ones are sent in-band.
func (s *Server) serveStream(w http.ResponseWriter, r *http.Request, req *upstream.ChatRequest) (openai.Usage, error) {
	stream, err := s.client.CompleteStream(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return openai.Usage{}, err
	}
	defer stream.Close()

	sink := fakestream.NewHTTPSink(w)
	defer sink.Close()
	for {
		frame, err := stream.Next()
		if errors.Is(err, io.EOF) {
			return stream.Usage(), nil
		}
		if err != nil {
			if r.Context().Err() == nil {
				_ = sink.Write(upstream.ErrorFrame(streamErrorFields(err)))
				_ = sink.Write(upstream.DoneFrame)
			}
			return stream.Usage(), err
		}
		if err := sink.Write(frame); err != nil {
			return stream.Usage(), err
		}
	}
}
