// Package geminitest runs an in-process stand-in for the Gemini API.
package geminitest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Request is what the server recorded about one generate call.
type Request struct {
	Model  string
	Method string
	Key    string
	Body   GenerateRequest
}

type GenerateRequest struct {
	Contents []struct {
		Role  string `json:"role"`
		Parts []struct {
			Text string `json:"text"`
		} `json:"parts"`
	} `json:"contents"`
	GenerationConfig map[string]any   `json:"generationConfig"`
	SafetySettings   []map[string]any `json:"safetySettings"`
	Tools            []map[string]any `json:"tools"`
}

type failure struct {
	status  int
	message string
	reason  string
}

type Server struct {
	*httptest.Server

	calls atomic.Int64

	mu       sync.Mutex
	reply    func(call int) string
	finish   string
	delay    time.Duration
	failKeys map[string]failure
	failNext []failure
	requests []Request
	models   []string
}

func New() *Server {
	s := &Server{
		reply:    func(int) string { return "Hello from the fake backend." },
		finish:   "STOP",
		failKeys: map[string]failure{},
		models:   []string{"gemini-2.5-flash", "gemini-2.5-pro", "text-embedding-004"},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	return s
}

// URL of the API root, suitable for upstream.WithBaseURL.
func (s *Server) BaseURL() string { return s.Server.URL + "/v1beta" }

func (s *Server) Calls() int { return int(s.calls.Load()) }

// SetReply chooses the completion text for each call (1-based).
func (s *Server) SetReply(fn func(call int) string) {
	s.mu.Lock()
	s.reply = fn
	s.mu.Unlock()
}

func (s *Server) SetFinishReason(r string) {
	s.mu.Lock()
	s.finish = r
	s.mu.Unlock()
}

func (s *Server) SetDelay(d time.Duration) {
	s.mu.Lock()
	s.delay = d
	s.mu.Unlock()
}

// FailKey makes every call with key fail with status. A reason such as
// API_KEY_INVALID is reported in the error details.
func (s *Server) FailKey(key string, status int, message, reason string) {
	s.mu.Lock()
	s.failKeys[key] = failure{status: status, message: message, reason: reason}
	s.mu.Unlock()
}

// FailNext queues a failure for the next generate call regardless of key.
func (s *Server) FailNext(status int, message string) {
	s.mu.Lock()
	s.failNext = append(s.failNext, failure{status: status, message: message})
	s.mu.Unlock()
}

func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

func (s *Server) LastRequest() (Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.requests) == 0 {
		return Request{}, false
	}
	return s.requests[len(s.requests)-1], true
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get("x-goog-api-key")
	path := strings.TrimPrefix(r.URL.Path, "/v1beta")

	s.mu.Lock()
	keyFail, keyFails := s.failKeys[key]
	s.mu.Unlock()

	if path == "/models" && r.Method == http.MethodGet {
		if keyFails {
			writeError(w, keyFail)
			return
		}
		s.serveModels(w)
		return
	}

	name, method, ok := strings.Cut(strings.TrimPrefix(path, "/models/"), ":")
	if !ok || r.Method != http.MethodPost {
		writeError(w, failure{status: http.StatusNotFound, message: "not found"})
		return
	}
	call := int(s.calls.Add(1))

	var body GenerateRequest
	raw, _ := io.ReadAll(r.Body)
	if err := json.Unmarshal(raw, &body); err != nil {
		writeError(w, failure{status: http.StatusBadRequest, message: "invalid JSON payload"})
		return
	}

	s.mu.Lock()
	s.requests = append(s.requests, Request{Model: name, Method: method, Key: key, Body: body})
	var next *failure
	if len(s.failNext) > 0 {
		f := s.failNext[0]
		s.failNext = s.failNext[1:]
		next = &f
	}
	reply, finish, delay := s.reply, s.finish, s.delay
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if keyFails {
		writeError(w, keyFail)
		return
	}
	if next != nil {
		writeError(w, *next)
		return
	}

	text := reply(call)
	switch method {
	case "generateContent":
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response(text, finish, true))
	case "streamGenerateContent":
		s.serveStream(w, text, finish)
	default:
		writeError(w, failure{status: http.StatusNotFound, message: "unknown method " + method})
	}
}

func (s *Server) serveStream(w http.ResponseWriter, text, finish string) {
	w.Header().Set("Content-Type", "text/event-stream")
	flusher, _ := w.(http.Flusher)
	words := strings.SplitAfter(text, " ")
	for i, word := range words {
		last := i == len(words)-1
		f := ""
		if last {
			f = finish
		}
		b, _ := json.Marshal(response(word, f, last))
		_, _ = fmt.Fprintf(w, "data: %s\r\n\r\n", b)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *Server) serveModels(w http.ResponseWriter) {
	s.mu.Lock()
	names := append([]string(nil), s.models...)
	s.mu.Unlock()
	type model struct {
		Name                       string   `json:"name"`
		SupportedGenerationMethods []string `json:"supportedGenerationMethods"`
	}
	out := struct {
		Models []model `json:"models"`
	}{}
	for _, n := range names {
		methods := []string{"generateContent", "countTokens"}
		if strings.Contains(n, "embedding") {
			methods = []string{"embedContent"}
		}
		out.Models = append(out.Models, model{Name: "models/" + n, SupportedGenerationMethods: methods})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func response(text, finish string, withUsage bool) map[string]any {
	cand := map[string]any{
		"content": map[string]any{
			"role":  "model",
			"parts": []map[string]any{{"text": text}},
		},
	}
	if finish != "" {
		cand["finishReason"] = finish
	}
	out := map[string]any{"candidates": []any{cand}}
	if withUsage {
		words := len(strings.Fields(text))
		out["usageMetadata"] = map[string]int{
			"promptTokenCount":     7,
			"candidatesTokenCount": words,
			"totalTokenCount":      7 + words,
		}
	}
	return out
}

func writeError(w http.ResponseWriter, f failure) {
	status := map[int]string{
		http.StatusBadRequest:          "INVALID_ARGUMENT",
		http.StatusForbidden:           "PERMISSION_DENIED",
		http.StatusNotFound:            "NOT_FOUND",
		http.StatusTooManyRequests:     "RESOURCE_EXHAUSTED",
		http.StatusInternalServerError: "INTERNAL",
		http.StatusServiceUnavailable:  "UNAVAILABLE",
	}[f.status]
	errBody := map[string]any{
		"code":    f.status,
		"message": f.message,
		"status":  status,
	}
	if f.reason != "" {
		errBody["details"] = []map[string]string{{
			"@type":  "type.googleapis.com/google.rpc.ErrorInfo",
			"reason": f.reason,
		}}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(f.status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": errBody})
}
