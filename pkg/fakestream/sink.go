package fakestream

import (
	"errors"
	"net/http"
	"sync"
)

var ErrSinkClosed = errors.New("fakestream: sink closed")

// HTTPSink writes frames to an event-stream response, flushing after each.
// Headers are committed on the first write.
type HTTPSink struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
	closed  bool
}

func NewHTTPSink(w http.ResponseWriter) *HTTPSink {
	f, _ := w.(http.Flusher)
	return &HTTPSink{w: w, flusher: f}
}

// SetStreamHeaders prepares w for server-sent events.
func SetStreamHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

func (s *HTTPSink) startLocked() {
	if s.started {
		return
	}
	s.started = true
	SetStreamHeaders(s.w.Header())
	s.w.WriteHeader(http.StatusOK)
}

func (s *HTTPSink) Write(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	s.startLocked()
	if _, err := s.w.Write(frame); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

func (s *HTTPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	s.closed = true
	s.startLocked()
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// Started reports whether headers have been committed.
func (s *HTTPSink) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}
