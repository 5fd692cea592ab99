// Package logstore keeps a bounded backlog of recent log lines so the admin
// API can show what happened before an operator connected.
package logstore

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/lkarlslund/gemrelay/pkg/logutil"
)

const (
	defaultCapacity = 2000
	defaultLimit    = 200
)

type Entry struct {
	Seq     uint64    `json:"seq"`
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`

	level log.Level
}

// Filter narrows List. Entries are returned newest first.
type Filter struct {
	// Level is the minimum level; empty matches everything.
	Level string
	Query string
	Limit int
	// After skips entries with Seq <= After, for polling clients.
	After uint64
}

// Store is a fixed-size ring of entries.
type Store struct {
	mu      sync.RWMutex
	entries []Entry
	start   int
	count   int
	seq     uint64
	now     func() time.Time
}

func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Store{entries: make([]Entry, capacity), now: time.Now}
}

func (s *Store) Cap() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Resize changes the capacity, keeping the newest entries.
func (s *Store) Resize(capacity int) {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if capacity == len(s.entries) {
		return
	}
	kept := s.orderedLocked()
	if len(kept) > capacity {
		kept = kept[len(kept)-capacity:]
	}
	s.entries = make([]Entry, capacity)
	copy(s.entries, kept)
	s.start = 0
	s.count = len(kept)
}

// Add records one formatted log line. The level is read from the line.
func (s *Store) Add(line string) {
	line = strings.TrimSpace(logutil.StripANSI(line))
	if line == "" {
		return
	}
	level := logutil.LineLevel([]byte(line))
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	e := Entry{Seq: s.seq, Time: s.now().UTC(), Level: level.String(), Message: line, level: level}
	if s.count < len(s.entries) {
		s.entries[(s.start+s.count)%len(s.entries)] = e
		s.count++
		return
	}
	s.entries[s.start] = e
	s.start = (s.start + 1) % len(s.entries)
}

func (s *Store) orderedLocked() []Entry {
	out := make([]Entry, 0, s.count)
	for i := range s.count {
		out = append(out, s.entries[(s.start+i)%len(s.entries)])
	}
	return out
}

func (s *Store) List(f Filter) []Entry {
	floor := log.DebugLevel
	if f.Level != "" {
		if l, err := logutil.ParseLevel(f.Level); err == nil {
			floor = l
		}
	}
	query := strings.ToLower(strings.TrimSpace(f.Query))
	limit := f.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, min(limit, s.count))
	for i := s.count - 1; i >= 0 && len(out) < limit; i-- {
		e := s.entries[(s.start+i)%len(s.entries)]
		if e.Seq <= f.After {
			break
		}
		if e.level < floor {
			continue
		}
		if query != "" && !strings.Contains(strings.ToLower(e.Message), query) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.entries)
	s.start, s.count = 0, 0
}

// Writer returns a line-buffered sink suitable for logutil.SetOutputTee.
func (s *Store) Writer() io.Writer {
	return &sink{store: s}
}

type sink struct {
	store *Store
	mu    sync.Mutex
	buf   []byte
}

func (w *sink) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		idx := bytes.IndexByte(w.buf, '\n')
		if idx < 0 {
			break
		}
		w.store.Add(string(w.buf[:idx]))
		w.buf = w.buf[idx+1:]
	}
	return len(p), nil
}
