// Package usagedb records one event per chat completion in hourly,
// zstd-compressed JSON-lines segments and aggregates them on demand.
package usagedb

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

const (
	defaultRetention = 30 * 24 * time.Hour
	segmentMaxAge    = time.Hour
	segmentSuffix    = ".jsonl.zst"
	openPrefix       = "open-"
)

type Event struct {
	Time             time.Time `json:"time"`
	Model            string    `json:"model"`
	Mode             string    `json:"mode"`
	Client           string    `json:"client,omitempty"`
	Status           int       `json:"status"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	LatencyMS        int64     `json:"latency_ms"`
}

func (e Event) failed() bool { return e.Status >= 400 }

// Bucket aggregates the events of one time slot.
type Bucket struct {
	StartAt          time.Time `json:"start_at"`
	SlotSeconds      int       `json:"slot_seconds"`
	Requests         int       `json:"requests"`
	FailedRequests   int       `json:"failed_requests,omitempty"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	LatencyMSSum     int64     `json:"latency_ms_sum"`
}

type Summary struct {
	PeriodSeconds     int64          `json:"period_seconds"`
	Requests          int            `json:"requests"`
	FailedRequests    int            `json:"failed_requests"`
	PromptTokens      int            `json:"prompt_tokens"`
	CompletionTokens  int            `json:"completion_tokens"`
	TotalTokens       int            `json:"total_tokens"`
	AvgLatencyMS      float64        `json:"avg_latency_ms"`
	RequestsPerModel  map[string]int `json:"requests_per_model"`
	RequestsPerMode   map[string]int `json:"requests_per_mode"`
	RequestsPerClient map[string]int `json:"requests_per_client"`
	Buckets           []Bucket       `json:"buckets"`
}

// Store is safe for concurrent use. A nil *Store discards events.
type Store struct {
	mu        sync.Mutex
	dir       string
	retention time.Duration
	writer    *segmentWriter
	writerDir string
	seq       int64
	now       func() time.Time
}

type segmentWriter struct {
	pathTmp  string
	dir      string
	seq      int64
	file     *os.File
	enc      *zstd.Encoder
	minTs    time.Time
	maxTs    time.Time
	count    int
	openedAt time.Time
}

type segmentMeta struct {
	path string
	min  time.Time
	max  time.Time
}

// Open prepares dir for writing. A non-positive retention keeps 30 days.
func Open(dir string, retention time.Duration) (*Store, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("usagedb: empty directory")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("usagedb: %w", err)
	}
	if retention <= 0 {
		retention = defaultRetention
	}
	return &Store{dir: dir, retention: retention, now: time.Now}, nil
}

func (s *Store) Dir() string {
	if s == nil {
		return ""
	}
	return s.dir
}

func (s *Store) Append(evt Event) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if evt.Time.IsZero() {
		evt.Time = s.now()
	}
	evt.Time = evt.Time.UTC()
	evt.Model = strings.TrimSpace(evt.Model)
	evt.Client = strings.TrimSpace(evt.Client)
	if evt.TotalTokens == 0 {
		evt.TotalTokens = evt.PromptTokens + evt.CompletionTokens
	}

	if err := s.openWriterLocked(evt.Time); err != nil {
		return err
	}
	line, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	if err := s.writer.writeLine(line, evt.Time); err != nil {
		return err
	}
	if s.now().Sub(s.writer.openedAt) >= segmentMaxAge {
		return s.closeWriterLocked()
	}
	return nil
}

// Flush finalises the open segment so it becomes visible to readers.
func (s *Store) Flush() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeWriterLocked()
}

func (s *Store) Close() error { return s.Flush() }

// Summary aggregates the events of the last period before now. Buckets are
// one minute wide up to an hour, five minutes up to two days and hourly
// beyond that.
func (s *Store) Summary(period time.Duration, now time.Time) (Summary, error) {
	if s == nil {
		return Summary{}, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.closeWriterLocked(); err != nil {
		return Summary{}, err
	}

	if now.IsZero() {
		now = s.now()
	}
	now = now.UTC()
	from := now.Add(-period)
	slot := slotFor(period)
	sum := Summary{
		PeriodSeconds:     int64(period.Seconds()),
		RequestsPerModel:  map[string]int{},
		RequestsPerMode:   map[string]int{},
		RequestsPerClient: map[string]int{},
	}
	buckets := map[int64]*Bucket{}
	var latency int64

	segs, err := listSegments(s.dir)
	if err != nil {
		return Summary{}, err
	}
	for _, seg := range segs {
		if seg.max.Before(from.Truncate(time.Second)) || seg.min.After(now) {
			continue
		}
		err := scanEvents(seg.path, func(e Event) {
			if e.Time.Before(from) || e.Time.After(now) {
				return
			}
			sum.Requests++
			latency += e.LatencyMS
			sum.PromptTokens += e.PromptTokens
			sum.CompletionTokens += e.CompletionTokens
			sum.TotalTokens += e.TotalTokens
			sum.RequestsPerModel[e.Model]++
			sum.RequestsPerMode[e.Mode]++
			if e.Client != "" {
				sum.RequestsPerClient[e.Client]++
			}

			start := e.Time.Truncate(slot)
			b, ok := buckets[start.Unix()]
			if !ok {
				b = &Bucket{StartAt: start, SlotSeconds: int(slot.Seconds())}
				buckets[start.Unix()] = b
			}
			b.Requests++
			b.PromptTokens += e.PromptTokens
			b.CompletionTokens += e.CompletionTokens
			b.TotalTokens += e.TotalTokens
			b.LatencyMSSum += e.LatencyMS
			if e.failed() {
				sum.FailedRequests++
				b.FailedRequests++
			}
		})
		if err != nil {
			return Summary{}, err
		}
	}
	if sum.Requests > 0 {
		sum.AvgLatencyMS = float64(latency) / float64(sum.Requests)
	}
	sum.Buckets = make([]Bucket, 0, len(buckets))
	for _, b := range buckets {
		sum.Buckets = append(sum.Buckets, *b)
	}
	sort.Slice(sum.Buckets, func(i, j int) bool { return sum.Buckets[i].StartAt.Before(sum.Buckets[j].StartAt) })
	return sum, nil
}

func slotFor(period time.Duration) time.Duration {
	switch {
	case period <= time.Hour:
		return time.Minute
	case period <= 48*time.Hour:
		return 5 * time.Minute
	default:
		return time.Hour
	}
}

// Prune deletes closed segments whose newest event is older than the
// retention window. It returns how many segments were removed.
func (s *Store) Prune(now time.Time) (int, error) {
	if s == nil {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.IsZero() {
		now = s.now()
	}
	cutoff := now.UTC().Add(-s.retention)
	segs, err := listSegments(s.dir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, seg := range segs {
		if !seg.max.Before(cutoff) {
			continue
		}
		if err := os.Remove(seg.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, err
		}
		removed++
		removeEmptyParents(filepath.Dir(seg.path), s.dir)
	}
	return removed, nil
}

func removeEmptyParents(dir, root string) {
	for dir != root && strings.HasPrefix(dir, root) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

func (s *Store) openWriterLocked(ts time.Time) error {
	hourDir := filepath.Join(s.dir, ts.Format("2006"), ts.Format("01"), ts.Format("02"), ts.Format("15"))
	if s.writer != nil && s.writerDir == hourDir {
		return nil
	}
	if err := s.closeWriterLocked(); err != nil {
		return err
	}
	s.seq++
	w, err := newSegmentWriter(hourDir, s.now().UnixNano()+s.seq, s.now())
	if err != nil {
		return err
	}
	s.writer = w
	s.writerDir = hourDir
	return nil
}

func (s *Store) closeWriterLocked() error {
	if s.writer == nil {
		return nil
	}
	err := s.writer.close()
	s.writer = nil
	s.writerDir = ""
	return err
}

func newSegmentWriter(dir string, seq int64, now time.Time) (*segmentWriter, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	tmp := filepath.Join(dir, fmt.Sprintf("%s%d%s.tmp", openPrefix, seq, segmentSuffix))
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &segmentWriter{pathTmp: tmp, dir: dir, seq: seq, file: f, enc: enc, openedAt: now}, nil
}

func (w *segmentWriter) writeLine(line []byte, ts time.Time) error {
	if _, err := w.enc.Write(append(line, '\n')); err != nil {
		return err
	}
	if w.minTs.IsZero() || ts.Before(w.minTs) {
		w.minTs = ts
	}
	if w.maxTs.IsZero() || ts.After(w.maxTs) {
		w.maxTs = ts
	}
	w.count++
	return nil
}

// close renames the segment to <min>-<max>-<seq>.jsonl.zst so readers can
// skip it by name.
func (w *segmentWriter) close() error {
	encErr := w.enc.Close()
	fileErr := w.file.Close()
	if w.count == 0 {
		_ = os.Remove(w.pathTmp)
		return nil
	}
	if err := errors.Join(encErr, fileErr); err != nil {
		return err
	}
	final := filepath.Join(w.dir, fmt.Sprintf("%d-%d-%d%s", w.minTs.Unix(), w.maxTs.Unix(), w.seq, segmentSuffix))
	return os.Rename(w.pathTmp, final)
}

func listSegments(root string) ([]segmentMeta, error) {
	var out []segmentMeta
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if !strings.HasSuffix(name, segmentSuffix) || strings.HasPrefix(name, openPrefix) {
			return nil
		}
		parts := strings.Split(strings.TrimSuffix(name, segmentSuffix), "-")
		if len(parts) != 3 {
			return nil
		}
		minUnix, err1 := strconv.ParseInt(parts[0], 10, 64)
		maxUnix, err2 := strconv.ParseInt(parts[1], 10, 64)
		if err1 != nil || err2 != nil {
			return nil
		}
		out = append(out, segmentMeta{path: path, min: time.Unix(minUnix, 0).UTC(), max: time.Unix(maxUnix, 0).UTC()})
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].min.Before(out[j].min) })
	return out, nil
}

func scanEvents(path string, fn func(Event)) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	zr, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer zr.Close()
	sc := bufio.NewScanner(zr)
	sc.Buffer(make([]byte, 0, 64*1024), 2<<20)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var evt Event
		if err := json.Unmarshal(line, &evt); err != nil {
			continue
		}
		evt.Time = evt.Time.UTC()
		fn(evt)
	}
	return sc.Err()
}
