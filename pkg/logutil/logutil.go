package logutil

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	log "github.com/charmbracelet/log"
)

var (
	outputMu  sync.Mutex
	outputTee io.Writer
	sink      = &levelFilterWriter{minLevel: log.InfoLevel}
)

// Configure sets the stderr level and the line formatter (text, json or logfmt).
// The global logger always emits debug so a tee sees everything.
func Configure(levelRaw, formatRaw string) error {
	level, err := ParseLevel(levelRaw)
	if err != nil {
		return err
	}
	formatter, err := parseFormatter(formatRaw)
	if err != nil {
		return err
	}
	outputMu.Lock()
	sink.minLevel = level
	outputMu.Unlock()
	log.SetLevel(log.DebugLevel)
	log.SetFormatter(formatter)
	log.SetReportTimestamp(true)
	applyOutput()
	return nil
}

func ParseLevel(raw string) (log.Level, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	switch raw {
	case "":
		return log.InfoLevel, nil
	case "trace":
		return log.DebugLevel, nil
	}
	level, err := log.ParseLevel(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid log level %q", raw)
	}
	return level, nil
}

func parseFormatter(raw string) (log.Formatter, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "text":
		return log.TextFormatter, nil
	case "json":
		return log.JSONFormatter, nil
	case "logfmt":
		return log.LogfmtFormatter, nil
	default:
		return 0, fmt.Errorf("invalid log format %q", raw)
	}
}

// SetOutputTee mirrors every log line, regardless of level, to w.
// Pass nil to detach.
func SetOutputTee(w io.Writer) {
	outputMu.Lock()
	outputTee = w
	outputMu.Unlock()
	applyOutput()
}

// New returns a child of the global logger tagged with a component prefix.
func New(component string) *log.Logger {
	return log.Default().WithPrefix(component)
}

// Redact keeps the first 8 and last 4 characters of a secret.
func Redact(secret string) string {
	if len(secret) <= 12 {
		return strings.Repeat("*", len(secret))
	}
	return secret[:8] + "..." + secret[len(secret)-4:]
}

func applyOutput() {
	outputMu.Lock()
	defer outputMu.Unlock()
	sink.mu.Lock()
	sink.out = os.Stderr
	sink.tee = outputTee
	sink.mu.Unlock()
	log.SetOutput(sink)
}

type levelFilterWriter struct {
	mu       sync.Mutex
	out      io.Writer
	tee      io.Writer
	minLevel log.Level
	buf      []byte
}

func (w *levelFilterWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		idx := bytes.IndexByte(w.buf, '\n')
		if idx < 0 {
			break
		}
		line := append([]byte(nil), w.buf[:idx+1]...)
		w.buf = w.buf[idx+1:]
		if w.tee != nil {
			_, _ = w.tee.Write(line)
		}
		if w.out != nil && LineLevel(line) >= w.minLevel {
			_, _ = w.out.Write(line)
		}
	}
	return len(p), nil
}

var levelTokens = []struct {
	token string
	level log.Level
}{
	{"DEBU", log.DebugLevel},
	{"INFO", log.InfoLevel},
	{"WARN", log.WarnLevel},
	{"ERRO", log.ErrorLevel},
	{"FATA", log.FatalLevel},
}

// LineLevel picks the earliest level marker in the line. Text lines carry
// the abbreviated level after the timestamp; json and logfmt lines carry a
// level key.
func LineLevel(line []byte) log.Level {
	s := " " + strings.ToUpper(StripANSI(string(line)))
	best, level := -1, log.InfoLevel
	for _, c := range levelTokens {
		for _, marker := range []string{" " + c.token, "LEVEL=" + c.token, `"LEVEL":"` + c.token} {
			idx := strings.Index(s, marker)
			if idx >= 0 && (best < 0 || idx < best) {
				best, level = idx, c.level
			}
		}
	}
	return level
}

func StripANSI(s string) string {
	if !strings.ContainsRune(s, 0x1b) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	inEsc := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inEsc {
			if (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') {
				inEsc = false
			}
			continue
		}
		if ch == 0x1b {
			inEsc = true
			continue
		}
		b.WriteByte(ch)
	}
	return b.String()
}
