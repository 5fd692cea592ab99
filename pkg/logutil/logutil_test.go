package logutil

import (
	"bytes"
	"testing"

	log "github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]log.Level{
		"":      log.InfoLevel,
		"trace": log.DebugLevel,
		"DEBUG": log.DebugLevel,
		"warn":  log.WarnLevel,
		"error": log.ErrorLevel,
	}
	for raw, want := range cases {
		got, err := ParseLevel(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestLineLevel(t *testing.T) {
	cases := map[string]log.Level{
		"2026/01/02 10:00:00 DEBU keypool: picked\n":            log.DebugLevel,
		"2026/01/02 10:00:00 INFO proxy: WARN in message\n":     log.InfoLevel,
		"2026/01/02 10:00:00 WARN upstream: retrying\n":         log.WarnLevel,
		"time=2026-01-02 level=error prefix=proxy msg=failed\n": log.ErrorLevel,
		`{"level":"debug","msg":"x"}` + "\n":                    log.DebugLevel,
		"plain line\n":                                          log.InfoLevel,
	}
	for line, want := range cases {
		assert.Equal(t, want, LineLevel([]byte(line)), line)
	}
}

func TestFilterWriterTeesAllLevels(t *testing.T) {
	var out, tee bytes.Buffer
	w := &levelFilterWriter{out: &out, tee: &tee, minLevel: log.WarnLevel}
	_, _ = w.Write([]byte("2026/01/02 10:00:00 DEBU quiet\n2026/01/02 10:00:00 ERRO lo"))
	_, _ = w.Write([]byte("ud\n"))

	assert.Equal(t, "2026/01/02 10:00:00 ERRO loud\n", out.String())
	assert.Equal(t, "2026/01/02 10:00:00 DEBU quiet\n2026/01/02 10:00:00 ERRO loud\n", tee.String())
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "AIzaSyA1...mnop", Redact("AIzaSyA1234567890abcdefghijklmnop"))
	assert.Equal(t, "*****", Redact("short"))
}
