package logstore

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func messages(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Message
	}
	return out
}

func seqs(entries []Entry) []uint64 {
	out := make([]uint64, len(entries))
	for i, e := range entries {
		out[i] = e.Seq
	}
	return out
}

func TestStoreKeepsNewestLines(t *testing.T) {
	s := New(3)
	for i := 1; i <= 5; i++ {
		s.Add(fmt.Sprintf("INFO line %d", i))
	}
	assert.Equal(t, 3, s.Len())
	assert.Equal(t, []string{"INFO line 5", "INFO line 4", "INFO line 3"}, messages(s.List(Filter{})))
}

func TestSinkParsesLevelsAndFilters(t *testing.T) {
	s := New(100)
	w := s.Writer()
	_, _ = w.Write([]byte("2026-01-01T00:00:00Z DEBU hello\n2026-01-01T00:00:01Z INFO wor"))
	_, _ = w.Write([]byte("ld\n\x1b[31m2026-01-01T00:00:02Z ERRO boom\x1b[0m\n"))
	require.Equal(t, 3, s.Len())

	errs := s.List(Filter{Level: "error"})
	require.Len(t, errs, 1)
	assert.Equal(t, "error", errs[0].Level)
	assert.Equal(t, "2026-01-01T00:00:02Z ERRO boom", errs[0].Message)

	assert.Len(t, s.List(Filter{Level: "info"}), 2, "info and above")

	query := s.List(Filter{Query: "WORLD"})
	require.Len(t, query, 1)
	assert.Equal(t, "info", query[0].Level)
}

func TestListAfterAndLimit(t *testing.T) {
	s := New(10)
	for i := 1; i <= 6; i++ {
		s.Add(fmt.Sprintf("INFO n=%d", i))
	}
	assert.Equal(t, []uint64{6, 5}, seqs(s.List(Filter{After: 4})))
	assert.Equal(t, []uint64{6, 5}, seqs(s.List(Filter{Limit: 2})))
}

func TestResizeKeepsNewest(t *testing.T) {
	s := New(4)
	for i := 1; i <= 4; i++ {
		s.Add(fmt.Sprintf("INFO %d", i))
	}
	s.Resize(2)
	assert.Equal(t, 2, s.Cap())
	assert.Equal(t, 2, s.Len())

	s.Add("INFO 5")
	assert.Equal(t, []string{"INFO 5", "INFO 4"}, messages(s.List(Filter{})))
}

func TestClearRemovesEntries(t *testing.T) {
	s := New(10)
	s.Add("INFO hello")
	s.Clear()
	assert.Zero(t, s.Len())
	assert.Empty(t, s.List(Filter{}))

	s.Add("INFO again")
	assert.Equal(t, []uint64{2}, seqs(s.List(Filter{})), "sequence keeps increasing after clear")
}
