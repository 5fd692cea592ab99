package cmd

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lkarlslund/gemrelay/pkg/keypool"
)

func TestPrintKeyStats(t *testing.T) {
	var buf bytes.Buffer
	printKeyStats(&buf, keypool.Stats{Keys: []keypool.KeyStat{
		{ID: "AIzaSyAA...aaaa", Healthy: true},
		{ID: "AIzaSyBB...bbbb", Permanent: true, ConsecutiveErrors: 3, LastError: "API key not valid"},
		{ID: "AIzaSyCC...cccc", ConsecutiveErrors: 3},
	}})
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4, "header plus three rows")
	for i, want := range []string{"healthy", "invalid", "cooling down"} {
		assert.Contains(t, lines[i+1], want, "row %d", i)
	}
	assert.Contains(t, lines[2], "API key not valid")
}
