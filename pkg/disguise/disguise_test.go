package disguise

import (
	"math/rand/v2"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

const prompt = "Explain how TCP congestion control works."

func TestDisabledIsIdentity(t *testing.T) {
	d := New(false)
	for range 20 {
		assert.Equal(t, prompt, d.Mutate(prompt))
		assert.Equal(t, prompt, d.FormattingVariation(prompt))
	}
}

func TestMutateIsNonDeterministic(t *testing.T) {
	d := New(true)
	seen := map[string]struct{}{}
	for range 10 {
		seen[d.Mutate(prompt)] = struct{}{}
	}
	assert.Greater(t, len(seen), 1)
}

func TestMutateKeepsContent(t *testing.T) {
	d := New(true, WithRand(rand.New(rand.NewPCG(1, 2))))
	for range 50 {
		out := d.Mutate(prompt)
		assert.Contains(t, out, prompt)
		assert.NotEqual(t, prompt, out)
	}
}

func TestSeededSourceIsReproducible(t *testing.T) {
	a := New(true, WithRand(rand.New(rand.NewPCG(7, 7))))
	b := New(true, WithRand(rand.New(rand.NewPCG(7, 7))))
	for range 10 {
		assert.Equal(t, a.Mutate(prompt), b.Mutate(prompt))
	}
}

func TestBlankInputUntouched(t *testing.T) {
	d := New(true)
	assert.Equal(t, "  ", d.Mutate("  "))
}

func TestFormattingVariationWhitespaceOnly(t *testing.T) {
	d := New(true)
	for range 20 {
		out := d.FormattingVariation(prompt)
		assert.Equal(t, prompt, strings.TrimRight(out, " \n"))
	}
}

func TestSessionIDUnique(t *testing.T) {
	d := New(false)
	assert.NotEqual(t, d.SessionID(), d.SessionID())
}

func TestToggleAndConcurrentUse(t *testing.T) {
	d := New(false)
	d.SetEnabled(true)
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = d.Mutate(prompt)
		}()
	}
	wg.Wait()
	assert.True(t, d.Enabled())
}
