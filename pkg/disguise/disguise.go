// Package disguise adds randomized, non-semantic padding to outbound user
// turns so repeated prompts do not produce byte-identical payloads.
package disguise

import (
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	prefixes = []string{
		"I'm working on a project and need some help.",
		"Quick question for you.",
		"Hoping you can help me out with something.",
		"I've been thinking about this for a while.",
		"Here is what I'm trying to figure out.",
		"Could you take a look at the following?",
		"I'd appreciate your perspective on this.",
	}
	suffixes = []string{
		"Thanks in advance!",
		"Any help is appreciated.",
		"Looking forward to your answer.",
		"Thank you for your time.",
		"Let me know if anything is unclear.",
		"Cheers.",
	}
	qualifiers = []string{
		"Please be precise.",
		"A clear and structured answer would be great.",
		"Accuracy matters more than brevity here.",
		"Feel free to be thorough.",
		"Please keep the answer well organized.",
	}
)

type placement int

const (
	placePrefix placement = iota
	placeSuffix
	placeBoth
	placeQualifier
	placeCount
)

type Option func(*Disguiser)

// WithRand replaces the random source; tests use a seeded one.
func WithRand(r *rand.Rand) Option {
	return func(d *Disguiser) {
		if r != nil {
			d.rng = r
		}
	}
}

// Disguiser is safe for concurrent use. Its only state is the enable flag
// and a mutex-guarded random source.
type Disguiser struct {
	enabled atomic.Bool
	mu      sync.Mutex
	rng     *rand.Rand
}

func New(enabled bool, opts ...Option) *Disguiser {
	now := uint64(time.Now().UnixNano())
	d := &Disguiser{rng: rand.New(rand.NewPCG(now, now>>17^0x9e3779b97f4a7c15))}
	d.enabled.Store(enabled)
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Disguiser) Enabled() bool     { return d.enabled.Load() }
func (d *Disguiser) SetEnabled(v bool) { d.enabled.Store(v) }

func (d *Disguiser) intn(n int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rng.IntN(n)
}

func (d *Disguiser) pick(list []string) string {
	return list[d.intn(len(list))]
}

// Mutate wraps text in a random combination of a lead-in sentence, a
// closing phrase and a qualifier. The original text is kept verbatim.
func (d *Disguiser) Mutate(text string) string {
	if !d.Enabled() || strings.TrimSpace(text) == "" {
		return text
	}
	var b strings.Builder
	b.Grow(len(text) + 128)
	switch placement(d.intn(int(placeCount))) {
	case placePrefix:
		b.WriteString(d.pick(prefixes))
		b.WriteString("\n\n")
		b.WriteString(text)
	case placeSuffix:
		b.WriteString(text)
		b.WriteString("\n\n")
		b.WriteString(d.pick(suffixes))
	case placeBoth:
		b.WriteString(d.pick(prefixes))
		b.WriteString("\n\n")
		b.WriteString(text)
		b.WriteString("\n\n")
		b.WriteString(d.pick(suffixes))
	case placeQualifier:
		b.WriteString(text)
		b.WriteString("\n\n")
		b.WriteString(d.pick(qualifiers))
		b.WriteByte(' ')
		b.WriteString(d.pick(suffixes))
	}
	return d.FormattingVariation(b.String())
}

// FormattingVariation applies one whitespace-only change.
func (d *Disguiser) FormattingVariation(text string) string {
	if !d.Enabled() {
		return text
	}
	switch d.intn(4) {
	case 0:
		return text
	case 1:
		return text + "\n"
	case 2:
		return text + " "
	default:
		return strings.TrimRight(text, " \n") + "\n\n"
	}
}

// SessionID returns a fresh opaque token on every call.
func (d *Disguiser) SessionID() string {
	return uuid.NewString()
}
