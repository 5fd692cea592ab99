// Package keypool owns the upstream credentials, their health and the
// round-robin rotation over the healthy ones.
package keypool

import (
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/charmbracelet/log"

	"github.com/lkarlslund/gemrelay/pkg/logutil"
)

const (
	DefaultFailureThreshold = 3
	DefaultBatchSize        = 3
	DefaultBatchPause       = time.Second

	keyPrefix    = "AIza"
	minKeyLength = 30
)

// Credential is a snapshot of one pooled key.
type Credential struct {
	Secret            string
	Healthy           bool
	ConsecutiveErrors int
	LastChecked       time.Time
	LastError         string
	Permanent         bool
}

type Option func(*Pool)

// WithFailureThreshold sets how many consecutive transient failures make a
// credential unselectable.
func WithFailureThreshold(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.threshold = n
		}
	}
}

// WithRecoveryAfter lets a transiently failed credential back into rotation
// once d has passed since its last failure. Zero disables recovery.
func WithRecoveryAfter(d time.Duration) Option {
	return func(p *Pool) { p.recoveryAfter = d }
}

// WithValidationBatch controls ValidateAll's concurrency and the pause
// between batches.
func WithValidationBatch(size int, pause time.Duration) Option {
	return func(p *Pool) {
		if size > 0 {
			p.batchSize = size
		}
		if pause >= 0 {
			p.batchPause = pause
		}
	}
}

func WithLogger(l *log.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

type Pool struct {
	mu    sync.Mutex
	creds []*Credential
	next  uint64

	threshold     int
	recoveryAfter time.Duration
	batchSize     int
	batchPause    time.Duration
	logger        *log.Logger
	now           func() time.Time
}

// New builds a pool from the configured keys. Keys are trimmed; blanks and
// repeats are dropped. Shape checks only apply to keys added at runtime.
func New(keys []string, opts ...Option) (*Pool, error) {
	p := &Pool{
		threshold:  DefaultFailureThreshold,
		batchSize:  DefaultBatchSize,
		batchPause: DefaultBatchPause,
		logger:     logutil.New("keypool"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	seen := map[string]struct{}{}
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		p.creds = append(p.creds, &Credential{Secret: k, Healthy: true})
	}
	if len(p.creds) == 0 {
		return nil, ErrNoKeys
	}
	return p, nil
}

func (p *Pool) selectableLocked(c *Credential, now time.Time) bool {
	if c.Healthy {
		return true
	}
	if c.Permanent || p.recoveryAfter <= 0 {
		return false
	}
	return now.Sub(c.LastChecked) >= p.recoveryAfter
}

// Next returns the next selectable credential in rotation. The index runs
// over the filtered subset so removed or failed keys do not skew it.
func (p *Pool) Next() (Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	healthy := make([]*Credential, 0, len(p.creds))
	for _, c := range p.creds {
		if p.selectableLocked(c, now) {
			healthy = append(healthy, c)
		}
	}
	if len(healthy) == 0 {
		return Credential{}, ErrNoHealthyCredentials
	}
	c := healthy[p.next%uint64(len(healthy))]
	p.next++
	return *c, nil
}

func (p *Pool) findLocked(secret string) *Credential {
	for _, c := range p.creds {
		if c.Secret == secret {
			return c
		}
	}
	return nil
}

func (p *Pool) ReportSuccess(secret string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.findLocked(secret)
	if c == nil {
		return
	}
	if !c.Healthy {
		p.logger.Info("credential recovered", "key", logutil.Redact(secret))
	}
	c.Healthy = true
	c.Permanent = false
	c.ConsecutiveErrors = 0
	c.LastError = ""
	c.LastChecked = p.now()
}

func (p *Pool) ReportFailure(secret string, err error) {
	class := Classify(err)
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.findLocked(secret)
	if c == nil {
		return
	}
	c.ConsecutiveErrors++
	c.LastChecked = p.now()
	if err != nil {
		c.LastError = err.Error()
	}
	wasHealthy := c.Healthy
	switch {
	case class == Permanent:
		c.Permanent = true
		c.Healthy = false
		if c.ConsecutiveErrors < p.threshold {
			c.ConsecutiveErrors = p.threshold
		}
	case c.ConsecutiveErrors >= p.threshold:
		c.Healthy = false
	}
	if wasHealthy && !c.Healthy {
		p.logger.Warn("credential disabled",
			"key", logutil.Redact(secret),
			"class", class,
			"errors", c.ConsecutiveErrors,
			"err", err)
	}
}

// Add pools a new key after a basic shape check.
func (p *Pool) Add(raw string) error {
	key := strings.TrimSpace(raw)
	if !strings.HasPrefix(key, keyPrefix) || len(key) < minKeyLength {
		return ErrInvalidKeyFormat
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.findLocked(key) != nil {
		return ErrDuplicateKey
	}
	p.creds = append(p.creds, &Credential{Secret: key, Healthy: true})
	p.logger.Info("credential added", "key", logutil.Redact(key))
	return nil
}

func (p *Pool) matchSuffixLocked(suffix string) (int, error) {
	suffix = strings.TrimSpace(suffix)
	if suffix == "" {
		return -1, ErrKeyNotFound
	}
	idx := -1
	for i, c := range p.creds {
		if !strings.HasSuffix(c.Secret, suffix) {
			continue
		}
		if idx >= 0 {
			return -1, ErrAmbiguousSuffix
		}
		idx = i
	}
	if idx < 0 {
		return -1, ErrKeyNotFound
	}
	return idx, nil
}

// Remove drops the single key ending in suffix.
func (p *Pool) Remove(suffix string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx, err := p.matchSuffixLocked(suffix)
	if err != nil {
		return err
	}
	target := p.creds[idx]
	now := p.now()
	if p.selectableLocked(target, now) {
		healthy := 0
		for _, c := range p.creds {
			if p.selectableLocked(c, now) {
				healthy++
			}
		}
		if healthy <= 1 {
			return ErrLastHealthyKeyProtected
		}
	}
	p.creds = append(p.creds[:idx:idx], p.creds[idx+1:]...)
	p.logger.Info("credential removed", "key", logutil.Redact(target.Secret))
	return nil
}

// Reset puts the key ending in suffix back into rotation.
func (p *Pool) Reset(suffix string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx, err := p.matchSuffixLocked(suffix)
	if err != nil {
		return err
	}
	c := p.creds[idx]
	c.Healthy = true
	c.Permanent = false
	c.ConsecutiveErrors = 0
	c.LastError = ""
	c.LastChecked = p.now()
	return nil
}

// Secrets returns the pooled secrets in rotation order.
func (p *Pool) Secrets() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.creds))
	for i, c := range p.creds {
		out[i] = c.Secret
	}
	return out
}

type KeyStat struct {
	ID                string    `json:"id"`
	Healthy           bool      `json:"healthy"`
	Permanent         bool      `json:"permanent,omitempty"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	LastChecked       time.Time `json:"last_checked,omitzero"`
	LastError         string    `json:"last_error,omitempty"`
}

type Stats struct {
	Total     int       `json:"total"`
	Healthy   int       `json:"healthy"`
	Unhealthy int       `json:"unhealthy"`
	Keys      []KeyStat `json:"keys"`
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	out := Stats{Total: len(p.creds), Keys: make([]KeyStat, 0, len(p.creds))}
	for _, c := range p.creds {
		selectable := p.selectableLocked(c, now)
		if selectable {
			out.Healthy++
		} else {
			out.Unhealthy++
		}
		out.Keys = append(out.Keys, KeyStat{
			ID:                logutil.Redact(c.Secret),
			Healthy:           selectable,
			Permanent:         c.Permanent,
			ConsecutiveErrors: c.ConsecutiveErrors,
			LastChecked:       c.LastChecked,
			LastError:         c.LastError,
		})
	}
	return out
}

func (p *Pool) String() string {
	s := p.Stats()
	return fmt.Sprintf("%d/%d healthy", s.Healthy, s.Total)
}
