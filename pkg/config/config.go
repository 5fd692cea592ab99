package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/lkarlslund/gemrelay/pkg/cache"
	"github.com/lkarlslund/gemrelay/pkg/logutil"
)

const defaultConfigFileName = "gemrelay.toml"

const (
	DefaultListenAddr     = "127.0.0.1:8080"
	DefaultPerMinute      = 60
	DefaultPerDay         = 1000
	DefaultConcurrency    = 3
	MaxConcurrency        = 10
	DefaultCacheTTL       = time.Hour
	DefaultSweepInterval  = 5 * time.Minute
	DefaultFailThreshold  = 3
	DefaultValidateBatch  = 3
	DefaultValidatePause  = time.Second
	DefaultUpstreamURL    = "https://generativelanguage.googleapis.com/v1beta"
	DefaultUpstreamTries  = 3
	DefaultUpstreamDelay  = time.Second
	DefaultUpstreamWait   = 120 * time.Second
	DefaultKeepAlive      = 2 * time.Second
	DefaultStreamChunk    = 10
	DefaultStreamInterval = 50 * time.Millisecond
	DefaultLogBuffer      = 2000
	DefaultUsageRetention = 30 * 24 * time.Hour
)

// Duration is a time.Duration written as a Go duration string in TOML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := parseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// parseDuration accepts Go duration strings and bare seconds.
func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d, nil
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return 0, fmt.Errorf("invalid duration %q", raw)
}

type LogConfig struct {
	Level  string `toml:"level" json:"level"`
	Format string `toml:"format" json:"format"`
	// Buffer is how many recent lines the admin API keeps.
	Buffer int `toml:"buffer" json:"buffer"`
}

type UpstreamConfig struct {
	BaseURL    string   `toml:"base_url" json:"base_url"`
	MaxRetries int      `toml:"max_retries" json:"max_retries"`
	RetryDelay Duration `toml:"retry_delay" json:"retry_delay"`
	Timeout    Duration `toml:"timeout" json:"timeout"`
	// Models is the advertised list; empty means ask the backend.
	Models []string `toml:"models,omitempty" json:"models,omitempty"`
}

type RateLimitConfig struct {
	PerMinute int `toml:"per_minute" json:"per_minute"`
	PerDay    int `toml:"per_day" json:"per_day"`
}

type FeaturesConfig struct {
	FakeStreaming bool `toml:"fake_streaming" json:"fake_streaming"`
	Concurrent    bool `toml:"concurrent" json:"concurrent"`
	Concurrency   int  `toml:"concurrency" json:"concurrency"`
	Disguise      bool `toml:"disguise" json:"disguise"`
	Cache         bool `toml:"cache" json:"cache"`
}

type StreamConfig struct {
	KeepAlive  Duration `toml:"keep_alive" json:"keep_alive"`
	ChunkWords int      `toml:"chunk_words" json:"chunk_words"`
	ChunkDelay Duration `toml:"chunk_delay" json:"chunk_delay"`
}

type CacheConfig struct {
	Backend       string   `toml:"backend" json:"backend"`
	Path          string   `toml:"path,omitempty" json:"path,omitempty"`
	TTL           Duration `toml:"ttl" json:"ttl"`
	SweepInterval Duration `toml:"sweep_interval" json:"sweep_interval"`
}

// UsageConfig controls the on-disk request usage log.
type UsageConfig struct {
	Enabled   bool     `toml:"enabled" json:"enabled"`
	Path      string   `toml:"path,omitempty" json:"path,omitempty"`
	Retention Duration `toml:"retention" json:"retention"`
}

type KeyPoolConfig struct {
	FailureThreshold int      `toml:"failure_threshold" json:"failure_threshold"`
	RecoveryAfter    Duration `toml:"recovery_after" json:"recovery_after"`
	ValidateInterval Duration `toml:"validate_interval" json:"validate_interval"`
	ValidateBatch    int      `toml:"validate_batch" json:"validate_batch"`
	ValidatePause    Duration `toml:"validate_pause" json:"validate_pause"`
}

type TLSConfig struct {
	Enabled    bool   `toml:"enabled" json:"enabled"`
	ListenAddr string `toml:"listen_addr" json:"listen_addr"`
	Domain     string `toml:"domain" json:"domain"`
	Email      string `toml:"email" json:"email"`
	CacheDir   string `toml:"cache_dir" json:"cache_dir"`
}

type Config struct {
	ListenAddr string          `toml:"listen_addr" json:"listen_addr"`
	APIKey     string          `toml:"api_key,omitempty" json:"api_key,omitempty"`
	Keys       []string        `toml:"keys" json:"keys"`
	Log        LogConfig       `toml:"log" json:"log"`
	Upstream   UpstreamConfig  `toml:"upstream" json:"upstream"`
	RateLimit  RateLimitConfig `toml:"rate_limit" json:"rate_limit"`
	Features   FeaturesConfig  `toml:"features" json:"features"`
	Stream     StreamConfig    `toml:"stream" json:"stream"`
	Cache      CacheConfig     `toml:"cache" json:"cache"`
	KeyPool    KeyPoolConfig   `toml:"keypool" json:"keypool"`
	Usage      UsageConfig     `toml:"usage" json:"usage"`
	TLS        TLSConfig       `toml:"tls" json:"tls"`
}

func DefaultTLSCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tls-autocert"
	}
	return filepath.Join(home, ".cache", "gemrelay", "tls-autocert")
}

func DefaultUsagePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "gemrelay-usage"
	}
	return filepath.Join(home, ".cache", "gemrelay", "usage")
}

func DefaultCachePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "gemrelay-cache.db"
	}
	return filepath.Join(home, ".cache", "gemrelay", "responses.db")
}

func NewDefault() *Config {
	return &Config{
		ListenAddr: DefaultListenAddr,
		Keys:       []string{},
		Log:        LogConfig{Level: "info", Format: "text", Buffer: DefaultLogBuffer},
		Upstream: UpstreamConfig{
			BaseURL:    DefaultUpstreamURL,
			MaxRetries: DefaultUpstreamTries,
			RetryDelay: Duration(DefaultUpstreamDelay),
			Timeout:    Duration(DefaultUpstreamWait),
		},
		RateLimit: RateLimitConfig{PerMinute: DefaultPerMinute, PerDay: DefaultPerDay},
		Features: FeaturesConfig{
			FakeStreaming: true,
			Concurrent:    false,
			Concurrency:   DefaultConcurrency,
			Disguise:      true,
			Cache:         true,
		},
		Stream: StreamConfig{
			KeepAlive:  Duration(DefaultKeepAlive),
			ChunkWords: DefaultStreamChunk,
			ChunkDelay: Duration(DefaultStreamInterval),
		},
		Cache: CacheConfig{
			Backend:       cache.BackendMemory,
			TTL:           Duration(DefaultCacheTTL),
			SweepInterval: Duration(DefaultSweepInterval),
		},
		KeyPool: KeyPoolConfig{
			FailureThreshold: DefaultFailThreshold,
			ValidateBatch:    DefaultValidateBatch,
			ValidatePause:    Duration(DefaultValidatePause),
		},
		Usage: UsageConfig{
			Retention: Duration(DefaultUsageRetention),
		},
		TLS: TLSConfig{
			ListenAddr: ":443",
			CacheDir:   DefaultTLSCacheDir(),
		},
	}
}

// LoadFile reads a TOML file on top of the defaults without consulting the
// environment.
func LoadFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := NewDefault()
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Load builds the effective configuration: defaults, then the file at path
// when it exists, then .env files and environment overrides.
func Load(path string) (*Config, error) {
	cfg := NewDefault()
	if path != "" {
		fileCfg, err := LoadFile(path)
		switch {
		case err == nil:
			cfg = fileCfg
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, err
		}
	}
	LoadDotEnv(path)
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrCreate behaves like Load but first writes a default file when path
// does not exist yet.
func LoadOrCreate(path string) (*Config, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := Save(path, NewDefault()); err != nil {
			return nil, err
		}
	}
	return Load(path)
}

func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	b, err := marshalTOML(cfg)
	if err != nil {
		return err
	}
	return writeAtomic(path, b, 0o600)
}

func writeAtomic(path string, b []byte, mode os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, mode); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func marshalTOML(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.SetArraysMultiline(true)
	enc.SetIndentSymbol("  ")
	enc.SetIndentTables(true)
	enc.SetTablesInline(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultConfigFileName
	}
	return filepath.Join(home, ".config", "gemrelay", defaultConfigFileName)
}

func (c *Config) Normalize() {
	c.ListenAddr = strings.TrimSpace(c.ListenAddr)
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	c.APIKey = strings.TrimSpace(c.APIKey)

	seen := map[string]struct{}{}
	keys := make([]string, 0, len(c.Keys))
	for _, k := range c.Keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	c.Keys = keys

	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Log.Buffer <= 0 {
		c.Log.Buffer = DefaultLogBuffer
	}

	c.Upstream.BaseURL = strings.TrimRight(strings.TrimSpace(c.Upstream.BaseURL), "/")
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = DefaultUpstreamURL
	}
	if c.Upstream.MaxRetries <= 0 {
		c.Upstream.MaxRetries = DefaultUpstreamTries
	}
	if c.Upstream.RetryDelay < 0 {
		c.Upstream.RetryDelay = 0
	}
	if c.Upstream.Timeout <= 0 {
		c.Upstream.Timeout = Duration(DefaultUpstreamWait)
	}
	models := c.Upstream.Models[:0]
	for _, m := range c.Upstream.Models {
		if m = strings.TrimSpace(m); m != "" && !slices.Contains(models, m) {
			models = append(models, m)
		}
	}
	c.Upstream.Models = models

	if c.Features.Concurrency <= 0 {
		c.Features.Concurrency = DefaultConcurrency
	}
	if c.Stream.KeepAlive <= 0 {
		c.Stream.KeepAlive = Duration(DefaultKeepAlive)
	}
	if c.Stream.ChunkWords <= 0 {
		c.Stream.ChunkWords = DefaultStreamChunk
	}
	if c.Stream.ChunkDelay < 0 {
		c.Stream.ChunkDelay = 0
	}

	c.Cache.Backend = strings.ToLower(strings.TrimSpace(c.Cache.Backend))
	if c.Cache.Backend == "" {
		c.Cache.Backend = cache.BackendMemory
	}
	c.Cache.Path = strings.TrimSpace(c.Cache.Path)
	if c.Cache.Backend == cache.BackendSQLite && c.Cache.Path == "" {
		c.Cache.Path = DefaultCachePath()
	}
	if c.Cache.TTL <= 0 {
		c.Cache.TTL = Duration(DefaultCacheTTL)
	}
	if c.Cache.SweepInterval <= 0 {
		c.Cache.SweepInterval = Duration(DefaultSweepInterval)
	}

	c.Usage.Path = strings.TrimSpace(c.Usage.Path)
	if c.Usage.Enabled && c.Usage.Path == "" {
		c.Usage.Path = DefaultUsagePath()
	}
	if c.Usage.Retention <= 0 {
		c.Usage.Retention = Duration(DefaultUsageRetention)
	}

	if c.KeyPool.FailureThreshold <= 0 {
		c.KeyPool.FailureThreshold = DefaultFailThreshold
	}
	if c.KeyPool.RecoveryAfter < 0 {
		c.KeyPool.RecoveryAfter = 0
	}
	if c.KeyPool.ValidateInterval < 0 {
		c.KeyPool.ValidateInterval = 0
	}
	if c.KeyPool.ValidateBatch <= 0 {
		c.KeyPool.ValidateBatch = DefaultValidateBatch
	}
	if c.KeyPool.ValidatePause < 0 {
		c.KeyPool.ValidatePause = 0
	}

	c.TLS.ListenAddr = strings.TrimSpace(c.TLS.ListenAddr)
	if c.TLS.ListenAddr == "" {
		c.TLS.ListenAddr = ":443"
	}
	c.TLS.Domain = strings.TrimSpace(c.TLS.Domain)
	c.TLS.Email = strings.TrimSpace(c.TLS.Email)
	c.TLS.CacheDir = strings.TrimSpace(c.TLS.CacheDir)
	if c.TLS.CacheDir == "" {
		c.TLS.CacheDir = DefaultTLSCacheDir()
	}
}

func (c *Config) Validate() error {
	switch c.Log.Level {
	case "trace", "debug", "info", "warn", "warning", "error", "fatal":
	default:
		return fmt.Errorf("log.level %q is not one of trace, debug, info, warn, error", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json", "logfmt":
	default:
		return fmt.Errorf("log.format %q is not one of text, json, logfmt", c.Log.Format)
	}
	u, err := url.Parse(c.Upstream.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("upstream.base_url %q must be an absolute URL", c.Upstream.BaseURL)
	}
	if c.RateLimit.PerMinute < 0 {
		return errors.New("rate_limit.per_minute must be >= 0")
	}
	if c.RateLimit.PerDay < 0 {
		return errors.New("rate_limit.per_day must be >= 0")
	}
	if c.Features.Concurrency > MaxConcurrency {
		return fmt.Errorf("features.concurrency must be <= %d", MaxConcurrency)
	}
	switch c.Cache.Backend {
	case cache.BackendMemory, cache.BackendSQLite:
	default:
		return fmt.Errorf("cache.backend %q is not one of memory, sqlite", c.Cache.Backend)
	}
	if c.TLS.Enabled && c.TLS.Domain == "" {
		return errors.New("tls.domain is required when tls is enabled")
	}
	return nil
}

// Redacted returns a copy safe to show to administrators.
func (c Config) Redacted() Config {
	cp := c.clone()
	for i, k := range cp.Keys {
		cp.Keys[i] = logutil.Redact(k)
	}
	if cp.APIKey != "" {
		cp.APIKey = logutil.Redact(cp.APIKey)
	}
	return cp
}

func (c Config) clone() Config {
	cp := c
	cp.Keys = slices.Clone(c.Keys)
	cp.Upstream.Models = slices.Clone(c.Upstream.Models)
	return cp
}

// Store holds the live configuration shared by the server and the reload
// watcher.
type Store struct {
	mu  sync.RWMutex
	cfg *Config
}

func NewStore(cfg *Config) *Store {
	if cfg == nil {
		cfg = NewDefault()
	}
	return &Store{cfg: cfg}
}

func (s *Store) Snapshot() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.clone()
}

// Update applies mutator to a copy and swaps it in when the result is
// valid.
func (s *Store) Update(mutator func(*Config) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := s.cfg.clone()
	if err := mutator(&cp); err != nil {
		return err
	}
	cp.Normalize()
	if err := cp.Validate(); err != nil {
		return err
	}
	s.cfg = &cp
	return nil
}
