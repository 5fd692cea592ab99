package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables that override the file.
const (
	EnvKeys          = "GEMINI_API_KEYS"
	EnvAPIKey        = "GEMRELAY_API_KEY"
	EnvPerMinute     = "RATE_LIMIT_PER_MINUTE"
	EnvPerDay        = "RATE_LIMIT_PER_DAY"
	EnvFakeStreaming = "FAKE_STREAMING"
	EnvConcurrent    = "CONCURRENT_REQUESTS"
	EnvConcurrency   = "CONCURRENCY"
	EnvDisguise      = "DISGUISE"
	EnvCacheEnabled  = "CACHE_ENABLED"
	EnvCacheTTL      = "CACHE_TTL"
	EnvCacheBackend  = "CACHE_BACKEND"
	EnvListenAddr    = "LISTEN_ADDR"
	EnvLogLevel      = "LOG_LEVEL"
	EnvUpstreamURL   = "GEMINI_BASE_URL"
)

// envPaths lists candidate .env files, nearest first.
func envPaths(configPath string) []string {
	var paths []string
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, ".env"))
	}
	if configPath != "" {
		paths = append(paths, filepath.Join(filepath.Dir(configPath), ".env"))
	}
	return paths
}

// LoadDotEnv loads the first .env file found. Variables already present in
// the process environment are left alone.
func LoadDotEnv(configPath string) {
	for _, path := range envPaths(configPath) {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
			return
		}
	}
}

// ApplyEnv overrides fields from getenv. Unset or blank variables are
// skipped; malformed values are reported.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	get := func(key string) (string, bool) {
		v := strings.TrimSpace(getenv(key))
		return v, v != ""
	}

	if v, ok := get(EnvKeys); ok {
		c.Keys = splitList(v)
	}
	if v, ok := get(EnvAPIKey); ok {
		c.APIKey = v
	}
	if v, ok := get(EnvListenAddr); ok {
		c.ListenAddr = v
	}
	if v, ok := get(EnvLogLevel); ok {
		c.Log.Level = v
	}
	if v, ok := get(EnvUpstreamURL); ok {
		c.Upstream.BaseURL = v
	}
	if v, ok := get(EnvCacheBackend); ok {
		c.Cache.Backend = v
	}

	ints := []struct {
		key string
		dst *int
	}{
		{EnvPerMinute, &c.RateLimit.PerMinute},
		{EnvPerDay, &c.RateLimit.PerDay},
		{EnvConcurrency, &c.Features.Concurrency},
	}
	for _, f := range ints {
		v, ok := get(f.key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %q is not an integer", f.key, v)
		}
		*f.dst = n
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{EnvFakeStreaming, &c.Features.FakeStreaming},
		{EnvConcurrent, &c.Features.Concurrent},
		{EnvDisguise, &c.Features.Disguise},
		{EnvCacheEnabled, &c.Features.Cache},
	}
	for _, f := range bools {
		v, ok := get(f.key)
		if !ok {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %q is not a boolean", f.key, v)
		}
		*f.dst = b
	}

	if v, ok := get(EnvCacheTTL); ok {
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvCacheTTL, err)
		}
		c.Cache.TTL = Duration(d)
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == '\n' || r == ' ' }) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
