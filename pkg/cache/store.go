package cache

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Store keeps serialized responses keyed by request fingerprint.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Clear(ctx context.Context) error
	Len(ctx context.Context) (int, error)
	// Sweep removes expired entries and returns how many were removed.
	Sweep(ctx context.Context) (int, error)
	Close() error
}

const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

// Open builds the store named by backend. path is only used by sqlite.
func Open(backend, path string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendSQLite:
		return OpenSQLite(path)
	default:
		return nil, fmt.Errorf("unknown cache backend %q", backend)
	}
}

// MemoryStore is the default in-process backend.
type MemoryStore struct {
	entries *TTLMap[string, []byte]
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: NewTTLMap[string, []byte](), now: time.Now}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := s.entries.GetFresh(key, s.now())
	return v, ok, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.entries.SetWithTTL(key, append([]byte(nil), value...), s.now(), ttl)
	return nil
}

func (s *MemoryStore) Clear(context.Context) error {
	s.entries.Clear()
	return nil
}

func (s *MemoryStore) Len(context.Context) (int, error) {
	return s.entries.Len(), nil
}

func (s *MemoryStore) Sweep(context.Context) (int, error) {
	return s.entries.DeleteExpired(s.now()), nil
}

func (s *MemoryStore) Close() error { return nil }
