package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "cache_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStores(t *testing.T) {
	backends := map[string]func(t *testing.T, clock *fakeClock) Store{
		"memory": func(t *testing.T, clock *fakeClock) Store {
			s := NewMemoryStore()
			s.now = clock.Now
			return s
		},
		"sqlite": func(t *testing.T, clock *fakeClock) Store {
			s := newTestSQLite(t)
			s.now = clock.Now
			return s
		},
	}
	for name, build := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
			s := build(t, clock)

			_, ok, err := s.Get(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.Set(ctx, "fp", []byte(`{"id":"a"}`), time.Minute))
			require.NoError(t, s.Set(ctx, "fp:v1", []byte(`{"id":"b"}`), 2*time.Minute))
			require.NoError(t, s.Set(ctx, "forever", []byte(`{}`), 0))

			got, ok, err := s.Get(ctx, "fp")
			require.NoError(t, err)
			require.True(t, ok)
			assert.JSONEq(t, `{"id":"a"}`, string(got))

			n, err := s.Len(ctx)
			require.NoError(t, err)
			assert.Equal(t, 3, n)

			clock.t = clock.t.Add(time.Minute)
			_, ok, err = s.Get(ctx, "fp")
			require.NoError(t, err)
			assert.False(t, ok, "entry must expire exactly at its ttl")

			clock.t = clock.t.Add(time.Minute)
			removed, err := s.Sweep(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, removed)

			n, err = s.Len(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			require.NoError(t, s.Clear(ctx))
			n, err = s.Len(ctx)
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}

func TestMemoryStoreCopiesValue(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	buf := []byte("hello")
	require.NoError(t, s.Set(ctx, "k", buf, time.Minute))
	buf[0] = 'j'

	got, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hello", string(got))
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "persist.db")

	s, err := OpenSQLite(path)
	require.NoError(t, err)
	body := []byte(`{"choices":[{"message":{"content":"persisted"}}]}`)
	require.NoError(t, s.Set(ctx, "fp", body, time.Hour))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()
	got, ok, err := s.Get(ctx, "fp")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, body, got)
}

func TestOpenRejectsUnknownBackend(t *testing.T) {
	_, err := Open("redis", "")
	assert.Error(t, err)

	s, err := Open("", "")
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)
}
