// ABOUTME: Shared StateStore behaviour tests run against every backend
// ABOUTME: Covers etag semantics, not-found, delete, and concurrent compare-and-swap

package store

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-runtime/internal/agent"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type storeFactory func(t *testing.T) StateStore

func backends() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) StateStore {
			return NewMemoryStore()
		},
		"sqlite": func(t *testing.T) StateStore {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "state.db"))
			require.NoError(t, err)
			return s
		},
		"redis": func(t *testing.T) StateStore {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			return NewRedisStoreFromClient(client, "test:")
		},
	}
}

func TestStateStores(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			runStateStoreTests(t, factory)
		})
	}
}

func runStateStoreTests(t *testing.T, newStore storeFactory) {
	id := agent.ID{Type: "planner", Key: "a"}

	t.Run("read missing", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		_, err := s.Read(context.Background(), id)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("first write with any", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		ctx := context.Background()

		etag, err := s.Write(ctx, id, []byte("v1"), ETagAny)
		require.NoError(t, err)
		assert.NotEmpty(t, etag)

		st, err := s.Read(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, etag, st.ETag)
		assert.Equal(t, []byte("v1"), st.Payload)
		assert.Equal(t, id, st.ID)
		assert.False(t, st.UpdatedAt.IsZero())
	})

	t.Run("empty etag only creates", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		ctx := context.Background()

		e1, err := s.Write(ctx, id, []byte("v1"), ETagNone)
		require.NoError(t, err)
		_, err = s.Write(ctx, id, []byte("v2"), ETagNone)
		assert.ErrorIs(t, err, ErrConflict)

		st, err := s.Read(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, e1, st.ETag)
		assert.Equal(t, []byte("v1"), st.Payload)
	})

	t.Run("specific etag against missing state conflicts", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		_, err := s.Write(context.Background(), id, []byte("v1"), "some-etag")
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("optimistic concurrency", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		ctx := context.Background()

		e1, err := s.Write(ctx, id, []byte("v1"), ETagAny)
		require.NoError(t, err)

		e2, err := s.Write(ctx, id, []byte("v2"), e1)
		require.NoError(t, err)
		assert.NotEqual(t, e1, e2)

		// stale etag
		_, err = s.Write(ctx, id, []byte("v3"), e1)
		assert.ErrorIs(t, err, ErrConflict)

		st, err := s.Read(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, e2, st.ETag)
		assert.Equal(t, []byte("v2"), st.Payload)
	})

	t.Run("agents are independent", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		ctx := context.Background()
		other := agent.ID{Type: "planner", Key: "b"}

		_, err := s.Write(ctx, id, []byte("mine"), ETagAny)
		require.NoError(t, err)

		_, err = s.Read(ctx, other)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("delete", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		ctx := context.Background()

		_, err := s.Write(ctx, id, []byte("v1"), ETagAny)
		require.NoError(t, err)
		require.NoError(t, s.Delete(ctx, id))
		require.NoError(t, s.Delete(ctx, id))

		_, err = s.Read(ctx, id)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("invalid id", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		_, err := s.Write(context.Background(), agent.ID{Type: "t"}, nil, ETagAny)
		assert.ErrorIs(t, err, agent.ErrInvalidID)
	})

	t.Run("concurrent writers with same etag", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		ctx := context.Background()

		base, err := s.Write(ctx, id, []byte("base"), ETagAny)
		require.NoError(t, err)

		const writers = 8
		var wg sync.WaitGroup
		results := make(chan error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.Write(ctx, id, []byte{byte(i)}, base)
				results <- err
			}(i)
		}
		wg.Wait()
		close(results)

		successes := 0
		for err := range results {
			if err == nil {
				successes++
				continue
			}
			assert.ErrorIs(t, err, ErrConflict)
		}
		assert.Equal(t, 1, successes)
	})
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, Options{}, testLogger())
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)
	require.NoError(t, s.Close())

	s, err = Open(ctx, Options{Backend: BackendSQLite, SQLitePath: filepath.Join(t.TempDir(), "s.db")}, testLogger())
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	require.NoError(t, s.Close())

	mr := miniredis.RunT(t)
	s, err = Open(ctx, Options{Backend: BackendRedis, RedisAddr: mr.Addr()}, testLogger())
	require.NoError(t, err)
	assert.IsType(t, &RedisStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open(ctx, Options{Backend: "etcd"}, testLogger())
	assert.Error(t, err)

	_, err = Open(ctx, Options{Backend: BackendPostgres}, testLogger())
	assert.Error(t, err)
}
