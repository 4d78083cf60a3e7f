// ABOUTME: In-memory StateStore with per-key lock striping
// ABOUTME: Used by default and in tests; state does not survive restarts

package store

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/2389/coven-runtime/internal/agent"
)

const memoryShards = 32

type memoryShard struct {
	mu    sync.RWMutex
	items map[agent.ID]AgentState
}

// MemoryStore keeps agent state in process memory.
type MemoryStore struct {
	shards [memoryShards]memoryShard
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	for i := range s.shards {
		s.shards[i].items = make(map[agent.ID]AgentState)
	}
	return s
}

func (s *MemoryStore) shard(id agent.ID) *memoryShard {
	return &s.shards[xxhash.Sum64String(id.String())%memoryShards]
}

func (s *MemoryStore) Read(ctx context.Context, id agent.ID) (AgentState, error) {
	if err := validate(id); err != nil {
		return AgentState{}, err
	}
	sh := s.shard(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	st, ok := sh.items[id]
	if !ok {
		return AgentState{}, ErrNotFound
	}
	st.Payload = append([]byte(nil), st.Payload...)
	return st, nil
}

func (s *MemoryStore) Write(ctx context.Context, id agent.ID, payload []byte, expectedETag string) (string, error) {
	if err := validate(id); err != nil {
		return "", err
	}
	sh := s.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	cur, exists := sh.items[id]
	switch expectedETag {
	case ETagAny:
	case ETagNone:
		if exists {
			return "", ErrConflict
		}
	default:
		if !exists || cur.ETag != expectedETag {
			return "", ErrConflict
		}
	}

	etag := newETag()
	sh.items[id] = AgentState{
		ID:        id,
		ETag:      etag,
		Payload:   append([]byte(nil), payload...),
		UpdatedAt: time.Now().UTC(),
	}
	return etag, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id agent.ID) error {
	sh := s.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.items, id)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
