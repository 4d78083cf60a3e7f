// ABOUTME: Redis implementation of StateStore using go-redis
// ABOUTME: Compare-and-swap runs atomically on the server as a Lua script

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/2389/coven-runtime/internal/agent"
)

const defaultRedisPrefix = "coven:state:"

// casScript writes the hash only if the stored etag matches ARGV[1]. "*" always
// matches; "" matches only a missing key.
var casScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'etag')
if ARGV[1] == '' then
	if cur then
		return 0
	end
elseif ARGV[1] ~= '*' then
	if not cur or cur ~= ARGV[1] then
		return 0
	end
end
redis.call('HSET', KEYS[1], 'etag', ARGV[2], 'payload', ARGV[3], 'updated_at', ARGV[4])
return 1
`)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix is the key prefix for all state keys (default: "coven:state:").
	Prefix string
}

// RedisStore implements StateStore on Redis hashes.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisStoreFromClient(client, cfg.Prefix), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(id agent.ID) string {
	return s.prefix + id.String()
}

func (s *RedisStore) Read(ctx context.Context, id agent.ID) (AgentState, error) {
	if err := validate(id); err != nil {
		return AgentState{}, err
	}

	fields, err := s.client.HGetAll(ctx, s.key(id)).Result()
	if err != nil {
		return AgentState{}, fmt.Errorf("reading agent state: %w", err)
	}
	if len(fields) == 0 {
		return AgentState{}, ErrNotFound
	}

	st := AgentState{
		ID:      id,
		ETag:    fields["etag"],
		Payload: []byte(fields["payload"]),
	}
	if ts := fields["updated_at"]; ts != "" {
		st.UpdatedAt, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return AgentState{}, fmt.Errorf("parsing updated_at: %w", err)
		}
	}
	return st, nil
}

func (s *RedisStore) Write(ctx context.Context, id agent.ID, payload []byte, expectedETag string) (string, error) {
	if err := validate(id); err != nil {
		return "", err
	}

	etag := newETag()
	now := time.Now().UTC().Format(time.RFC3339Nano)

	ok, err := casScript.Run(ctx, s.client, []string{s.key(id)},
		expectedETag, etag, payload, now,
	).Int()
	if err != nil {
		return "", fmt.Errorf("writing agent state: %w", err)
	}
	if ok == 0 {
		return "", ErrConflict
	}
	return etag, nil
}

func (s *RedisStore) Delete(ctx context.Context, id agent.ID) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("deleting agent state: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
