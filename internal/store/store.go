// ABOUTME: StateStore interface, AgentState, and backend selection for agent state persistence
// ABOUTME: Writes are compare-and-swap on a per-agent etag

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-runtime/internal/agent"
)

// ErrNotFound is returned when no state was ever written for an agent
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when the supplied etag does not match the stored one
var ErrConflict = errors.New("etag conflict")

// ETagAny writes regardless of the stored etag.
const ETagAny = "*"

// ETagNone writes only if the agent has no stored state.
const ETagNone = ""

// Backend names accepted by Open.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// AgentState is the persisted state of one agent
type AgentState struct {
	ID        agent.ID
	ETag      string
	Payload   []byte
	UpdatedAt time.Time
}

// StateStore reads and writes agent state with optimistic concurrency.
type StateStore interface {
	// Read returns the current state or ErrNotFound.
	Read(ctx context.Context, id agent.ID) (AgentState, error)

	// Write stores payload if expectedETag matches the stored etag and returns
	// the new etag. ETagAny always matches; ETagNone matches only missing state.
	Write(ctx context.Context, id agent.ID, payload []byte, expectedETag string) (string, error)

	// Delete removes the state. Deleting a missing agent is not an error.
	Delete(ctx context.Context, id agent.ID) error

	Close() error
}

// Options selects and configures a backend.
type Options struct {
	Backend string

	SQLitePath string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	PostgresURL string
}

// Open creates the StateStore named by opts.Backend. An empty backend means memory.
func Open(ctx context.Context, opts Options, logger *slog.Logger) (StateStore, error) {
	var (
		s   StateStore
		err error
	)
	switch opts.Backend {
	case "", BackendMemory:
		s = NewMemoryStore()
	case BackendSQLite:
		s, err = NewSQLiteStore(opts.SQLitePath)
	case BackendRedis:
		s, err = NewRedisStore(ctx, RedisConfig{
			Addr:     opts.RedisAddr,
			Password: opts.RedisPassword,
			DB:       opts.RedisDB,
			Prefix:   opts.RedisPrefix,
		})
	case BackendPostgres:
		s, err = NewPostgresStore(ctx, opts.PostgresURL)
	default:
		return nil, fmt.Errorf("unknown state backend %q", opts.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s state store: %w", opts.Backend, err)
	}
	logger.Info("state store opened", "backend", backendName(opts.Backend))
	return s, nil
}

func backendName(b string) string {
	if b == "" {
		return BackendMemory
	}
	return b
}

func newETag() string {
	return uuid.New().String()
}

func validate(id agent.ID) error {
	if err := id.Validate(); err != nil {
		return fmt.Errorf("state for %q: %w", id.String(), err)
	}
	return nil
}
