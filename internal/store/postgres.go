// ABOUTME: PostgreSQL implementation of StateStore using a pgx connection pool
// ABOUTME: Compare-and-swap via conditional UPDATE; table created on connect

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/2389/coven-runtime/internal/agent"
)

const postgresSchema = `
	CREATE TABLE IF NOT EXISTS agent_state (
		agent_id   TEXT PRIMARY KEY,
		agent_type TEXT NOT NULL,
		etag       TEXT NOT NULL,
		state      BYTEA NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_agent_state_type ON agent_state(agent_type);
`

// PostgresStore implements StateStore on PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects, pings, and ensures the schema exists.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	if connString == "" {
		return nil, errors.New("postgres url is required")
	}

	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	s := NewPostgresStoreFromPool(pool)
	if err := s.createSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStoreFromPool wraps an existing pool. The caller owns schema creation.
func NewPostgresStoreFromPool(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) createSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Read(ctx context.Context, id agent.ID) (AgentState, error) {
	if err := validate(id); err != nil {
		return AgentState{}, err
	}

	query := `SELECT etag, state, updated_at FROM agent_state WHERE agent_id = $1`

	st := AgentState{ID: id}
	err := s.pool.QueryRow(ctx, query, id.String()).Scan(&st.ETag, &st.Payload, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return AgentState{}, ErrNotFound
	}
	if err != nil {
		return AgentState{}, fmt.Errorf("querying agent state: %w", err)
	}
	st.UpdatedAt = st.UpdatedAt.UTC()
	return st, nil
}

func (s *PostgresStore) Write(ctx context.Context, id agent.ID, payload []byte, expectedETag string) (string, error) {
	if err := validate(id); err != nil {
		return "", err
	}
	if payload == nil {
		payload = []byte{}
	}

	etag := newETag()
	now := time.Now().UTC()

	var (
		tag pgconn.CommandTag
		err error
	)
	switch expectedETag {
	case ETagAny:
		query := `
			INSERT INTO agent_state (agent_id, agent_type, etag, state, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (agent_id) DO UPDATE SET
				etag = EXCLUDED.etag,
				state = EXCLUDED.state,
				updated_at = EXCLUDED.updated_at`
		if _, err := s.pool.Exec(ctx, query, id.String(), id.Type, etag, payload, now); err != nil {
			return "", fmt.Errorf("saving agent state: %w", err)
		}
		return etag, nil
	case ETagNone:
		query := `
			INSERT INTO agent_state (agent_id, agent_type, etag, state, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (agent_id) DO NOTHING`
		tag, err = s.pool.Exec(ctx, query, id.String(), id.Type, etag, payload, now)
	default:
		query := `
			UPDATE agent_state SET etag = $1, state = $2, updated_at = $3
			WHERE agent_id = $4 AND etag = $5`
		tag, err = s.pool.Exec(ctx, query, etag, payload, now, id.String(), expectedETag)
	}
	if err != nil {
		return "", fmt.Errorf("saving agent state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return "", ErrConflict
	}
	return etag, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id agent.ID) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM agent_state WHERE agent_id = $1`, id.String()); err != nil {
		return fmt.Errorf("deleting agent state: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
