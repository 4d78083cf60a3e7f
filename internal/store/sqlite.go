// ABOUTME: SQLite implementation of StateStore using modernc.org/sqlite
// ABOUTME: Compare-and-swap writes via conditional UPDATE; schema created on open

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/2389/coven-runtime/internal/agent"
)

// SQLiteStore implements StateStore using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path == "" {
		return nil, errors.New("sqlite path is required")
	}

	dsn := path
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
		dsn = path + "?_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Every pooled connection to ":memory:" would get its own empty database
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agent_state (
			agent_id TEXT PRIMARY KEY,
			agent_type TEXT NOT NULL DEFAULT '',
			etag TEXT NOT NULL DEFAULT '',
			state BLOB NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_agent_state_type
			ON agent_state(agent_type);
	`
	_, err := s.db.Exec(schema)
	return err
}

// runMigrations upgrades agent_state tables created before etags existed.
func (s *SQLiteStore) runMigrations() error {
	migrations := []struct {
		check  string
		apply  string
		column string
	}{
		{
			check:  `SELECT 1 FROM pragma_table_info('agent_state') WHERE name = 'etag'`,
			apply:  `ALTER TABLE agent_state ADD COLUMN etag TEXT NOT NULL DEFAULT ''`,
			column: "etag",
		},
		{
			check:  `SELECT 1 FROM pragma_table_info('agent_state') WHERE name = 'agent_type'`,
			apply:  `ALTER TABLE agent_state ADD COLUMN agent_type TEXT NOT NULL DEFAULT ''`,
			column: "agent_type",
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(m.check).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking column %s: %w", m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding column %s: %w", m.column, err)
		}
		s.logger.Info("migrated agent_state", "column", m.column)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Read loads the state for an agent.
func (s *SQLiteStore) Read(ctx context.Context, id agent.ID) (AgentState, error) {
	if err := validate(id); err != nil {
		return AgentState{}, err
	}

	query := `SELECT etag, state, updated_at FROM agent_state WHERE agent_id = ?`

	st := AgentState{ID: id}
	var updatedAt string
	err := s.db.QueryRowContext(ctx, query, id.String()).Scan(&st.ETag, &st.Payload, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return AgentState{}, ErrNotFound
	}
	if err != nil {
		return AgentState{}, fmt.Errorf("querying agent state: %w", err)
	}

	st.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return AgentState{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return st, nil
}

// Write stores the payload if the etag matches.
func (s *SQLiteStore) Write(ctx context.Context, id agent.ID, payload []byte, expectedETag string) (string, error) {
	if err := validate(id); err != nil {
		return "", err
	}
	if payload == nil {
		payload = []byte{}
	}

	etag := newETag()
	now := time.Now().UTC().Format(time.RFC3339Nano)

	var (
		res sql.Result
		err error
	)
	switch expectedETag {
	case ETagAny:
		query := `
			INSERT INTO agent_state (agent_id, agent_type, etag, state, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(agent_id) DO UPDATE SET
				etag = excluded.etag,
				state = excluded.state,
				updated_at = excluded.updated_at
		`
		if _, err := s.db.ExecContext(ctx, query, id.String(), id.Type, etag, payload, now); err != nil {
			return "", fmt.Errorf("saving agent state: %w", err)
		}
		return etag, nil
	case ETagNone:
		query := `
			INSERT INTO agent_state (agent_id, agent_type, etag, state, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(agent_id) DO NOTHING
		`
		res, err = s.db.ExecContext(ctx, query, id.String(), id.Type, etag, payload, now)
	default:
		query := `
			UPDATE agent_state SET etag = ?, state = ?, updated_at = ?
			WHERE agent_id = ? AND etag = ?
		`
		res, err = s.db.ExecContext(ctx, query, etag, payload, now, id.String(), expectedETag)
	}
	if err != nil {
		return "", fmt.Errorf("saving agent state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return "", ErrConflict
	}
	return etag, nil
}

// Delete removes an agent's state.
func (s *SQLiteStore) Delete(ctx context.Context, id agent.ID) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM agent_state WHERE agent_id = ?`, id.String()); err != nil {
		return fmt.Errorf("deleting agent state: %w", err)
	}
	return nil
}
