// ABOUTME: Contract tests for the state store schema to detect breaking schema changes.
// ABOUTME: Validates that expected tables and columns exist in the SQLite database.

package contract

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-runtime/internal/store"
)

// expectedSchema defines the contract for persisted agent state.
// Existing databases are read by newer gateways, so columns are only ever added.
var expectedSchema = map[string][]string{
	"agent_state": {"agent_id", "agent_type", "etag", "state", "updated_at"},
}

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "contract_test.db")

	s, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err, "failed to create SQLite store")

	// The store owns its connection, so inspect through a second one.
	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err, "failed to open database")

	t.Cleanup(func() {
		db.Close()
		s.Close()
	})
	return db
}

func getTableColumns(ctx context.Context, db *sql.DB, table string) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("querying table info: %w", err)
	}
	defer rows.Close()

	columns := make(map[string]bool)
	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return nil, fmt.Errorf("scanning column info: %w", err)
		}
		columns[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating columns: %w", err)
	}
	return columns, nil
}

func TestSchemaSurface(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	for table, expectedCols := range expectedSchema {
		t.Run(table, func(t *testing.T) {
			actualCols, err := getTableColumns(ctx, db, table)
			if !assert.NoError(t, err) {
				return
			}
			if !assert.NotEmpty(t, actualCols, "table %s should exist", table) {
				return
			}
			for _, col := range expectedCols {
				assert.True(t, actualCols[col], "column %s.%s should exist", table, col)
			}
			for col := range actualCols {
				if !slices.Contains(expectedCols, col) {
					t.Logf("INFO: extra column %s.%s not in contract (consider adding)", table, col)
				}
			}
		})
	}
}

func TestSchemaIndexes(t *testing.T) {
	db := setupTestDB(t)

	var name string
	err := db.QueryRowContext(context.Background(),
		"SELECT name FROM sqlite_master WHERE type = 'index' AND name = ?", "idx_agent_state_type").Scan(&name)
	require.NoError(t, err, "agent_type index should exist for per-type listing")
	assert.Equal(t, "idx_agent_state_type", name)
}
