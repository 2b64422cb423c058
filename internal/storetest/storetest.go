// Package storetest builds throwaway in-memory stores for package tests.
package storetest

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"jobrelay/internal/store"
)

// New opens an in-memory SQLite database with the schema applied. The
// database lives until the test ends.
func New(t *testing.T) (store.Repository, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.EnsureSchema(db))
	return store.NewSQLiteRepo(db), db
}
