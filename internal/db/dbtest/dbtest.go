// Package dbtest opens migrated in-memory databases for tests.
package dbtest

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/example/kdp-orchestrator/internal/db"
)

// New returns an isolated, migrated SQLite database closed at test end.
func New(t testing.TB) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_foreign_keys=on", uuid.NewString())
	conn, err := db.OpenSQLite(dsn)
	require.NoError(t, err)
	return migrated(t, conn)
}

// NewWAL returns a migrated file database in WAL mode with up to conns
// connections. Unlike New, a reader on another connection does not see
// writes until their transaction commits.
func NewWAL(t testing.TB, conns int) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kdp.db")
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate", path)
	conn, err := db.OpenSQLitePool(dsn, conns)
	require.NoError(t, err)
	return migrated(t, conn)
}

func migrated(t testing.TB, conn *gorm.DB) *gorm.DB {
	t.Helper()
	require.NoError(t, db.Migrate(conn))
	t.Cleanup(func() {
		if sqlDB, err := conn.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return conn
}
