// Package testutil opens migrated throwaway databases for package tests.
package testutil

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/RealZimboGuy/outboundflow/internal/config"
	"github.com/RealZimboGuy/outboundflow/internal/migrations"
	"github.com/RealZimboGuy/outboundflow/internal/repository"
)

// NewSQLiteDB returns a migrated SQLite database in a temp dir and switches
// the SQL dialect to SQLite for the duration of the test.
func NewSQLiteDB(t *testing.T) *sql.DB {
	t.Helper()
	t.Setenv(config.DATABASE_TYPE, config.DATABASE_TYPE_SQLLITE)

	file := filepath.Join(t.TempDir(), "outboundflow-test.db")
	if err := migrations.Up("sqllite3", "sqlite3://"+file); err != nil {
		t.Fatalf("migrations failed: %v", err)
	}
	db, err := sql.Open("sqlite3", file+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	repository.ConfigurePool(db)
	t.Cleanup(func() { db.Close() })
	return db
}
