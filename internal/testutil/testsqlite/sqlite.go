package testsqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/chirino/workspace-service/internal/plugin/store/gormstore"
	"github.com/chirino/workspace-service/internal/plugin/store/sqlite"
	registrystore "github.com/chirino/workspace-service/internal/registry/store"
)

// DatabaseURL returns the DSN of a fresh SQLite database file that is removed with the test.
// A file is used instead of ":memory:" so the schema survives the migrator closing its
// connection.
func DatabaseURL(tb testing.TB) string {
	tb.Helper()
	return "file:" + filepath.Join(tb.TempDir(), "workspace.db")
}

// NewStore returns a migrated SQLite-backed DocumentStore for the duration of the test.
func NewStore(tb testing.TB) registrystore.DocumentStore {
	tb.Helper()
	db, err := sqlite.Open(DatabaseURL(tb))
	if err != nil {
		tb.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		tb.Fatalf("sqlite handle: %v", err)
	}
	tb.Cleanup(func() { _ = sqlDB.Close() })
	if err := sqlite.ApplySchema(context.Background(), db); err != nil {
		tb.Fatalf("apply schema: %v", err)
	}
	return gormstore.New(db, gormstore.Options{IsUniqueViolation: sqlite.IsUniqueViolation})
}
