// Package store persists console state that must survive a restart.
//
// # Data Models
//
//   - PendingSetup: a guided agent setup that was accepted but not yet
//     applied, keyed by gateway scope and agent id
//
// # SQLite Configuration
//
// SQLiteStore uses modernc.org/sqlite (no cgo) with WAL mode:
//
//	PRAGMA journal_mode=WAL;
//
// The default database lives at ~/.local/share/coven/console.db.
//
// # Error Handling
//
//   - ErrNotFound: requested entity does not exist
//
// All methods accept context.Context for cancellation support.
//
// # Testing
//
// Use NewMockStore() for unit tests, or NewSQLiteStore on a t.TempDir()
// path for integration tests with real SQLite.
package store
