// Package store persists agent memory using SQLite.
//
// Two things outlive a process restart:
//
//   - Target: the monitored set, so an agent keeps answering peer queries for
//     targets it already owns
//   - Decision: the ownership decision log, one row per resolved query
//
// SQLiteStore implements Store on modernc.org/sqlite with WAL mode:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA busy_timeout=5000;
//
// Timestamps are stored as fixed-width UTC text so ordering by column works.
//
// # Testing
//
// Use NewMockStore() for unit tests that do not care about SQL, or
// NewSQLiteStore on a t.TempDir() path for integration tests.
package store
