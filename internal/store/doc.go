// Package store provides persistent storage for warren using SQLite.
//
// # Data Models
//
//   - RegisteredGroup: one conversation the system serves, keyed by JID,
//     with a unique working-directory folder name
//   - Task: a deferred or recurring agent invocation (cron, interval, once)
//   - Message / Chat: inbound chat history and conversation metadata
//   - Sessions: group folder -> opaque agent continuation token
//   - Router state: watermark cursors persisted across restarts
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Timestamps are stored as RFC3339 text in UTC. Message timestamps and
// watermark cursors are the adapter-supplied ISO 8601 strings compared
// lexicographically, which is ordering-correct for a fixed UTC format.
//
// # Error Handling
//
// ErrNotFound is returned when a requested entity does not exist.
// All methods accept context.Context for cancellation support.
//
// # Testing
//
// Use NewSQLiteStore with a temp-dir path (or ":memory:") for
// integration tests; consumers define narrow fakes for unit tests.
package store
