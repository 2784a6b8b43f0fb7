// Package store provides persistent storage for the supervisor using SQLite.
//
// # Architecture
//
// The store is split into narrow interfaces so each component depends only
// on what it writes:
//
//   - AgentStore: upsert-by-id agent metadata, status and load
//   - TaskStore: upsert-by-id tasks, read-by-status, stale task reset
//   - MessageStore: append-only message history
//
// Store composes all three. SQLiteStore implements Store in a single struct.
//
// # Data Models
//
//   - Agent: identity, display metadata, skills, status, load, running stats
//   - Task: work item with status, lead/co-assignees, result and parent links
//   - Message: relayed message, immutable once saved
//
// Skills, assignees and stats are stored as JSON text columns. Timestamps are
// stored as fixed-width UTC text so ORDER BY and range comparisons are lexical.
//
// # Concurrency
//
// Upserts use INSERT ... ON CONFLICT(id) DO UPDATE, last writer wins per row.
// No cross-row transactions are used. WAL mode and a busy timeout let many
// bridges write concurrently.
//
// # Testing
//
// Use NewMockStore() for unit tests. Use NewSQLiteStore(":memory:") or a
// path under t.TempDir() for integration tests with real SQLite.
package store
