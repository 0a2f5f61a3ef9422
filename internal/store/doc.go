// Package store is the SQLite storage connector.
//
// It provides the two collaborators the identity engine depends on:
//   - a durable Hi-Lo counter per document type (mt_hilo), advanced with a
//     single atomic upsert so processes sharing the file never overlap
//   - a Persister that writes a flushed change set to mt_documents in one
//     transaction
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Statements that still fail with SQLITE_BUSY or SQLITE_LOCKED are retried
// with exponential backoff. The retry policy lives here, not in the engine.
package store
