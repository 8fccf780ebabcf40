// Package store provides the SQLite-backed Local Store of a replica.
//
// The store holds:
//   - Rows: materialized rows of every replicated table, as canonical JSON
//   - Tombstones: deleted rows kept until their delete is acknowledged
//   - Operation log: local mutations awaiting upload
//   - Shapes: subscribed shape definitions, sync state and resume cursors
//   - Meta: the persistent client ID and logical clock
//
// # Write path
//
// Every change, local or remote, goes through Write. A write runs in one
// transaction: constraint checks, row updates and log entries commit together
// or not at all. After commit, observers are notified synchronously with the
// ChangeSet, before Write returns. A writer that is itself running inside an
// observer callback may write again by passing the callback's context; the
// nested change set is delivered depth-first.
//
// # Logical time
//
// Local versions and log sequence numbers come from one persisted logical
// clock. They never use wall time. Wall time is recorded only as a log
// entry's ClientTS for last-writer-wins conflict resolution.
//
// # Deterministic reads
//
// All row queries end with ORDER BY pk COLLATE BINARY so that ties are broken
// identically in SQL and in memory.
//
// # Database configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - One open connection: a single writer per store
package store
