// Package store provides SQLite-backed durable storage for steward's
// governed entities and its append-only audit log.
//
// # Critical Patterns
//
// Single writer:
//   - The pool holds one connection, so WithTx units are serialized
//   - A Reader must never be used from inside a WithTx callback
//
// Optimistic concurrency:
//   - Every mutable row carries a version column
//   - Updates run WHERE id = ? AND version = ? and bump the version
//   - A zero-row update is ErrVersionConflict (or ErrNotFound if the row is gone)
//
// Append-only audit:
//   - audit_entries.seq is AUTOINCREMENT and defines the total order
//   - Triggers reject UPDATE and DELETE on audit_entries and audit_touches
//   - All audit queries are ORDER BY seq ASC
//
// Deterministic reads:
//   - List queries have an explicit ORDER BY and return empty slices, not nil
//   - Times are stored as fixed-width RFC 3339 UTC text so they sort as strings
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
