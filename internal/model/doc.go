// Package model defines the governed entities of steward and the value types
// shared by every other package.
//
// This package contains type definitions and pure helpers only. All other
// internal packages import model; model imports nothing internal.
//
// Key design constraints:
//   - Every entity carries an internal int64 ID and an opaque external UID
//     (UUIDv7) that is never reused.
//   - Semi-structured fields (step lists, step logs, capability sets, action
//     snapshots) carry an explicit schema_version so older rows stay decodable.
//   - Audit snapshots are serialized with MarshalCanonical so that identical
//     entity state always yields identical bytes.
//   - All JSON tags use snake_case.
package model
