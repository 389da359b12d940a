// Package capture is the change capture engine: the single path through
// which governed entities are written.
//
// A Recorder opens one store transaction per Mutate call. Inside it the
// caller writes rows through Unit.Tx and describes each mutation with
// Unit.Commit; the audit entry is appended in the same transaction, so data
// and history commit together. If the audit append fails the whole unit is
// rolled back (ErrAuditWrite).
//
// Entries carry full canonical before/after snapshots. Reconstruct replays
// a resource's changes in seq order and Verify checks the result against
// the live row.
package capture
