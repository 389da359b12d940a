// Package engine implements the steward execution state machine.
//
// An execution moves PENDING -> RUNNING -> (AWAITING_APPROVAL) -> SUCCESS,
// FAILED or CANCELLED. Terminal states are immutable.
//
// ARCHITECTURE:
//
// One transition, one unit:
// Every transition runs inside a capture unit (Machine.Mutate). The unit
// re-reads the execution, checks that the source state is legal, writes with
// a version check and commits the audit entry in the same transaction. A
// transition that loses a race gets a CONFLICT error and changes nothing.
//
// Gating:
// A step needs approval when its risk is HIGH, or when the workflow demands
// approval and the step risk is MEDIUM or above. Entering such a step opens
// an approval request through the Gate and parks the execution in
// AWAITING_APPROVAL. The gate's decision drives ResumeApproved or
// FailForApproval inside the gate's own unit.
//
// Terminal transitions:
// SUCCESS and FAILED fold into the workflow and agent counters
// (aggregate.ApplyTerminal) in the same unit, so each execution is counted
// exactly once.
//
// Outbound calls:
// Agent dispatch and notifications are queued only after the unit commits
// and run in the worker loop (Run or Drain). A failed call is audited as an
// INTEGRATION error and never rolls back a transition.
//
// CRITICAL PATTERNS:
//
// Snapshots are taken with track() before any field is touched; the
// before/after chain of every execution must replay without gaps.
//
// Never read through Store.Reader() inside a unit: the store has a single
// connection and the unit holds it.
package engine
