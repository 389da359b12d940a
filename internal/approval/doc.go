// Package approval implements the approval gate: human sign-off on gated
// execution steps.
//
// A request is PENDING until it is APPROVED or REJECTED by a user, EXPIRED
// by the sweep (or by a decision that arrives too late), or CANCELLED with
// its execution. Every resolution is final. Decisions drive the execution
// machine inside the same unit, so the request and the execution never
// disagree.
//
// Reminders are rate limited per request: at most one per reminder
// interval, counted on the request.
package approval
