// Package aggregate maintains and checks the derived performance counters
// on workflows and agents.
//
// Counters are updated incrementally by ApplyTerminal inside the unit that
// commits a SUCCESS or FAILED transition, so each terminal execution is
// counted exactly once. Averages use the running mean
//
//	new_avg = old_avg + (value - old_avg) / new_count
//
// Dashboard projections are always computed from raw execution rows.
// Reconcile compares the two and raises a consistency alarm on any
// difference; it never rewrites a counter.
package aggregate
