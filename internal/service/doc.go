// Package service wires the capture recorder, execution machine, approval
// gate and aggregator over one store and exposes the operations outside
// collaborators call: execution lifecycle, approval decisions, audit
// queries, dashboards and reconciliation, plus the organization, agent and
// workflow bookkeeping they rely on.
//
// Every mutating call takes the acting model.Actor and commits as one
// audited unit. Errors are *engine.Error values carrying a code.
package service
