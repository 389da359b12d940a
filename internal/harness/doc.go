// Package harness runs workflow scenarios end to end against a fresh
// in-memory store and checks the audit trail they leave behind.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: approval_resumes
//	description: "A gated step is approved and the execution resumes"
//	workflow:
//	  name: payout
//	  steps:
//	    - {name: prepare, type: llm}
//	    - {name: transfer, type: bank, risk: HIGH}
//	agents: [EXECUTOR]
//	flow:
//	  - op: create
//	  - op: dispatch
//	  - op: complete
//	    expect: {status: AWAITING_APPROVAL}
//	  - op: decide
//	    decision: approve
//	    expect: {status: SUCCESS}
//	assertions:
//	  - type: trail_order
//	    events: [execution_started, approval_requested, approval_approved]
//	  - type: final_state
//	    resource: execution
//	    expect: {status: SUCCESS}
//
// The workflow block is validated exactly like a definition file. Steps act
// as the workflow owner unless "as" picks reviewer, agent or system;
// complete and fail default to the agent.
//
// # Assertion Types
//
//   - trail_contains: an entry with the event (and optional actor type and
//     success flag) exists
//   - trail_order: events appear in this relative order
//   - trail_count: an event appears exactly N times
//   - trail_length: the trail has exactly N entries
//   - final_state: fields of the final execution, approval or workflow
//     snapshot equal (expect) or contain (contains) the given values
//
// # Golden Files
//
// RunWithGolden stores the projected trail as canonical JSON under
// testdata/golden; regenerate with go test ./internal/harness -update.
package harness
