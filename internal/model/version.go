package model

// Schema versions for semi-structured fields.
const (
	// StepListSchemaVersion is the current shape of Workflow.Steps.
	StepListSchemaVersion = 1

	// StepLogSchemaVersion is the current shape of Execution.StepLog.
	StepLogSchemaVersion = 1

	// CapabilitySchemaVersion is the current shape of Agent.Capabilities.
	CapabilitySchemaVersion = 1

	// ActionSchemaVersion is the current shape of ApprovalRequest.Action.
	ActionSchemaVersion = 1

	// AuditSchemaVersion is the current shape of audit snapshots.
	AuditSchemaVersion = 1
)
