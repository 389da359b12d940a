package model

import (
	"fmt"
	"strings"
)

// ExecutionStatus is the lifecycle state of a WorkflowExecution.
type ExecutionStatus string

const (
	StatusPending          ExecutionStatus = "PENDING"
	StatusRunning          ExecutionStatus = "RUNNING"
	StatusAwaitingApproval ExecutionStatus = "AWAITING_APPROVAL"
	StatusSuccess          ExecutionStatus = "SUCCESS"
	StatusFailed           ExecutionStatus = "FAILED"
	StatusCancelled        ExecutionStatus = "CANCELLED"
)

// executionTransitions lists the legal targets for every non-terminal state.
// AWAITING_APPROVAL -> RUNNING is the only edge that re-enters a state already
// left; it is taken when a gated step is approved.
var executionTransitions = map[ExecutionStatus][]ExecutionStatus{
	StatusPending:          {StatusRunning, StatusCancelled},
	StatusRunning:          {StatusRunning, StatusAwaitingApproval, StatusSuccess, StatusFailed, StatusCancelled},
	StatusAwaitingApproval: {StatusRunning, StatusFailed, StatusCancelled},
}

// Valid reports whether s is a known execution status.
func (s ExecutionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusAwaitingApproval,
		StatusSuccess, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions are allowed from s.
func (s ExecutionStatus) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCancelled
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s ExecutionStatus) CanTransitionTo(next ExecutionStatus) bool {
	for _, t := range executionTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// ApprovalStatus is the lifecycle state of an ApprovalRequest.
type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "PENDING"
	ApprovalApproved  ApprovalStatus = "APPROVED"
	ApprovalRejected  ApprovalStatus = "REJECTED"
	ApprovalExpired   ApprovalStatus = "EXPIRED"
	ApprovalCancelled ApprovalStatus = "CANCELLED"
)

// IsResolved reports whether the request has left PENDING.
func (s ApprovalStatus) IsResolved() bool {
	return s != ApprovalPending
}

// Decision is the human verdict on an ApprovalRequest.
type Decision string

const (
	DecisionApprove Decision = "APPROVE"
	DecisionReject  Decision = "REJECT"
)

// ParseDecision accepts APPROVE/REJECT case-insensitively.
func ParseDecision(s string) (Decision, error) {
	switch Decision(strings.ToUpper(strings.TrimSpace(s))) {
	case DecisionApprove:
		return DecisionApprove, nil
	case DecisionReject:
		return DecisionReject, nil
	}
	return "", fmt.Errorf("unknown decision %q", s)
}

// Status returns the approval status a decision resolves to.
func (d Decision) Status() ApprovalStatus {
	if d == DecisionApprove {
		return ApprovalApproved
	}
	return ApprovalRejected
}

// RiskLevel classifies how dangerous a workflow or step is.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// ParseRiskLevel accepts LOW/MEDIUM/HIGH case-insensitively.
func ParseRiskLevel(s string) (RiskLevel, error) {
	r := RiskLevel(strings.ToUpper(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("unknown risk level %q", s)
	}
	return r, nil
}

// Valid reports whether r is a known risk level.
func (r RiskLevel) Valid() bool {
	return r == RiskLow || r == RiskMedium || r == RiskHigh
}

// Rank orders risk levels: LOW < MEDIUM < HIGH. Unknown levels rank 0.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	}
	return 0
}

// AgentRole is the responsibility an agent takes on an execution.
type AgentRole string

const (
	RolePlanner  AgentRole = "PLANNER"
	RoleExecutor AgentRole = "EXECUTOR"
	RoleAuditor  AgentRole = "AUDITOR"
)

// AgentRoles lists every role in assignment order.
var AgentRoles = []AgentRole{RolePlanner, RoleExecutor, RoleAuditor}

// ParseAgentRole accepts PLANNER/EXECUTOR/AUDITOR case-insensitively.
func ParseAgentRole(s string) (AgentRole, error) {
	r := AgentRole(strings.ToUpper(strings.TrimSpace(s)))
	switch r {
	case RolePlanner, RoleExecutor, RoleAuditor:
		return r, nil
	}
	return "", fmt.Errorf("unknown agent role %q", s)
}

// AgentStatus is the availability of an agent.
type AgentStatus string

const (
	AgentIdle    AgentStatus = "IDLE"
	AgentBusy    AgentStatus = "BUSY"
	AgentOffline AgentStatus = "OFFLINE"
	AgentError   AgentStatus = "ERROR"
)

// Assignable reports whether an agent in this status may receive new work.
func (s AgentStatus) Assignable() bool {
	return s == AgentIdle || s == AgentBusy
}

// MembershipRole is a user's role inside a company.
type MembershipRole string

const (
	MemberOwner   MembershipRole = "owner"
	MemberAdmin   MembershipRole = "admin"
	MemberManager MembershipRole = "manager"
	MemberMember  MembershipRole = "member"
	MemberViewer  MembershipRole = "viewer"
)

// ParseMembershipRole accepts the five membership roles case-insensitively.
func ParseMembershipRole(s string) (MembershipRole, error) {
	r := MembershipRole(strings.ToLower(strings.TrimSpace(s)))
	switch r {
	case MemberOwner, MemberAdmin, MemberManager, MemberMember, MemberViewer:
		return r, nil
	}
	return "", fmt.Errorf("unknown membership role %q", s)
}

// EventKind is the kind of mutation an audit entry records.
type EventKind string

const (
	EventCreate EventKind = "create"
	EventModify EventKind = "modify"
	EventRemove EventKind = "remove"
)

// Valid reports whether k is a known event kind.
func (k EventKind) Valid() bool {
	return k == EventCreate || k == EventModify || k == EventRemove
}

// ResourceType names a governed entity table.
type ResourceType string

const (
	ResourceCompany       ResourceType = "company"
	ResourceUser          ResourceType = "user"
	ResourceMembership    ResourceType = "membership"
	ResourceWorkflow      ResourceType = "workflow"
	ResourceWorkflowAgent ResourceType = "workflow_agent"
	ResourceExecution     ResourceType = "workflow_execution"
	ResourceAgent         ResourceType = "agent"
	ResourceApproval      ResourceType = "approval_request"
)

var resourceTypes = []ResourceType{
	ResourceCompany, ResourceUser, ResourceMembership, ResourceWorkflow,
	ResourceWorkflowAgent, ResourceExecution, ResourceAgent, ResourceApproval,
}

// ParseResourceType accepts a table name as it appears in the audit trail.
func ParseResourceType(s string) (ResourceType, error) {
	for _, rt := range resourceTypes {
		if string(rt) == strings.TrimSpace(s) {
			return rt, nil
		}
	}
	return "", fmt.Errorf("unknown resource type %q", s)
}
