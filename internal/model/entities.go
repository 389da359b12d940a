package model

import "time"

// Company is an organizational scope.
type Company struct {
	ID        int64
	UID       string
	Name      string
	Slug      string
	IsActive  bool
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// User is a person who owns workflows and decides approvals.
type User struct {
	ID        int64
	UID       string
	Email     string
	FullName  string
	IsActive  bool
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Membership links a user to a company with a role.
// A user holds at most one primary membership.
type Membership struct {
	ID        int64
	UID       string
	UserID    int64
	CompanyID int64
	Role      MembershipRole
	IsActive  bool
	IsPrimary bool
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Workflow is a reusable, ordered definition of automation steps.
type Workflow struct {
	ID               int64
	UID              string
	UserID           int64
	CompanyID        *int64
	Name             string
	Description      string
	Steps            StepList
	RiskLevel        RiskLevel
	RequiresApproval bool
	MaxRetries       int
	TimeoutMinutes   int
	IsActive         bool

	// Running totals maintained by the aggregation layer.
	TotalExecutions      int64
	SuccessfulExecutions int64
	FailedExecutions     int64
	AverageDuration      float64
	LastExecutedAt       *time.Time

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// StepRisk returns the effective risk of a step: its own level, or the
// workflow's when the step leaves it unset.
func (w *Workflow) StepRisk(s StepDefinition) RiskLevel {
	if s.Risk != "" {
		return s.Risk
	}
	return w.RiskLevel
}

// StepRequiresApproval reports whether step n must be signed off before it
// counts as done. HIGH risk steps always require approval; MEDIUM risk steps
// do when the workflow demands approval.
func (w *Workflow) StepRequiresApproval(n int) bool {
	s, ok := w.Steps.At(n)
	if !ok {
		return false
	}
	risk := w.StepRisk(s)
	if risk == RiskHigh {
		return true
	}
	return w.RequiresApproval && risk.Rank() >= RiskMedium.Rank()
}

// Agent is an autonomous, role-scoped actor.
type Agent struct {
	ID           int64
	UID          string
	CompanyID    *int64
	Name         string
	Role         AgentRole
	Status       AgentStatus
	Capabilities CapabilitySet
	IsActive     bool

	CompletedTasks  int64
	FailedTasks     int64
	SuccessRate     float64
	AverageDuration float64

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// WorkflowAgent is the explicit association used to assign agents to a
// workflow's executions.
type WorkflowAgent struct {
	ID         int64
	UID        string
	WorkflowID int64
	AgentID    int64
	Role       AgentRole
	CreatedAt  time.Time
}

// Execution is one run of a Workflow.
type Execution struct {
	ID          int64
	UID         string
	WorkflowID  int64
	UserID      int64
	CompanyID   *int64
	Status      ExecutionStatus
	Input       map[string]any
	Output      map[string]any
	ErrorDetail string

	CurrentStep int
	TotalSteps  int
	Attempts    int // attempts made on CurrentStep
	StepLog     StepLog
	Usage       ResourceUsage

	PlannerAgentID    *int64
	ExecutorAgentID   *int64
	AuditorAgentID    *int64
	ApprovalRequestID *int64

	StartedAt       *time.Time
	CompletedAt     *time.Time
	DurationSeconds float64

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AgentIDs returns the distinct assigned agent ids in role order.
func (e *Execution) AgentIDs() []int64 {
	var ids []int64
	seen := map[int64]bool{}
	for _, p := range []*int64{e.PlannerAgentID, e.ExecutorAgentID, e.AuditorAgentID} {
		if p != nil && !seen[*p] {
			seen[*p] = true
			ids = append(ids, *p)
		}
	}
	return ids
}

// ApprovalRequest is a human sign-off gate on one execution step.
type ApprovalRequest struct {
	ID             int64
	UID            string
	ExecutionID    int64
	Step           int
	CompanyID      *int64
	RequestedBy    Actor
	Approver       string
	RiskLevel      RiskLevel
	Action         ActionSnapshot
	Status         ApprovalStatus
	ExpiresAt      time.Time
	DecidedAt      *time.Time
	DecidedBy      string
	DecisionReason string
	ReminderCount  int
	LastReminderAt *time.Time
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Expired reports whether the request is past its deadline at now.
func (a *ApprovalRequest) Expired(now time.Time) bool {
	return !now.Before(a.ExpiresAt)
}

// RecordedChange is one entity mutation as persisted in the audit log.
// Before and After hold canonical JSON snapshots; empty means absent.
type RecordedChange struct {
	Kind         EventKind    `json:"kind"`
	ResourceType ResourceType `json:"resource_type"`
	ResourceID   string       `json:"resource_id"`
	Before       string       `json:"before,omitempty"`
	After        string       `json:"after,omitempty"`
}

// AuditEntry is the immutable record of one governed mutation.
// Related holds other entities changed in the same atomic unit.
type AuditEntry struct {
	Seq           int64
	UID           string
	Kind          EventKind
	ResourceType  ResourceType
	ResourceID    string
	Event         string
	Actor         Actor
	Before        string
	After         string
	Related       []RecordedChange
	Success       bool
	Error         string
	OccurredAt    time.Time
	SchemaVersion int
}

// Changes returns the primary change followed by related changes.
func (e *AuditEntry) Changes() []RecordedChange {
	out := make([]RecordedChange, 0, 1+len(e.Related))
	out = append(out, RecordedChange{
		Kind:         e.Kind,
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		Before:       e.Before,
		After:        e.After,
	})
	return append(out, e.Related...)
}
