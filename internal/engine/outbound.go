package engine

import (
	"context"

	"github.com/roach88/steward/internal/model"
)

// DispatchRequest asks an agent to perform one step of an execution.
type DispatchRequest struct {
	ExecutionID string         `json:"execution_id"`
	WorkflowID  string         `json:"workflow_id"`
	Step        int            `json:"step"`
	StepName    string         `json:"step_name"`
	StepType    string         `json:"step_type"`
	Attempt     int            `json:"attempt"`
	AgentID     string         `json:"agent_id,omitempty"`
	Input       map[string]any `json:"input,omitempty"`
}

// StepResult is an agent's report for one step.
type StepResult struct {
	Step            int                 `json:"step"`
	Output          map[string]any      `json:"output,omitempty"`
	Usage           model.ResourceUsage `json:"usage"`
	DurationSeconds float64             `json:"duration_seconds,omitempty"`

	// Error marks the attempt failed.
	Error string `json:"error,omitempty"`
}

// Dispatcher hands steps to agents.
//
// A nil result with a nil error means the agent accepted the step and will
// report back later through CompleteStep or FailStep. A non-nil result is
// applied immediately as that report.
type Dispatcher interface {
	Dispatch(ctx context.Context, req DispatchRequest) (*StepResult, error)
}

// NotificationKind names an approval lifecycle event.
type NotificationKind string

const (
	NotifyApprovalCreated  NotificationKind = "approval_created"
	NotifyApprovalDecided  NotificationKind = "approval_decided"
	NotifyApprovalReminder NotificationKind = "approval_reminder"
	NotifyApprovalExpired  NotificationKind = "approval_expired"
)

// Notification is sent to the notification service. Its delivery outcome
// is audited and never gates a transition.
type Notification struct {
	Kind        NotificationKind     `json:"kind"`
	ApprovalID  string               `json:"approval_id"`
	ExecutionID string               `json:"execution_id"`
	Approver    string               `json:"approver"`
	Status      model.ApprovalStatus `json:"status"`
	Step        int                  `json:"step"`
	ExpiresAt   string               `json:"expires_at,omitempty"`
	Reason      string               `json:"reason,omitempty"`
}

// Notifier delivers approval notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, req DispatchRequest) (*StepResult, error)

// Dispatch calls f.
func (f DispatcherFunc) Dispatch(ctx context.Context, req DispatchRequest) (*StepResult, error) {
	return f(ctx, req)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification) error

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, n Notification) error {
	return f(ctx, n)
}
