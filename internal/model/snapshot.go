package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Snapshot is the full structured state of one entity as captured in the
// audit log. Values are restricted to the types MarshalCanonical accepts.
type Snapshot map[string]any

// Canonical serializes the snapshot with MarshalCanonical.
// A nil snapshot serializes to the empty string (absent).
func (s Snapshot) Canonical() (string, error) {
	if s == nil {
		return "", nil
	}
	data, err := MarshalCanonical(s)
	if err != nil {
		return "", fmt.Errorf("canonical snapshot: %w", err)
	}
	return string(data), nil
}

// ParseSnapshot decodes a stored canonical snapshot. Numbers are kept as
// json.Number so re-serialization is byte-identical.
func ParseSnapshot(data string) (Snapshot, error) {
	if data == "" {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(data)))
	dec.UseNumber()
	var s Snapshot
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}
	return s, nil
}

// plain converts a structured field into snapshot-safe values.
func plain(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil
	}
	return out
}

func ts(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func tsPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return ts(*t)
}

func idPtr(id *int64) any {
	if id == nil {
		return nil
	}
	return *id
}

// Snapshot returns the audit snapshot of the company.
func (c *Company) Snapshot() Snapshot {
	return Snapshot{
		"id":         c.ID,
		"uid":        c.UID,
		"name":       c.Name,
		"slug":       c.Slug,
		"is_active":  c.IsActive,
		"version":    c.Version,
		"created_at": ts(c.CreatedAt),
		"updated_at": ts(c.UpdatedAt),
	}
}

// Snapshot returns the audit snapshot of the user.
func (u *User) Snapshot() Snapshot {
	return Snapshot{
		"id":         u.ID,
		"uid":        u.UID,
		"email":      u.Email,
		"full_name":  u.FullName,
		"is_active":  u.IsActive,
		"version":    u.Version,
		"created_at": ts(u.CreatedAt),
		"updated_at": ts(u.UpdatedAt),
	}
}

// Snapshot returns the audit snapshot of the membership.
func (m *Membership) Snapshot() Snapshot {
	return Snapshot{
		"id":         m.ID,
		"uid":        m.UID,
		"user_id":    m.UserID,
		"company_id": m.CompanyID,
		"role":       string(m.Role),
		"is_active":  m.IsActive,
		"is_primary": m.IsPrimary,
		"version":    m.Version,
		"created_at": ts(m.CreatedAt),
		"updated_at": ts(m.UpdatedAt),
	}
}

// Snapshot returns the audit snapshot of the workflow.
func (w *Workflow) Snapshot() Snapshot {
	return Snapshot{
		"id":                    w.ID,
		"uid":                   w.UID,
		"user_id":               w.UserID,
		"company_id":            idPtr(w.CompanyID),
		"name":                  w.Name,
		"description":           w.Description,
		"steps":                 plain(w.Steps),
		"risk_level":            string(w.RiskLevel),
		"requires_approval":     w.RequiresApproval,
		"max_retries":           w.MaxRetries,
		"timeout_minutes":       w.TimeoutMinutes,
		"is_active":             w.IsActive,
		"total_executions":      w.TotalExecutions,
		"successful_executions": w.SuccessfulExecutions,
		"failed_executions":     w.FailedExecutions,
		"average_duration":      w.AverageDuration,
		"last_executed_at":      tsPtr(w.LastExecutedAt),
		"version":               w.Version,
		"created_at":            ts(w.CreatedAt),
		"updated_at":            ts(w.UpdatedAt),
	}
}

// Snapshot returns the audit snapshot of the agent.
func (a *Agent) Snapshot() Snapshot {
	return Snapshot{
		"id":               a.ID,
		"uid":              a.UID,
		"company_id":       idPtr(a.CompanyID),
		"name":             a.Name,
		"role":             string(a.Role),
		"status":           string(a.Status),
		"capabilities":     plain(a.Capabilities),
		"is_active":        a.IsActive,
		"completed_tasks":  a.CompletedTasks,
		"failed_tasks":     a.FailedTasks,
		"success_rate":     a.SuccessRate,
		"average_duration": a.AverageDuration,
		"version":          a.Version,
		"created_at":       ts(a.CreatedAt),
		"updated_at":       ts(a.UpdatedAt),
	}
}

// Snapshot returns the audit snapshot of the association.
func (wa *WorkflowAgent) Snapshot() Snapshot {
	return Snapshot{
		"id":          wa.ID,
		"uid":         wa.UID,
		"workflow_id": wa.WorkflowID,
		"agent_id":    wa.AgentID,
		"role":        string(wa.Role),
		"created_at":  ts(wa.CreatedAt),
	}
}

// Snapshot returns the audit snapshot of the execution.
func (e *Execution) Snapshot() Snapshot {
	return Snapshot{
		"id":                  e.ID,
		"uid":                 e.UID,
		"workflow_id":         e.WorkflowID,
		"user_id":             e.UserID,
		"company_id":          idPtr(e.CompanyID),
		"status":              string(e.Status),
		"input":               plain(e.Input),
		"output":              plain(e.Output),
		"error_detail":        e.ErrorDetail,
		"current_step":        e.CurrentStep,
		"total_steps":         e.TotalSteps,
		"attempts":            e.Attempts,
		"step_log":            plain(e.StepLog),
		"usage":               plain(e.Usage),
		"planner_agent_id":    idPtr(e.PlannerAgentID),
		"executor_agent_id":   idPtr(e.ExecutorAgentID),
		"auditor_agent_id":    idPtr(e.AuditorAgentID),
		"approval_request_id": idPtr(e.ApprovalRequestID),
		"started_at":          tsPtr(e.StartedAt),
		"completed_at":        tsPtr(e.CompletedAt),
		"duration_seconds":    e.DurationSeconds,
		"version":             e.Version,
		"created_at":          ts(e.CreatedAt),
		"updated_at":          ts(e.UpdatedAt),
	}
}

// Snapshot returns the audit snapshot of the approval request.
func (a *ApprovalRequest) Snapshot() Snapshot {
	return Snapshot{
		"id":               a.ID,
		"uid":              a.UID,
		"execution_id":     a.ExecutionID,
		"step":             a.Step,
		"company_id":       idPtr(a.CompanyID),
		"requested_by":     a.RequestedBy.String(),
		"approver":         a.Approver,
		"risk_level":       string(a.RiskLevel),
		"action":           plain(a.Action),
		"status":           string(a.Status),
		"expires_at":       ts(a.ExpiresAt),
		"decided_at":       tsPtr(a.DecidedAt),
		"decided_by":       a.DecidedBy,
		"decision_reason":  a.DecisionReason,
		"reminder_count":   a.ReminderCount,
		"last_reminder_at": tsPtr(a.LastReminderAt),
		"version":          a.Version,
		"created_at":       ts(a.CreatedAt),
		"updated_at":       ts(a.UpdatedAt),
	}
}
