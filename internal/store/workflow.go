package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/roach88/steward/internal/model"
)

const workflowColumns = `id, uid, user_id, company_id, name, description, steps, risk_level,
	requires_approval, max_retries, timeout_minutes, is_active,
	total_executions, successful_executions, failed_executions, average_duration, last_executed_at,
	version, created_at, updated_at`

// InsertWorkflow inserts w and sets its ID and Version.
func (t *Tx) InsertWorkflow(ctx context.Context, w *model.Workflow) error {
	steps, err := marshalJSON("steps", w.Steps)
	if err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}
	res, err := t.q.ExecContext(ctx, `
		INSERT INTO workflows (uid, user_id, company_id, name, description, steps, risk_level,
			requires_approval, max_retries, timeout_minutes, is_active,
			total_executions, successful_executions, failed_executions, average_duration, last_executed_at,
			version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
	`, w.UID, w.UserID, nullID(w.CompanyID), w.Name, w.Description, steps, string(w.RiskLevel),
		boolInt(w.RequiresApproval), w.MaxRetries, w.TimeoutMinutes, boolInt(w.IsActive),
		w.TotalExecutions, w.SuccessfulExecutions, w.FailedExecutions, w.AverageDuration,
		fmtTimePtr(w.LastExecutedAt), fmtTime(w.CreatedAt), fmtTime(w.UpdatedAt))
	if err != nil {
		return classify("insert workflow", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}
	w.ID, w.Version = id, 1
	return nil
}

// GetWorkflow returns the workflow with the given row id.
func (t *Tx) GetWorkflow(ctx context.Context, id int64) (*model.Workflow, error) {
	row := t.q.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id)
	w, err := scanWorkflow(row)
	if err != nil {
		return nil, notFound("get workflow", err)
	}
	return w, nil
}

// GetWorkflowByUID returns the workflow with the given public id.
func (t *Tx) GetWorkflowByUID(ctx context.Context, uid string) (*model.Workflow, error) {
	row := t.q.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE uid = ?`, uid)
	w, err := scanWorkflow(row)
	if err != nil {
		return nil, notFound("get workflow", err)
	}
	return w, nil
}

// WorkflowFilter narrows ListWorkflows. Zero fields match everything.
type WorkflowFilter struct {
	UserID     int64
	CompanyID  int64
	ActiveOnly bool
}

// ListWorkflows returns matching workflows ordered by id.
func (t *Tx) ListWorkflows(ctx context.Context, f WorkflowFilter) ([]model.Workflow, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != 0 {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.CompanyID != 0 {
		where = append(where, "company_id = ?")
		args = append(args, f.CompanyID)
	}
	if f.ActiveOnly {
		where = append(where, "is_active = 1")
	}
	query := `SELECT ` + workflowColumns + ` FROM workflows`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id ASC"

	rows, err := t.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflows: %w", err)
	}
	defer rows.Close()

	out := []model.Workflow{}
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		out = append(out, *w)
	}
	return out, rowsErr(rows, "workflows")
}

// UpdateWorkflow writes every mutable column of w if its Version matches,
// then bumps it.
func (t *Tx) UpdateWorkflow(ctx context.Context, w *model.Workflow) error {
	steps, err := marshalJSON("steps", w.Steps)
	if err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	res, err := t.q.ExecContext(ctx, `
		UPDATE workflows SET
			company_id = ?, name = ?, description = ?, steps = ?, risk_level = ?,
			requires_approval = ?, max_retries = ?, timeout_minutes = ?, is_active = ?,
			total_executions = ?, successful_executions = ?, failed_executions = ?,
			average_duration = ?, last_executed_at = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`, nullID(w.CompanyID), w.Name, w.Description, steps, string(w.RiskLevel),
		boolInt(w.RequiresApproval), w.MaxRetries, w.TimeoutMinutes, boolInt(w.IsActive),
		w.TotalExecutions, w.SuccessfulExecutions, w.FailedExecutions,
		w.AverageDuration, fmtTimePtr(w.LastExecutedAt), fmtTime(w.UpdatedAt), w.ID, w.Version)
	if err != nil {
		return classify("update workflow", err)
	}
	if err := t.checkUpdated(ctx, res, "workflows", w.ID); err != nil {
		return fmt.Errorf("update workflow %d: %w", w.ID, err)
	}
	w.Version++
	return nil
}

func scanWorkflow(s scanner) (*model.Workflow, error) {
	var (
		w                    model.Workflow
		companyID            sql.NullInt64
		steps, risk          string
		requires, active     int
		lastExecuted         sql.NullString
		createdAt, updatedAt string
	)
	if err := s.Scan(&w.ID, &w.UID, &w.UserID, &companyID, &w.Name, &w.Description, &steps, &risk,
		&requires, &w.MaxRetries, &w.TimeoutMinutes, &active,
		&w.TotalExecutions, &w.SuccessfulExecutions, &w.FailedExecutions, &w.AverageDuration, &lastExecuted,
		&w.Version, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	w.CompanyID = idFromNull(companyID)
	w.RiskLevel = model.RiskLevel(risk)
	w.RequiresApproval = requires != 0
	w.IsActive = active != 0

	var err error
	if w.Steps, err = model.DecodeStepList([]byte(steps)); err != nil {
		return nil, err
	}
	if w.LastExecutedAt, err = parseTimePtr(lastExecuted); err != nil {
		return nil, err
	}
	if w.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if w.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &w, nil
}

const workflowAgentColumns = `id, uid, workflow_id, agent_id, role, created_at`

// InsertWorkflowAgent assigns an agent to a workflow role. A second agent
// for the same role fails with ErrDuplicate.
func (t *Tx) InsertWorkflowAgent(ctx context.Context, wa *model.WorkflowAgent) error {
	res, err := t.q.ExecContext(ctx, `
		INSERT INTO workflow_agents (uid, workflow_id, agent_id, role, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, wa.UID, wa.WorkflowID, wa.AgentID, string(wa.Role), fmtTime(wa.CreatedAt))
	if err != nil {
		return classify("insert workflow agent", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert workflow agent: %w", err)
	}
	wa.ID = id
	return nil
}

// GetWorkflowAgent returns the assignment for a workflow role.
func (t *Tx) GetWorkflowAgent(ctx context.Context, workflowID int64, role model.AgentRole) (*model.WorkflowAgent, error) {
	row := t.q.QueryRowContext(ctx, `SELECT `+workflowAgentColumns+`
		FROM workflow_agents WHERE workflow_id = ? AND role = ?`, workflowID, string(role))
	wa, err := scanWorkflowAgent(row)
	if err != nil {
		return nil, notFound("get workflow agent", err)
	}
	return wa, nil
}

// ListWorkflowAgents returns a workflow's assignments ordered by id.
func (t *Tx) ListWorkflowAgents(ctx context.Context, workflowID int64) ([]model.WorkflowAgent, error) {
	rows, err := t.q.QueryContext(ctx, `SELECT `+workflowAgentColumns+`
		FROM workflow_agents WHERE workflow_id = ? ORDER BY id ASC`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("query workflow agents: %w", err)
	}
	defer rows.Close()

	out := []model.WorkflowAgent{}
	for rows.Next() {
		wa, err := scanWorkflowAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow agent: %w", err)
		}
		out = append(out, *wa)
	}
	return out, rowsErr(rows, "workflow agents")
}

// DeleteWorkflowAgent removes an assignment.
func (t *Tx) DeleteWorkflowAgent(ctx context.Context, id int64) error {
	res, err := t.q.ExecContext(ctx, `DELETE FROM workflow_agents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete workflow agent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete workflow agent: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("delete workflow agent %d: %w", id, ErrNotFound)
	}
	return nil
}

func scanWorkflowAgent(s scanner) (*model.WorkflowAgent, error) {
	var (
		wa        model.WorkflowAgent
		role      string
		createdAt string
	)
	if err := s.Scan(&wa.ID, &wa.UID, &wa.WorkflowID, &wa.AgentID, &role, &createdAt); err != nil {
		return nil, err
	}
	wa.Role = model.AgentRole(role)
	var err error
	if wa.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &wa, nil
}
