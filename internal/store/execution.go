package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/roach88/steward/internal/model"
)

const executionColumns = `id, uid, workflow_id, user_id, company_id, status, input, output, error_detail,
	current_step, total_steps, attempts, step_log, usage,
	planner_agent_id, executor_agent_id, auditor_agent_id, approval_request_id,
	started_at, completed_at, duration_seconds, version, created_at, updated_at`

type executionRow struct {
	input, output, stepLog, usage string
}

func encodeExecution(e *model.Execution) (executionRow, error) {
	var (
		r   executionRow
		err error
	)
	if r.input, err = marshalJSON("input", e.Input); err != nil {
		return r, err
	}
	if r.output, err = marshalJSON("output", e.Output); err != nil {
		return r, err
	}
	if r.stepLog, err = marshalJSON("step_log", e.StepLog); err != nil {
		return r, err
	}
	if r.usage, err = marshalJSON("usage", e.Usage); err != nil {
		return r, err
	}
	return r, nil
}

// InsertExecution inserts e and sets its ID and Version.
func (t *Tx) InsertExecution(ctx context.Context, e *model.Execution) error {
	r, err := encodeExecution(e)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	res, err := t.q.ExecContext(ctx, `
		INSERT INTO executions (uid, workflow_id, user_id, company_id, status, input, output, error_detail,
			current_step, total_steps, attempts, step_log, usage,
			planner_agent_id, executor_agent_id, auditor_agent_id, approval_request_id,
			started_at, completed_at, duration_seconds, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
	`, e.UID, e.WorkflowID, e.UserID, nullID(e.CompanyID), string(e.Status), r.input, r.output, e.ErrorDetail,
		e.CurrentStep, e.TotalSteps, e.Attempts, r.stepLog, r.usage,
		nullID(e.PlannerAgentID), nullID(e.ExecutorAgentID), nullID(e.AuditorAgentID), nullID(e.ApprovalRequestID),
		fmtTimePtr(e.StartedAt), fmtTimePtr(e.CompletedAt), e.DurationSeconds,
		fmtTime(e.CreatedAt), fmtTime(e.UpdatedAt))
	if err != nil {
		return classify("insert execution", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	e.ID, e.Version = id, 1
	return nil
}

// GetExecution returns the execution with the given row id.
func (t *Tx) GetExecution(ctx context.Context, id int64) (*model.Execution, error) {
	row := t.q.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	e, err := scanExecution(row)
	if err != nil {
		return nil, notFound("get execution", err)
	}
	return e, nil
}

// GetExecutionByUID returns the execution with the given public id.
func (t *Tx) GetExecutionByUID(ctx context.Context, uid string) (*model.Execution, error) {
	row := t.q.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE uid = ?`, uid)
	e, err := scanExecution(row)
	if err != nil {
		return nil, notFound("get execution", err)
	}
	return e, nil
}

// UpdateExecution writes every mutable column of e if its Version matches,
// then bumps it.
func (t *Tx) UpdateExecution(ctx context.Context, e *model.Execution) error {
	r, err := encodeExecution(e)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	res, err := t.q.ExecContext(ctx, `
		UPDATE executions SET
			status = ?, input = ?, output = ?, error_detail = ?,
			current_step = ?, total_steps = ?, attempts = ?, step_log = ?, usage = ?,
			planner_agent_id = ?, executor_agent_id = ?, auditor_agent_id = ?, approval_request_id = ?,
			started_at = ?, completed_at = ?, duration_seconds = ?,
			updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`, string(e.Status), r.input, r.output, e.ErrorDetail,
		e.CurrentStep, e.TotalSteps, e.Attempts, r.stepLog, r.usage,
		nullID(e.PlannerAgentID), nullID(e.ExecutorAgentID), nullID(e.AuditorAgentID), nullID(e.ApprovalRequestID),
		fmtTimePtr(e.StartedAt), fmtTimePtr(e.CompletedAt), e.DurationSeconds,
		fmtTime(e.UpdatedAt), e.ID, e.Version)
	if err != nil {
		return classify("update execution", err)
	}
	if err := t.checkUpdated(ctx, res, "executions", e.ID); err != nil {
		return fmt.Errorf("update execution %d: %w", e.ID, err)
	}
	e.Version++
	return nil
}

// ExecutionFilter narrows ListExecutions. Zero fields match everything.
type ExecutionFilter struct {
	WorkflowID int64
	UserID     int64
	CompanyID  int64
	AgentID    int64 // matches any assigned role
	Statuses   []model.ExecutionStatus
	Limit      int
}

// ListExecutions returns matching executions ordered by id.
// Returns an empty slice (not nil) when nothing matches.
func (t *Tx) ListExecutions(ctx context.Context, f ExecutionFilter) ([]model.Execution, error) {
	where, args := executionWhere(f)
	query := `SELECT ` + executionColumns + ` FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id ASC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := t.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	out := []model.Execution{}
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, *e)
	}
	return out, rowsErr(rows, "executions")
}

func executionWhere(f ExecutionFilter) ([]string, []any) {
	var (
		where []string
		args  []any
	)
	if f.WorkflowID != 0 {
		where = append(where, "workflow_id = ?")
		args = append(args, f.WorkflowID)
	}
	if f.UserID != 0 {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.CompanyID != 0 {
		where = append(where, "company_id = ?")
		args = append(args, f.CompanyID)
	}
	if f.AgentID != 0 {
		where = append(where, "(planner_agent_id = ? OR executor_agent_id = ? OR auditor_agent_id = ?)")
		args = append(args, f.AgentID, f.AgentID, f.AgentID)
	}
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, s := range f.Statuses {
			args = append(args, string(s))
		}
	}
	return where, args
}

func scanExecution(s scanner) (*model.Execution, error) {
	var (
		e                                 model.Execution
		companyID                         sql.NullInt64
		status                            string
		input, output, stepLog, usage     string
		planner, executor, auditor, appro sql.NullInt64
		startedAt, completedAt            sql.NullString
		createdAt, updatedAt              string
	)
	if err := s.Scan(&e.ID, &e.UID, &e.WorkflowID, &e.UserID, &companyID, &status, &input, &output, &e.ErrorDetail,
		&e.CurrentStep, &e.TotalSteps, &e.Attempts, &stepLog, &usage,
		&planner, &executor, &auditor, &appro,
		&startedAt, &completedAt, &e.DurationSeconds, &e.Version, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	e.CompanyID = idFromNull(companyID)
	e.Status = model.ExecutionStatus(status)
	e.PlannerAgentID = idFromNull(planner)
	e.ExecutorAgentID = idFromNull(executor)
	e.AuditorAgentID = idFromNull(auditor)
	e.ApprovalRequestID = idFromNull(appro)

	var err error
	if e.Input, err = unmarshalMap("input", input); err != nil {
		return nil, err
	}
	if e.Output, err = unmarshalMap("output", output); err != nil {
		return nil, err
	}
	if e.StepLog, err = model.DecodeStepLog([]byte(stepLog)); err != nil {
		return nil, err
	}
	if err = unmarshalInto("usage", usage, &e.Usage); err != nil {
		return nil, err
	}
	if e.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, err
	}
	if e.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, err
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}
