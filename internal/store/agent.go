package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/steward/internal/model"
)

const agentColumns = `id, uid, company_id, name, role, status, capabilities, is_active,
	completed_tasks, failed_tasks, success_rate, average_duration, version, created_at, updated_at`

// InsertAgent inserts a and sets its ID and Version.
func (t *Tx) InsertAgent(ctx context.Context, a *model.Agent) error {
	caps, err := marshalJSON("capabilities", a.Capabilities)
	if err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}
	res, err := t.q.ExecContext(ctx, `
		INSERT INTO agents (uid, company_id, name, role, status, capabilities, is_active,
			completed_tasks, failed_tasks, success_rate, average_duration, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
	`, a.UID, nullID(a.CompanyID), a.Name, string(a.Role), string(a.Status), caps, boolInt(a.IsActive),
		a.CompletedTasks, a.FailedTasks, a.SuccessRate, a.AverageDuration,
		fmtTime(a.CreatedAt), fmtTime(a.UpdatedAt))
	if err != nil {
		return classify("insert agent", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}
	a.ID, a.Version = id, 1
	return nil
}

// GetAgent returns the agent with the given row id.
func (t *Tx) GetAgent(ctx context.Context, id int64) (*model.Agent, error) {
	row := t.q.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if err != nil {
		return nil, notFound("get agent", err)
	}
	return a, nil
}

// GetAgentByUID returns the agent with the given public id.
func (t *Tx) GetAgentByUID(ctx context.Context, uid string) (*model.Agent, error) {
	row := t.q.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE uid = ?`, uid)
	a, err := scanAgent(row)
	if err != nil {
		return nil, notFound("get agent", err)
	}
	return a, nil
}

// ListAgents returns agents ordered by id, optionally scoped to a company.
func (t *Tx) ListAgents(ctx context.Context, companyID int64) ([]model.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	var args []any
	if companyID != 0 {
		query += ` WHERE company_id = ?`
		args = append(args, companyID)
	}
	query += ` ORDER BY id ASC`

	rows, err := t.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer rows.Close()

	out := []model.Agent{}
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, *a)
	}
	return out, rowsErr(rows, "agents")
}

// UpdateAgent writes a if its Version matches, then bumps it.
func (t *Tx) UpdateAgent(ctx context.Context, a *model.Agent) error {
	caps, err := marshalJSON("capabilities", a.Capabilities)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	res, err := t.q.ExecContext(ctx, `
		UPDATE agents SET
			company_id = ?, name = ?, role = ?, status = ?, capabilities = ?, is_active = ?,
			completed_tasks = ?, failed_tasks = ?, success_rate = ?, average_duration = ?,
			updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`, nullID(a.CompanyID), a.Name, string(a.Role), string(a.Status), caps, boolInt(a.IsActive),
		a.CompletedTasks, a.FailedTasks, a.SuccessRate, a.AverageDuration,
		fmtTime(a.UpdatedAt), a.ID, a.Version)
	if err != nil {
		return classify("update agent", err)
	}
	if err := t.checkUpdated(ctx, res, "agents", a.ID); err != nil {
		return fmt.Errorf("update agent %d: %w", a.ID, err)
	}
	a.Version++
	return nil
}

func scanAgent(s scanner) (*model.Agent, error) {
	var (
		a                    model.Agent
		companyID            sql.NullInt64
		role, status, caps   string
		active               int
		createdAt, updatedAt string
	)
	if err := s.Scan(&a.ID, &a.UID, &companyID, &a.Name, &role, &status, &caps, &active,
		&a.CompletedTasks, &a.FailedTasks, &a.SuccessRate, &a.AverageDuration,
		&a.Version, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	a.CompanyID = idFromNull(companyID)
	a.Role = model.AgentRole(role)
	a.Status = model.AgentStatus(status)
	a.IsActive = active != 0

	var err error
	if a.Capabilities, err = model.DecodeCapabilitySet([]byte(caps)); err != nil {
		return nil, err
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}
