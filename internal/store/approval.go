package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/steward/internal/model"
)

const approvalColumns = `id, uid, execution_id, step, company_id, requested_by, approver, risk_level, action,
	status, expires_at, decided_at, decided_by, decision_reason, reminder_count, last_reminder_at,
	version, created_at, updated_at`

// InsertApproval inserts a and sets its ID and Version. A second request for
// the same execution step fails with ErrDuplicate.
func (t *Tx) InsertApproval(ctx context.Context, a *model.ApprovalRequest) error {
	action, err := marshalJSON("action", a.Action)
	if err != nil {
		return fmt.Errorf("insert approval: %w", err)
	}
	res, err := t.q.ExecContext(ctx, `
		INSERT INTO approval_requests (uid, execution_id, step, company_id, requested_by, approver, risk_level,
			action, status, expires_at, decided_at, decided_by, decision_reason, reminder_count, last_reminder_at,
			version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
	`, a.UID, a.ExecutionID, a.Step, nullID(a.CompanyID), a.RequestedBy.String(), a.Approver, string(a.RiskLevel),
		action, string(a.Status), fmtTime(a.ExpiresAt), fmtTimePtr(a.DecidedAt), a.DecidedBy, a.DecisionReason,
		a.ReminderCount, fmtTimePtr(a.LastReminderAt), fmtTime(a.CreatedAt), fmtTime(a.UpdatedAt))
	if err != nil {
		return classify("insert approval", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert approval: %w", err)
	}
	a.ID, a.Version = id, 1
	return nil
}

// GetApproval returns the request with the given row id.
func (t *Tx) GetApproval(ctx context.Context, id int64) (*model.ApprovalRequest, error) {
	row := t.q.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approval_requests WHERE id = ?`, id)
	a, err := scanApproval(row)
	if err != nil {
		return nil, notFound("get approval", err)
	}
	return a, nil
}

// GetApprovalByUID returns the request with the given public id.
func (t *Tx) GetApprovalByUID(ctx context.Context, uid string) (*model.ApprovalRequest, error) {
	row := t.q.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approval_requests WHERE uid = ?`, uid)
	a, err := scanApproval(row)
	if err != nil {
		return nil, notFound("get approval", err)
	}
	return a, nil
}

// UpdateApproval writes the mutable columns of a if its Version matches,
// then bumps it. The action snapshot is frozen at creation and never rewritten.
func (t *Tx) UpdateApproval(ctx context.Context, a *model.ApprovalRequest) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE approval_requests SET
			status = ?, decided_at = ?, decided_by = ?, decision_reason = ?,
			reminder_count = ?, last_reminder_at = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`, string(a.Status), fmtTimePtr(a.DecidedAt), a.DecidedBy, a.DecisionReason,
		a.ReminderCount, fmtTimePtr(a.LastReminderAt), fmtTime(a.UpdatedAt), a.ID, a.Version)
	if err != nil {
		return classify("update approval", err)
	}
	if err := t.checkUpdated(ctx, res, "approval_requests", a.ID); err != nil {
		return fmt.Errorf("update approval %d: %w", a.ID, err)
	}
	a.Version++
	return nil
}

// ApprovalFilter narrows ListApprovals. Zero fields match everything.
type ApprovalFilter struct {
	ExecutionID int64
	Approver    string
	Statuses    []model.ApprovalStatus
	// ExpiresBy matches requests whose deadline is at or before the time.
	ExpiresBy *time.Time
	// RemindBefore matches requests never reminded or last reminded at or before
	// the time.
	RemindBefore *time.Time
	Limit        int
}

// ListApprovals returns matching requests ordered by expiry, then id.
func (t *Tx) ListApprovals(ctx context.Context, f ApprovalFilter) ([]model.ApprovalRequest, error) {
	var (
		where []string
		args  []any
	)
	if f.ExecutionID != 0 {
		where = append(where, "execution_id = ?")
		args = append(args, f.ExecutionID)
	}
	if f.Approver != "" {
		where = append(where, "approver = ?")
		args = append(args, f.Approver)
	}
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, s := range f.Statuses {
			args = append(args, string(s))
		}
	}
	if f.ExpiresBy != nil {
		where = append(where, "expires_at <= ?")
		args = append(args, fmtTime(*f.ExpiresBy))
	}
	if f.RemindBefore != nil {
		where = append(where, "(last_reminder_at IS NULL OR last_reminder_at <= ?)")
		args = append(args, fmtTime(*f.RemindBefore))
	}

	query := `SELECT ` + approvalColumns + ` FROM approval_requests`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY expires_at ASC, id ASC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := t.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query approvals: %w", err)
	}
	defer rows.Close()

	out := []model.ApprovalRequest{}
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		out = append(out, *a)
	}
	return out, rowsErr(rows, "approvals")
}

func scanApproval(s scanner) (*model.ApprovalRequest, error) {
	var (
		a                     model.ApprovalRequest
		companyID             sql.NullInt64
		requestedBy, risk     string
		action, status        string
		expiresAt             string
		decidedAt, lastRemind sql.NullString
		createdAt, updatedAt  string
	)
	if err := s.Scan(&a.ID, &a.UID, &a.ExecutionID, &a.Step, &companyID, &requestedBy, &a.Approver, &risk, &action,
		&status, &expiresAt, &decidedAt, &a.DecidedBy, &a.DecisionReason, &a.ReminderCount, &lastRemind,
		&a.Version, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	a.CompanyID = idFromNull(companyID)
	a.RiskLevel = model.RiskLevel(risk)
	a.Status = model.ApprovalStatus(status)

	var err error
	if a.RequestedBy, err = model.ParseActor(requestedBy); err != nil {
		return nil, err
	}
	if a.Action, err = model.DecodeActionSnapshot([]byte(action)); err != nil {
		return nil, err
	}
	if a.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, err
	}
	if a.DecidedAt, err = parseTimePtr(decidedAt); err != nil {
		return nil, err
	}
	if a.LastReminderAt, err = parseTimePtr(lastRemind); err != nil {
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
