package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// ExecutionStats is computed from raw execution rows, never from the
// maintained counters.
type ExecutionStats struct {
	Total      int64 // SUCCESS + FAILED
	Successful int64
	Failed     int64
	Cancelled  int64
	InFlight   int64 // PENDING, RUNNING or AWAITING_APPROVAL

	// AverageDuration is the mean duration_seconds over SUCCESS and FAILED
	// executions, 0 when there are none.
	AverageDuration float64
	LastCompletedAt *time.Time

	APICalls   int64
	CPUSeconds float64
}

// ExecutionStats recomputes totals over executions matching f.
// f.Statuses and f.Limit are ignored.
func (t *Tx) ExecutionStats(ctx context.Context, f ExecutionFilter) (ExecutionStats, error) {
	f.Statuses = nil
	where, args := executionWhere(f)
	query := `
		SELECT
			COALESCE(SUM(CASE WHEN status IN ('SUCCESS','FAILED') THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'SUCCESS' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'FAILED' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'CANCELLED' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status IN ('PENDING','RUNNING','AWAITING_APPROVAL') THEN 1 ELSE 0 END), 0),
			AVG(CASE WHEN status IN ('SUCCESS','FAILED') THEN duration_seconds END),
			MAX(CASE WHEN status IN ('SUCCESS','FAILED') THEN completed_at END),
			COALESCE(SUM(json_extract(usage, '$.api_calls')), 0),
			COALESCE(SUM(json_extract(usage, '$.cpu_seconds')), 0)
		FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	var (
		st      ExecutionStats
		avg     sql.NullFloat64
		lastRaw sql.NullString
	)
	err := t.q.QueryRowContext(ctx, query, args...).Scan(
		&st.Total, &st.Successful, &st.Failed, &st.Cancelled, &st.InFlight,
		&avg, &lastRaw, &st.APICalls, &st.CPUSeconds)
	if err != nil {
		return ExecutionStats{}, fmt.Errorf("execution stats: %w", err)
	}
	if avg.Valid {
		st.AverageDuration = avg.Float64
	}
	if st.LastCompletedAt, err = parseTimePtr(lastRaw); err != nil {
		return ExecutionStats{}, fmt.Errorf("execution stats: %w", err)
	}
	return st, nil
}

// ApprovalStats counts approval requests by status for one approver, or for
// all approvers when approver is empty.
func (t *Tx) ApprovalStats(ctx context.Context, approver string) (map[string]int64, error) {
	query := `SELECT status, COUNT(*) FROM approval_requests`
	var args []any
	if approver != "" {
		query += ` WHERE approver = ?`
		args = append(args, approver)
	}
	query += ` GROUP BY status ORDER BY status ASC`

	rows, err := t.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("approval stats: %w", err)
	}
	defer rows.Close()

	out := map[string]int64{}
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan approval stats: %w", err)
		}
		out[status] = n
	}
	return out, rowsErr(rows, "approval stats")
}
