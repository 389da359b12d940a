package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/steward/internal/model"
)

const auditColumns = `seq, uid, kind, resource_type, resource_id, event, actor_type, actor_id,
	before_state, after_state, related, success, error, occurred_at, schema_version`

// AppendAudit appends e to the audit log and sets its Seq. Every resource the
// entry touches is indexed in audit_touches in the same statement batch.
func (t *Tx) AppendAudit(ctx context.Context, e *model.AuditEntry) error {
	related := e.Related
	if related == nil {
		related = []model.RecordedChange{}
	}
	relatedJSON, err := marshalJSON("related", related)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	res, err := t.q.ExecContext(ctx, `
		INSERT INTO audit_entries (uid, kind, resource_type, resource_id, event, actor_type, actor_id,
			before_state, after_state, related, success, error, occurred_at, schema_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.UID, string(e.Kind), string(e.ResourceType), e.ResourceID, e.Event,
		string(e.Actor.Type), e.Actor.ID, e.Before, e.After, relatedJSON,
		boolInt(e.Success), e.Error, fmtTime(e.OccurredAt), e.SchemaVersion)
	if err != nil {
		return classify("append audit", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}

	seen := map[string]bool{}
	for _, c := range e.Changes() {
		key := string(c.ResourceType) + "\x00" + c.ResourceID
		if seen[key] {
			continue
		}
		seen[key] = true
		if _, err := t.q.ExecContext(ctx, `
			INSERT INTO audit_touches (seq, resource_type, resource_id) VALUES (?, ?, ?)
		`, seq, string(c.ResourceType), c.ResourceID); err != nil {
			return fmt.Errorf("append audit touch: %w", err)
		}
	}

	e.Seq = seq
	return nil
}

// AuditFilter narrows QueryAudit. Zero fields match everything.
type AuditFilter struct {
	ResourceType model.ResourceType
	ResourceID   string // requires ResourceType; matches primary and related changes
	Actor        *model.Actor
	Events       []string
	Kinds        []model.EventKind
	Success      *bool
	Since        *time.Time // inclusive
	Until        *time.Time // exclusive
	AfterSeq     int64
	Limit        int
}

// QueryAudit returns matching entries in seq order.
// Returns an empty slice (not nil) when nothing matches.
func (t *Tx) QueryAudit(ctx context.Context, f AuditFilter) ([]model.AuditEntry, error) {
	where, args := auditWhere(f)
	query := `SELECT ` + auditColumns + ` FROM audit_entries`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq ASC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := t.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	out := []model.AuditEntry{}
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		out = append(out, *e)
	}
	return out, rowsErr(rows, "audit")
}

func auditWhere(f AuditFilter) ([]string, []any) {
	var (
		where []string
		args  []any
	)
	if f.ResourceType != "" && f.ResourceID != "" {
		where = append(where, `seq IN (SELECT seq FROM audit_touches WHERE resource_type = ? AND resource_id = ?)`)
		args = append(args, string(f.ResourceType), f.ResourceID)
	} else if f.ResourceType != "" {
		where = append(where, "resource_type = ?")
		args = append(args, string(f.ResourceType))
	}
	if f.Actor != nil {
		where = append(where, "actor_type = ? AND actor_id = ?")
		args = append(args, string(f.Actor.Type), f.Actor.ID)
	}
	if len(f.Events) > 0 {
		where = append(where, "event IN ("+placeholders(len(f.Events))+")")
		for _, ev := range f.Events {
			args = append(args, ev)
		}
	}
	if len(f.Kinds) > 0 {
		where = append(where, "kind IN ("+placeholders(len(f.Kinds))+")")
		for _, k := range f.Kinds {
			args = append(args, string(k))
		}
	}
	if f.Success != nil {
		where = append(where, "success = ?")
		args = append(args, boolInt(*f.Success))
	}
	if f.Since != nil {
		where = append(where, "occurred_at >= ?")
		args = append(args, fmtTime(*f.Since))
	}
	if f.Until != nil {
		where = append(where, "occurred_at < ?")
		args = append(args, fmtTime(*f.Until))
	}
	if f.AfterSeq > 0 {
		where = append(where, "seq > ?")
		args = append(args, f.AfterSeq)
	}
	return where, args
}

// AuditCount is one bucket of an audit summary.
type AuditCount struct {
	Key       string
	Total     int64
	Succeeded int64
	Failed    int64
}

// CountAudit groups entries matching f by column ("event", "resource_type",
// "kind" or "actor_type") and returns buckets ordered by key.
func (t *Tx) CountAudit(ctx context.Context, f AuditFilter, column string) ([]AuditCount, error) {
	switch column {
	case "event", "resource_type", "kind", "actor_type":
	default:
		return nil, fmt.Errorf("count audit: unsupported column %q", column)
	}
	where, args := auditWhere(f)
	query := `SELECT ` + column + `, COUNT(*), COALESCE(SUM(success), 0), COALESCE(SUM(1 - success), 0)
		FROM audit_entries`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " GROUP BY " + column + " ORDER BY " + column + " ASC"

	rows, err := t.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("count audit: %w", err)
	}
	defer rows.Close()

	out := []AuditCount{}
	for rows.Next() {
		var c AuditCount
		if err := rows.Scan(&c.Key, &c.Total, &c.Succeeded, &c.Failed); err != nil {
			return nil, fmt.Errorf("scan audit count: %w", err)
		}
		out = append(out, c)
	}
	return out, rowsErr(rows, "audit counts")
}

// LastAuditSeq returns the highest seq written, or 0 for an empty log.
func (t *Tx) LastAuditSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := t.q.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM audit_entries`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("last audit seq: %w", err)
	}
	return seq, nil
}

func scanAudit(s scanner) (*model.AuditEntry, error) {
	var (
		e                   model.AuditEntry
		kind, resourceType  string
		actorType, actorID  string
		related, occurredAt string
		success             int
	)
	if err := s.Scan(&e.Seq, &e.UID, &kind, &resourceType, &e.ResourceID, &e.Event, &actorType, &actorID,
		&e.Before, &e.After, &related, &success, &e.Error, &occurredAt, &e.SchemaVersion); err != nil {
		return nil, err
	}
	e.Kind = model.EventKind(kind)
	e.ResourceType = model.ResourceType(resourceType)
	e.Actor = model.Actor{Type: model.ActorType(actorType), ID: actorID}
	e.Success = success != 0

	if err := unmarshalInto("related", related, &e.Related); err != nil {
		return nil, err
	}
	if e.Related == nil {
		e.Related = []model.RecordedChange{}
	}
	var err error
	if e.OccurredAt, err = parseTime(occurredAt); err != nil {
		return nil, err
	}
	return &e, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
