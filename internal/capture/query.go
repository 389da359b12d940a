package capture

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/roach88/steward/internal/model"
	"github.com/roach88/steward/internal/store"
)

// Filter selects audit entries. It is the store filter; zero fields match
// everything.
type Filter = store.AuditFilter

// Query returns matching audit entries in seq order.
func (r *Recorder) Query(ctx context.Context, f Filter) ([]model.AuditEntry, error) {
	entries, err := r.store.Reader().QueryAudit(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	return entries, nil
}

// Trail returns every entry touching an execution or any of its approval
// requests, in seq order.
func (r *Recorder) Trail(ctx context.Context, executionUID string) ([]model.AuditEntry, error) {
	reader := r.store.Reader()
	exec, err := reader.GetExecutionByUID(ctx, executionUID)
	if err != nil {
		return nil, fmt.Errorf("audit trail: %w", err)
	}
	approvals, err := reader.ListApprovals(ctx, store.ApprovalFilter{ExecutionID: exec.ID})
	if err != nil {
		return nil, fmt.Errorf("audit trail: %w", err)
	}

	type target struct {
		rt model.ResourceType
		id string
	}
	targets := []target{{model.ResourceExecution, exec.UID}}
	for _, a := range approvals {
		targets = append(targets, target{model.ResourceApproval, a.UID})
	}

	seen := map[int64]bool{}
	out := []model.AuditEntry{}
	for _, tgt := range targets {
		entries, err := reader.QueryAudit(ctx, store.AuditFilter{ResourceType: tgt.rt, ResourceID: tgt.id})
		if err != nil {
			return nil, fmt.Errorf("audit trail: %w", err)
		}
		for _, e := range entries {
			if !seen[e.Seq] {
				seen[e.Seq] = true
				out = append(out, e)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// Summary aggregates the audit log for a reporting window.
type Summary struct {
	Total      int64            `json:"total"`
	Failures   int64            `json:"failures"`
	ByKind     map[string]int64 `json:"by_kind"`
	ByResource map[string]int64 `json:"by_resource"`
	ByEvent    map[string]int64 `json:"by_event"`
	ByActor    map[string]int64 `json:"by_actor_type"`
	LastSeq    int64            `json:"last_seq"`
}

// Summary counts entries matching f by kind, resource type, event and actor type.
func (r *Recorder) Summary(ctx context.Context, f Filter) (*Summary, error) {
	reader := r.store.Reader()
	s := &Summary{
		ByKind:     map[string]int64{},
		ByResource: map[string]int64{},
		ByEvent:    map[string]int64{},
		ByActor:    map[string]int64{},
	}
	groups := []struct {
		column string
		into   map[string]int64
	}{
		{"kind", s.ByKind},
		{"resource_type", s.ByResource},
		{"event", s.ByEvent},
		{"actor_type", s.ByActor},
	}
	for i, g := range groups {
		counts, err := reader.CountAudit(ctx, f, g.column)
		if err != nil {
			return nil, fmt.Errorf("audit summary: %w", err)
		}
		for _, c := range counts {
			g.into[c.Key] = c.Total
			if i == 0 {
				s.Total += c.Total
				s.Failures += c.Failed
			}
		}
	}
	last, err := reader.LastAuditSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit summary: %w", err)
	}
	s.LastSeq = last
	return s, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
