package harness

import (
	"github.com/roach88/steward/internal/model"
)

// TrailEvent is the projection of one audit entry that scenarios assert
// on. Ids, timestamps and sequence numbers are left out so trails compare
// across runs.
type TrailEvent struct {
	Event    string   `json:"event"`
	Kind     string   `json:"kind"`
	Resource string   `json:"resource"`
	Actor    string   `json:"actor"`
	Success  bool     `json:"success"`
	Status   string   `json:"status,omitempty"`
	Related  []string `json:"related,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every step expectation and assertion held.
	Pass bool `json:"pass"`

	// Execution is the public id of the execution the flow created.
	Execution string `json:"execution,omitempty"`

	// Trail is the execution's audit trail in seq order.
	Trail []TrailEvent `json:"trail"`

	// Errors contains validation error messages.
	Errors []string `json:"errors,omitempty"`

	// State holds the final snapshots keyed by execution, approval and
	// workflow.
	State map[string]model.Snapshot `json:"state,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trail:  []TrailEvent{},
		Errors: []string{},
		State:  make(map[string]model.Snapshot),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// project converts audit entries to trail events.
func project(entries []model.AuditEntry) ([]TrailEvent, error) {
	out := make([]TrailEvent, 0, len(entries))
	for _, e := range entries {
		ev := TrailEvent{
			Event:    e.Event,
			Kind:     string(e.Kind),
			Resource: string(e.ResourceType),
			Actor:    string(e.Actor.Type),
			Success:  e.Success,
		}
		after, err := model.ParseSnapshot(e.After)
		if err != nil {
			return nil, err
		}
		if status, ok := after["status"].(string); ok {
			ev.Status = status
		}
		for _, rc := range e.Related {
			ev.Related = append(ev.Related, string(rc.ResourceType))
		}
		out = append(out, ev)
	}
	return out, nil
}
