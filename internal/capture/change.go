package capture

import (
	"errors"
	"fmt"

	"github.com/roach88/steward/internal/model"
)

// Change describes one entity mutation. A nil Before or After means the
// entity did not exist on that side of the change.
type Change struct {
	Kind         model.EventKind
	ResourceType model.ResourceType
	ResourceID   string
	Before       model.Snapshot
	After        model.Snapshot
}

// Created records the creation of a resource.
func Created(rt model.ResourceType, id string, after model.Snapshot) Change {
	return Change{Kind: model.EventCreate, ResourceType: rt, ResourceID: id, After: after}
}

// Modified records an in-place update of a resource.
func Modified(rt model.ResourceType, id string, before, after model.Snapshot) Change {
	return Change{Kind: model.EventModify, ResourceType: rt, ResourceID: id, Before: before, After: after}
}

// Removed records the removal of a resource.
func Removed(rt model.ResourceType, id string, before model.Snapshot) Change {
	return Change{Kind: model.EventRemove, ResourceType: rt, ResourceID: id, Before: before}
}

// Validate checks that the snapshots present match the kind.
func (c Change) Validate() error {
	if !c.Kind.Valid() {
		return fmt.Errorf("unknown event kind %q", c.Kind)
	}
	if c.ResourceType == "" || c.ResourceID == "" {
		return errors.New("resource type and id are required")
	}
	switch c.Kind {
	case model.EventCreate:
		if c.Before != nil || c.After == nil {
			return fmt.Errorf("create of %s/%s needs an after snapshot only", c.ResourceType, c.ResourceID)
		}
	case model.EventModify:
		if c.Before == nil || c.After == nil {
			return fmt.Errorf("modify of %s/%s needs both snapshots", c.ResourceType, c.ResourceID)
		}
	case model.EventRemove:
		if c.Before == nil || c.After != nil {
			return fmt.Errorf("remove of %s/%s needs a before snapshot only", c.ResourceType, c.ResourceID)
		}
	}
	return nil
}

func (c Change) record() (model.RecordedChange, error) {
	before, err := c.Before.Canonical()
	if err != nil {
		return model.RecordedChange{}, fmt.Errorf("%s/%s before: %w", c.ResourceType, c.ResourceID, err)
	}
	after, err := c.After.Canonical()
	if err != nil {
		return model.RecordedChange{}, fmt.Errorf("%s/%s after: %w", c.ResourceType, c.ResourceID, err)
	}
	return model.RecordedChange{
		Kind:         c.Kind,
		ResourceType: c.ResourceType,
		ResourceID:   c.ResourceID,
		Before:       before,
		After:        after,
	}, nil
}

// Record is one audit entry to commit: a named event, its primary change,
// and any other entities mutated in the same unit.
type Record struct {
	Event   string
	Change  Change
	Related []Change

	// Failure marks the entry success=false with this error text.
	Failure string
}
