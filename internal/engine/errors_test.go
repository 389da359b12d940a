package engine

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/steward/internal/capture"
	"github.com/roach88/steward/internal/model"
	"github.com/roach88/steward/internal/store"
)

func TestFromStore(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"not found", fmt.Errorf("get execution: %w", store.ErrNotFound), CodeNotFound},
		{"version conflict", fmt.Errorf("update execution: %w", store.ErrVersionConflict), CodeConflict},
		{"duplicate", fmt.Errorf("insert approval: %w", store.ErrDuplicate), CodeConflict},
		{"missing actor", capture.ErrInvalidActor, CodeValidation},
		{"audit write", fmt.Errorf("%w: disk full", capture.ErrAuditWrite), CodeStorage},
		{"anything else", errors.New("database is locked"), CodeStorage},
		{"already coded", ExpiredError("a-1", "2026-01-06T09:00:00Z"), CodeExpired},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := FromStore(model.ResourceExecution, "e-1", tc.err)
			assert.Equal(t, tc.want, CodeOf(err))
			assert.True(t, errors.Is(err, tc.err) || CodeOf(tc.err) != "", "cause must stay reachable")
		})
	}
	assert.NoError(t, FromStore(model.ResourceExecution, "e-1", nil))
}

func TestError_Message(t *testing.T) {
	err := IntegrationError(model.ResourceApproval, "a-1", errors.New("smtp down"))
	assert.Equal(t, "INTEGRATION: external call failed (approval_request=a-1): smtp down", err.Error())
	assert.True(t, IsIntegration(fmt.Errorf("notify: %w", err)))

	v := ValidationError(model.ResourceWorkflow, "", "step %d has no name", 2)
	assert.Equal(t, "VALIDATION: step 2 has no name", v.Error())
	assert.False(t, IsConflict(v))
}
