package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutionStatus_Transitions(t *testing.T) {
	cases := []struct {
		from, to ExecutionStatus
		ok       bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusSuccess, false},
		{StatusRunning, StatusRunning, true},
		{StatusRunning, StatusAwaitingApproval, true},
		{StatusRunning, StatusPending, false},
		{StatusAwaitingApproval, StatusRunning, true},
		{StatusAwaitingApproval, StatusFailed, true},
		{StatusAwaitingApproval, StatusSuccess, false},
		{StatusSuccess, StatusRunning, false},
		{StatusFailed, StatusRunning, false},
		{StatusCancelled, StatusPending, false},
	}
	for _, tc := range cases {
		t.Run(string(tc.from)+"->"+string(tc.to), func(t *testing.T) {
			assert.Equal(t, tc.ok, tc.from.CanTransitionTo(tc.to))
		})
	}
}

func TestExecutionStatus_Terminal(t *testing.T) {
	for _, s := range []ExecutionStatus{StatusSuccess, StatusFailed, StatusCancelled} {
		assert.True(t, s.IsTerminal(), s)
		assert.True(t, s.Valid(), s)
	}
	for _, s := range []ExecutionStatus{StatusPending, StatusRunning, StatusAwaitingApproval} {
		assert.False(t, s.IsTerminal(), s)
	}
	assert.False(t, ExecutionStatus("DONE").Valid())
}

func TestParseEnums(t *testing.T) {
	risk, err := ParseRiskLevel(" high ")
	require.NoError(t, err)
	assert.Equal(t, RiskHigh, risk)
	_, err = ParseRiskLevel("EXTREME")
	assert.Error(t, err)

	d, err := ParseDecision("reject")
	require.NoError(t, err)
	assert.Equal(t, DecisionReject, d)
	assert.Equal(t, ApprovalRejected, d.Status())
	assert.Equal(t, ApprovalApproved, DecisionApprove.Status())
	_, err = ParseDecision("maybe")
	assert.Error(t, err)

	role, err := ParseAgentRole("Auditor")
	require.NoError(t, err)
	assert.Equal(t, RoleAuditor, role)
	_, err = ParseAgentRole("reviewer")
	assert.Error(t, err)

	m, err := ParseMembershipRole("OWNER")
	require.NoError(t, err)
	assert.Equal(t, MemberOwner, m)
	_, err = ParseMembershipRole("guest")
	assert.Error(t, err)

	rt, err := ParseResourceType("approval_request")
	require.NoError(t, err)
	assert.Equal(t, ResourceApproval, rt)
	_, err = ParseResourceType("Workflow")
	assert.Error(t, err, "table names are case-sensitive")
}

func TestRiskLevel_Rank(t *testing.T) {
	assert.Less(t, RiskLow.Rank(), RiskMedium.Rank())
	assert.Less(t, RiskMedium.Rank(), RiskHigh.Rank())
	assert.Zero(t, RiskLevel("").Rank())
}

func TestAgentStatus_Assignable(t *testing.T) {
	assert.True(t, AgentIdle.Assignable())
	assert.True(t, AgentBusy.Assignable())
	assert.False(t, AgentOffline.Assignable())
	assert.False(t, AgentError.Assignable())
}

func TestParseActor(t *testing.T) {
	a, err := ParseActor("user:0192a7d6-0000-7000-8000-000000000001")
	require.NoError(t, err)
	assert.Equal(t, UserActor("0192a7d6-0000-7000-8000-000000000001"), a)
	assert.Equal(t, "user:0192a7d6-0000-7000-8000-000000000001", a.String())

	sys, err := ParseActor("system:sweeper")
	require.NoError(t, err)
	assert.Equal(t, SystemActor("sweeper"), sys)

	for _, bad := range []string{"", "user", "user:", "robot:r2", ":id", "agent: "} {
		_, err := ParseActor(bad)
		assert.Error(t, err, bad)
	}
}
