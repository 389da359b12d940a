package harness

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadTestScenario(t *testing.T, name string) *Scenario {
	t.Helper()
	s, err := LoadScenario(filepath.Join("testdata", "scenarios", name+".yaml"))
	require.NoError(t, err)
	return s
}

func TestRun_Scenarios(t *testing.T) {
	paths, err := filepath.Glob(filepath.Join("testdata", "scenarios", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		path := path
		t.Run(filepath.Base(path), func(t *testing.T) {
			s, err := LoadScenario(path)
			require.NoError(t, err)
			result, err := Run(s)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
			assert.NotEmpty(t, result.Execution)
		})
	}
}

func TestRunWithGolden_ApprovalResumes(t *testing.T) {
	s := loadTestScenario(t, "approval_resumes")
	result, err := RunWithGolden(t, s)
	require.NoError(t, err)
	require.True(t, result.Pass, "errors: %v", result.Errors)
	require.Len(t, result.Trail, 8)

	transitions := result.Trail[1:]
	assert.Len(t, transitions, 7, "seven ordered entries after creation")
}

func TestRun_ReportsFailedExpectations(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: wrong_expectations
description: expectations that do not hold are reported, not fatal
workflow:
  name: one step
  steps:
    - {name: only, type: llm}
flow:
  - op: create
  - op: dispatch
    expect: {status: SUCCESS}
  - op: complete
    step: 2
  - op: cancel
    expect: {error: CONFLICT}
assertions:
  - type: trail_count
    event: execution_succeeded
    count: 1
`), "inline")
	require.NoError(t, err)

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 4)
	assert.Contains(t, result.Errors[0], "expected status SUCCESS, got RUNNING")
	assert.Contains(t, result.Errors[1], "CONFLICT")
	assert.Contains(t, result.Errors[2], "expected CONFLICT error, got success")
	assert.Contains(t, result.Errors[3], "execution_succeeded appears 0 times")
}

func TestRun_StepBeforeCreate(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: no_execution
description: dispatch without create
workflow:
  name: one step
  steps:
    - {name: only, type: llm}
flow:
  - op: dispatch
  - op: sweep
    expect: {count: 0}
assertions:
  - type: final_state
    resource: workflow
    expect: {total_executions: 0}
`), "inline")
	require.NoError(t, err)

	result, err := Run(s)
	require.NoError(t, err)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "no execution created yet")
	assert.Empty(t, result.Trail)
}
