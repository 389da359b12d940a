package harness

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/steward/internal/model"
)

func sampleResult() *Result {
	r := NewResult()
	r.Trail = []TrailEvent{
		{Event: "execution_created", Actor: "user", Success: true, Status: "PENDING"},
		{Event: "execution_started", Actor: "user", Success: true, Status: "RUNNING"},
		{Event: "step_failed", Actor: "agent", Success: false, Status: "RUNNING"},
		{Event: "step_failed", Actor: "agent", Success: false, Status: "RUNNING"},
	}
	r.State[resourceExecution] = model.Snapshot{
		"status":       "RUNNING",
		"attempts":     json.Number("2"),
		"error_detail": "",
	}
	return r
}

func TestEvaluateAssertions(t *testing.T) {
	no := false
	yes := true
	cases := []struct {
		name string
		a    Assertion
		ok   bool
	}{
		{"contains", Assertion{Type: AssertTrailContains, Event: "step_failed"}, true},
		{"contains actor", Assertion{Type: AssertTrailContains, Event: "step_failed", Actor: "user"}, false},
		{"contains failure", Assertion{Type: AssertTrailContains, Event: "step_failed", Success: &no}, true},
		{"contains success", Assertion{Type: AssertTrailContains, Event: "step_failed", Success: &yes}, false},
		{"order", Assertion{Type: AssertTrailOrder, Events: []string{"execution_created", "step_failed"}}, true},
		{"order reversed", Assertion{Type: AssertTrailOrder, Events: []string{"step_failed", "execution_started"}}, false},
		{"count", Assertion{Type: AssertTrailCount, Event: "step_failed", Count: 2}, true},
		{"count zero", Assertion{Type: AssertTrailCount, Event: "execution_failed", Count: 0}, true},
		{"count wrong", Assertion{Type: AssertTrailCount, Event: "step_failed", Count: 3}, false},
		{"length", Assertion{Type: AssertTrailLength, Count: 4}, true},
		{"state", Assertion{Type: AssertFinalState, Resource: resourceExecution, Expect: map[string]any{"status": "RUNNING", "attempts": 2}}, true},
		{"state mismatch", Assertion{Type: AssertFinalState, Resource: resourceExecution, Expect: map[string]any{"attempts": 3}}, false},
		{"state missing field", Assertion{Type: AssertFinalState, Resource: resourceExecution, Expect: map[string]any{"nope": 1}}, false},
		{"state missing resource", Assertion{Type: AssertFinalState, Resource: resourceApproval, Expect: map[string]any{"status": "PENDING"}}, false},
		{"state contains", Assertion{Type: AssertFinalState, Resource: resourceExecution, Contains: map[string]string{"status": "RUN"}}, true},
		{"state contains miss", Assertion{Type: AssertFinalState, Resource: resourceExecution, Contains: map[string]string{"error_detail": "timeout"}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			errs := EvaluateAssertions(sampleResult(), []Assertion{tc.a})
			if tc.ok {
				assert.Empty(t, errs)
			} else {
				assert.Len(t, errs, 1)
			}
		})
	}
}

func TestValuesEqual(t *testing.T) {
	assert.True(t, valuesEqual(json.Number("1815"), 1815))
	assert.True(t, valuesEqual(int64(3), 3.0))
	assert.True(t, valuesEqual("HIGH", "HIGH"))
	assert.True(t, valuesEqual(nil, nil))
	assert.False(t, valuesEqual("1", nil))
	assert.False(t, valuesEqual(json.Number("2"), "two"))
}
