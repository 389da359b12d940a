package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/steward/internal/model"
)

// Canonical renders a trail as canonical JSON for golden comparison.
func Canonical(name string, trail []TrailEvent) ([]byte, error) {
	events := make([]any, len(trail))
	for i, ev := range trail {
		m := map[string]any{
			"event":    ev.Event,
			"kind":     ev.Kind,
			"resource": ev.Resource,
			"actor":    ev.Actor,
			"success":  ev.Success,
		}
		if ev.Status != "" {
			m["status"] = ev.Status
		}
		if len(ev.Related) > 0 {
			m["related"] = ev.Related
		}
		events[i] = m
	}
	return model.MarshalCanonical(map[string]any{
		"scenario": name,
		"trail":    events,
	})
}

// RunWithGolden runs a scenario and compares its trail against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()
	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	return result, AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares result's trail against the named golden file.
func AssertGolden(t *testing.T, name string, result *Result) error {
	t.Helper()
	data, err := Canonical(name, result.Trail)
	if err != nil {
		return err
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
	return nil
}
