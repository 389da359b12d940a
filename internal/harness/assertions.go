package harness

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Final-state resources.
const (
	resourceExecution = "execution"
	resourceApproval  = "approval"
	resourceWorkflow  = "workflow"
)

// EvaluateAssertions checks every assertion against result and returns one
// message per failure.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(result, a); err != nil {
			errs = append(errs, fmt.Sprintf("assertion[%d] %s: %v", i, a.Type, err))
		}
	}
	return errs
}

func evaluate(result *Result, a Assertion) error {
	switch a.Type {
	case AssertTrailContains:
		return assertTrailContains(result.Trail, a)
	case AssertTrailOrder:
		return assertTrailOrder(result.Trail, a.Events)
	case AssertTrailCount:
		if n := countEvent(result.Trail, a.Event); n != a.Count {
			return fmt.Errorf("event %s appears %d times, want %d", a.Event, n, a.Count)
		}
	case AssertTrailLength:
		if len(result.Trail) != a.Count {
			return fmt.Errorf("trail has %d entries, want %d", len(result.Trail), a.Count)
		}
	case AssertFinalState:
		return assertFinalState(result, a)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}

func assertTrailContains(trail []TrailEvent, a Assertion) error {
	for _, ev := range trail {
		if ev.Event != a.Event {
			continue
		}
		if a.Actor != "" && ev.Actor != a.Actor {
			continue
		}
		if a.Success != nil && ev.Success != *a.Success {
			continue
		}
		return nil
	}
	return fmt.Errorf("no %s entry matches", a.Event)
}

// assertTrailOrder checks that events appear in the trail in the given
// relative order. Other entries may sit between them.
func assertTrailOrder(trail []TrailEvent, events []string) error {
	next := 0
	for _, ev := range trail {
		if next < len(events) && ev.Event == events[next] {
			next++
		}
	}
	if next < len(events) {
		return fmt.Errorf("event %s not found in order (matched %d of %d)", events[next], next, len(events))
	}
	return nil
}

func countEvent(trail []TrailEvent, event string) int {
	n := 0
	for _, ev := range trail {
		if ev.Event == event {
			n++
		}
	}
	return n
}

func assertFinalState(result *Result, a Assertion) error {
	snap, ok := result.State[a.Resource]
	if !ok {
		return fmt.Errorf("no %s in final state", a.Resource)
	}
	for field, want := range a.Expect {
		got, ok := snap[field]
		if !ok {
			return fmt.Errorf("%s has no field %q", a.Resource, field)
		}
		if !valuesEqual(got, want) {
			return fmt.Errorf("%s.%s = %v, want %v", a.Resource, field, got, want)
		}
	}
	for field, sub := range a.Contains {
		got, ok := snap[field].(string)
		if !ok {
			return fmt.Errorf("%s.%s is not a string", a.Resource, field)
		}
		if !strings.Contains(got, sub) {
			return fmt.Errorf("%s.%s = %q, want it to contain %q", a.Resource, field, got, sub)
		}
	}
	return nil
}

// valuesEqual compares a snapshot value with a YAML value. Numbers compare
// by value whatever their Go type.
func valuesEqual(got, want any) bool {
	gf, gok := number(got)
	wf, wok := number(want)
	if gok && wok {
		return gf == wf
	}
	if want == nil {
		return got == nil
	}
	return fmt.Sprint(got) == fmt.Sprint(want)
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
