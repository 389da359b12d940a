package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/steward/internal/definition"
)

// Scenario drives one execution of a workflow through a sequence of
// operations and checks the resulting audit trail and final state.
type Scenario struct {
	// Name uniquely identifies this scenario. It names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Workflow is an inline workflow definition in the format
	// definition.LoadYAML reads.
	Workflow yaml.Node `yaml:"workflow"`

	// Agents lists the roles to staff with a fresh IDLE agent before the
	// flow starts.
	Agents []string `yaml:"agents,omitempty"`

	// Flow is the sequence of operations to apply.
	Flow []Step `yaml:"flow"`

	// Assertions validate the final trail and state.
	Assertions []Assertion `yaml:"assertions"`

	definition *definition.Document
}

// Definition returns the parsed workflow definition.
func (s *Scenario) Definition() *definition.Document {
	return s.definition
}

// Step is one operation in a scenario flow.
type Step struct {
	// Op is one of the Op* constants.
	Op string `yaml:"op"`

	// As picks the acting identity: owner (default), reviewer, agent or
	// system.
	As string `yaml:"as,omitempty"`

	Input    map[string]any `yaml:"input,omitempty"`
	Output   map[string]any `yaml:"output,omitempty"`
	Step     int            `yaml:"step,omitempty"`
	Seconds  float64        `yaml:"seconds,omitempty"`
	Error    string         `yaml:"error,omitempty"`
	Reason   string         `yaml:"reason,omitempty"`
	Decision string         `yaml:"decision,omitempty"`

	// Decisions are raced against each other by decide_concurrently.
	Decisions []string `yaml:"decisions,omitempty"`

	// Duration moves the clock forward (advance), e.g. "24h".
	Duration string `yaml:"duration,omitempty"`

	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect checks the outcome of one step.
type Expect struct {
	// Status is the execution status after the step.
	Status string `yaml:"status,omitempty"`

	// Error is the expected error code, e.g. CONFLICT. Empty means the
	// step must succeed.
	Error string `yaml:"error,omitempty"`

	// Count is checked against what sweep and remind report.
	Count *int `yaml:"count,omitempty"`
}

// Flow operations.
const (
	OpCreate             = "create"
	OpDispatch           = "dispatch"
	OpComplete           = "complete"
	OpFail               = "fail"
	OpCancel             = "cancel"
	OpDecide             = "decide"
	OpDecideConcurrently = "decide_concurrently"
	OpAdvance            = "advance"
	OpSweep              = "sweep"
	OpRemind             = "remind"
	OpDrain              = "drain"
)

var knownOps = map[string]bool{
	OpCreate: true, OpDispatch: true, OpComplete: true, OpFail: true, OpCancel: true,
	OpDecide: true, OpDecideConcurrently: true, OpAdvance: true, OpSweep: true,
	OpRemind: true, OpDrain: true,
}

// Assertion validates the trail or final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Event names an audit event (trail_contains, trail_count).
	Event string `yaml:"event,omitempty"`

	// Actor optionally narrows trail_contains to an actor type.
	Actor string `yaml:"actor,omitempty"`

	// Success optionally narrows trail_contains by outcome.
	Success *bool `yaml:"success,omitempty"`

	// Events is the expected relative order (trail_order).
	Events []string `yaml:"events,omitempty"`

	// Count is the exact number of entries (trail_count, trail_length).
	Count int `yaml:"count,omitempty"`

	// Resource is execution, approval or workflow (final_state).
	Resource string `yaml:"resource,omitempty"`

	// Expect holds exact snapshot field values (final_state).
	Expect map[string]any `yaml:"expect,omitempty"`

	// Contains holds substrings of snapshot fields (final_state).
	Contains map[string]string `yaml:"contains,omitempty"`
}

// Assertion type constants.
const (
	AssertTrailContains = "trail_contains"
	AssertTrailOrder    = "trail_order"
	AssertTrailCount    = "trail_count"
	AssertTrailLength   = "trail_length"
	AssertFinalState    = "final_state"
)

// LoadScenario reads and parses a scenario YAML file.
// Unknown fields are rejected and the inline workflow is validated.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data, path)
}

// ParseScenario parses scenario YAML. source names it in errors.
func ParseScenario(data []byte, source string) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario, source); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario, source string) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Workflow.Kind == 0 {
		return fmt.Errorf("workflow is required")
	}
	raw, err := yaml.Marshal(&s.Workflow)
	if err != nil {
		return fmt.Errorf("workflow: %w", err)
	}
	doc, err := definition.LoadYAML(raw, source)
	if err != nil {
		return fmt.Errorf("workflow: %w", err)
	}
	s.definition = doc

	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Flow {
		if !knownOps[step.Op] {
			return fmt.Errorf("flow[%d]: unknown op %q", i, step.Op)
		}
		switch step.As {
		case "", actorOwner, actorReviewer, actorAgent, actorSystem:
		default:
			return fmt.Errorf("flow[%d]: unknown actor %q", i, step.As)
		}
		switch step.Op {
		case OpAdvance:
			if d, err := time.ParseDuration(step.Duration); err != nil || d <= 0 {
				return fmt.Errorf("flow[%d]: advance needs a positive duration", i)
			}
		case OpDecide:
			if step.Decision == "" {
				return fmt.Errorf("flow[%d]: decision is required", i)
			}
		case OpDecideConcurrently:
			if len(step.Decisions) < 2 {
				return fmt.Errorf("flow[%d]: decide_concurrently needs at least two decisions", i)
			}
		case OpFail:
			if step.Error == "" {
				return fmt.Errorf("flow[%d]: fail needs an error", i)
			}
		}
	}

	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertTrailContains:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trail_contains", index)
		}
	case AssertTrailOrder:
		if len(a.Events) == 0 {
			return fmt.Errorf("assertions[%d]: events list is required for trail_order", index)
		}
	case AssertTrailCount:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trail_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trail_count", index)
		}
	case AssertTrailLength:
		if a.Count <= 0 {
			return fmt.Errorf("assertions[%d]: count must be positive for trail_length", index)
		}
	case AssertFinalState:
		switch a.Resource {
		case resourceExecution, resourceApproval, resourceWorkflow:
		default:
			return fmt.Errorf("assertions[%d]: unknown resource %q for final_state", index, a.Resource)
		}
		if len(a.Expect) == 0 && len(a.Contains) == 0 {
			return fmt.Errorf("assertions[%d]: expect or contains is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
