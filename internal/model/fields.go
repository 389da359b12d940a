package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// StepDefinition is one ordered step of a workflow.
type StepDefinition struct {
	Name           string    `json:"name"`
	Type           string    `json:"type"`
	Risk           RiskLevel `json:"risk,omitempty"`
	TimeoutSeconds int       `json:"timeout_seconds,omitempty"`
	Order          int       `json:"order"`
}

// StepList is the schema-versioned step sequence stored on a workflow.
type StepList struct {
	SchemaVersion int              `json:"schema_version"`
	Steps         []StepDefinition `json:"steps"`
}

// NewStepList wraps steps in the current schema version, ordered by Order.
// Steps with a zero Order are numbered by position.
func NewStepList(steps ...StepDefinition) StepList {
	out := make([]StepDefinition, len(steps))
	copy(out, steps)
	for i := range out {
		if out[i].Order == 0 {
			out[i].Order = i + 1
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return StepList{SchemaVersion: StepListSchemaVersion, Steps: out}
}

// Len returns the number of steps.
func (l StepList) Len() int {
	return len(l.Steps)
}

// At returns the 1-based step n.
func (l StepList) At(n int) (StepDefinition, bool) {
	if n < 1 || n > len(l.Steps) {
		return StepDefinition{}, false
	}
	return l.Steps[n-1], true
}

// Validate checks names, types, risk levels and order indexes.
func (l StepList) Validate() error {
	if len(l.Steps) == 0 {
		return errors.New("workflow must define at least one step")
	}
	seen := make(map[int]bool, len(l.Steps))
	prev := 0
	for i, s := range l.Steps {
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("step %d: name is required", i+1)
		}
		if strings.TrimSpace(s.Type) == "" {
			return fmt.Errorf("step %q: type is required", s.Name)
		}
		if s.Risk != "" && !s.Risk.Valid() {
			return fmt.Errorf("step %q: unknown risk level %q", s.Name, s.Risk)
		}
		if s.TimeoutSeconds < 0 {
			return fmt.Errorf("step %q: timeout must not be negative", s.Name)
		}
		if s.Order < 1 {
			return fmt.Errorf("step %q: order must be positive", s.Name)
		}
		if seen[s.Order] {
			return fmt.Errorf("step %q: duplicate order %d", s.Name, s.Order)
		}
		if s.Order < prev {
			return fmt.Errorf("step %q: steps must be sorted by order", s.Name)
		}
		seen[s.Order] = true
		prev = s.Order
	}
	return nil
}

// legacyStep is the untagged shape written before schema versions existed:
// a bare JSON array with "step" instead of "order" and "timeout" in minutes.
type legacyStep struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Risk    string `json:"risk_level"`
	Timeout int    `json:"timeout"`
	Step    int    `json:"step"`
}

// DecodeStepList decodes a stored step list of any known schema version.
func DecodeStepList(data []byte) (StepList, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return StepList{SchemaVersion: StepListSchemaVersion}, nil
	}

	if trimmed[0] == '[' {
		var legacy []legacyStep
		if err := json.Unmarshal(trimmed, &legacy); err != nil {
			return StepList{}, fmt.Errorf("decode legacy step list: %w", err)
		}
		steps := make([]StepDefinition, len(legacy))
		for i, ls := range legacy {
			steps[i] = StepDefinition{
				Name:           ls.Name,
				Type:           ls.Type,
				Risk:           RiskLevel(strings.ToUpper(ls.Risk)),
				TimeoutSeconds: ls.Timeout * 60,
				Order:          ls.Step,
			}
		}
		return NewStepList(steps...), nil
	}

	var l StepList
	if err := json.Unmarshal(trimmed, &l); err != nil {
		return StepList{}, fmt.Errorf("decode step list: %w", err)
	}
	if l.SchemaVersion > StepListSchemaVersion {
		return StepList{}, fmt.Errorf("decode step list: unsupported schema version %d", l.SchemaVersion)
	}
	l.SchemaVersion = StepListSchemaVersion
	return l, nil
}

// StepOutcome is the result recorded for one step attempt.
type StepOutcome string

const (
	OutcomeCompleted StepOutcome = "completed"
	OutcomeFailed    StepOutcome = "failed"
	OutcomeApproved  StepOutcome = "approved"
	OutcomeRejected  StepOutcome = "rejected"
	OutcomeExpired   StepOutcome = "expired"
)

// StepRecord is one entry of an execution's step log.
type StepRecord struct {
	Step            int            `json:"step"`
	Name            string         `json:"name"`
	Attempt         int            `json:"attempt"`
	Outcome         StepOutcome    `json:"outcome"`
	Output          map[string]any `json:"output,omitempty"`
	Error           string         `json:"error,omitempty"`
	DurationSeconds float64        `json:"duration_seconds,omitempty"`
	Agent           string         `json:"agent,omitempty"`
	RecordedAt      time.Time      `json:"recorded_at"`
}

// StepLog is the schema-versioned list of step records on an execution.
type StepLog struct {
	SchemaVersion int          `json:"schema_version"`
	Records       []StepRecord `json:"records"`
}

// NewStepLog returns an empty log in the current schema version.
func NewStepLog() StepLog {
	return StepLog{SchemaVersion: StepLogSchemaVersion, Records: []StepRecord{}}
}

// Append returns a copy of the log with r appended.
func (l StepLog) Append(r StepRecord) StepLog {
	records := make([]StepRecord, len(l.Records), len(l.Records)+1)
	copy(records, l.Records)
	return StepLog{SchemaVersion: StepLogSchemaVersion, Records: append(records, r)}
}

// DecodeStepLog decodes a stored step log. A bare array is read as version 0.
func DecodeStepLog(data []byte) (StepLog, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return NewStepLog(), nil
	}
	if trimmed[0] == '[' {
		var records []StepRecord
		if err := json.Unmarshal(trimmed, &records); err != nil {
			return StepLog{}, fmt.Errorf("decode legacy step log: %w", err)
		}
		if records == nil {
			records = []StepRecord{}
		}
		return StepLog{SchemaVersion: StepLogSchemaVersion, Records: records}, nil
	}
	var l StepLog
	if err := json.Unmarshal(trimmed, &l); err != nil {
		return StepLog{}, fmt.Errorf("decode step log: %w", err)
	}
	if l.SchemaVersion > StepLogSchemaVersion {
		return StepLog{}, fmt.Errorf("decode step log: unsupported schema version %d", l.SchemaVersion)
	}
	if l.Records == nil {
		l.Records = []StepRecord{}
	}
	l.SchemaVersion = StepLogSchemaVersion
	return l, nil
}

// CapabilitySet is the schema-versioned capability list of an agent.
type CapabilitySet struct {
	SchemaVersion int      `json:"schema_version"`
	Items         []string `json:"items"`
}

// NewCapabilitySet returns a sorted, de-duplicated capability set.
func NewCapabilitySet(items ...string) CapabilitySet {
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, it := range items {
		it = strings.TrimSpace(it)
		if it == "" || seen[it] {
			continue
		}
		seen[it] = true
		out = append(out, it)
	}
	sort.Strings(out)
	return CapabilitySet{SchemaVersion: CapabilitySchemaVersion, Items: out}
}

// Has reports whether the set contains capability c.
func (c CapabilitySet) Has(name string) bool {
	for _, it := range c.Items {
		if it == name {
			return true
		}
	}
	return false
}

// DecodeCapabilitySet accepts a tagged set, a bare array, or the untagged
// {"tools": [...]} object written by older agents.
func DecodeCapabilitySet(data []byte) (CapabilitySet, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return NewCapabilitySet(), nil
	}
	if trimmed[0] == '[' {
		var items []string
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return CapabilitySet{}, fmt.Errorf("decode legacy capabilities: %w", err)
		}
		return NewCapabilitySet(items...), nil
	}
	var probe struct {
		SchemaVersion *int     `json:"schema_version"`
		Items         []string `json:"items"`
		Tools         []string `json:"tools"`
	}
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return CapabilitySet{}, fmt.Errorf("decode capabilities: %w", err)
	}
	if probe.SchemaVersion == nil {
		return NewCapabilitySet(probe.Tools...), nil
	}
	if *probe.SchemaVersion > CapabilitySchemaVersion {
		return CapabilitySet{}, fmt.Errorf("decode capabilities: unsupported schema version %d", *probe.SchemaVersion)
	}
	return NewCapabilitySet(probe.Items...), nil
}

// ActionSnapshot freezes the action an approver is asked to sign off.
type ActionSnapshot struct {
	SchemaVersion int            `json:"schema_version"`
	Workflow      string         `json:"workflow"`
	WorkflowName  string         `json:"workflow_name"`
	Step          int            `json:"step"`
	StepName      string         `json:"step_name"`
	StepType      string         `json:"step_type"`
	Risk          RiskLevel      `json:"risk"`
	Input         map[string]any `json:"input,omitempty"`
}

// DecodeActionSnapshot decodes a stored action snapshot.
func DecodeActionSnapshot(data []byte) (ActionSnapshot, error) {
	var a ActionSnapshot
	if len(bytes.TrimSpace(data)) == 0 {
		return ActionSnapshot{SchemaVersion: ActionSchemaVersion}, nil
	}
	if err := json.Unmarshal(data, &a); err != nil {
		return ActionSnapshot{}, fmt.Errorf("decode action snapshot: %w", err)
	}
	if a.SchemaVersion > ActionSchemaVersion {
		return ActionSnapshot{}, fmt.Errorf("decode action snapshot: unsupported schema version %d", a.SchemaVersion)
	}
	a.SchemaVersion = ActionSchemaVersion
	return a, nil
}

// ResourceUsage accumulates resource counters reported by agents.
type ResourceUsage struct {
	APICalls   int64   `json:"api_calls"`
	CPUSeconds float64 `json:"cpu_seconds"`
	MemoryMB   float64 `json:"memory_mb"`
}

// Add returns u plus d. Memory is a peak, not a sum.
func (u ResourceUsage) Add(d ResourceUsage) ResourceUsage {
	out := ResourceUsage{
		APICalls:   u.APICalls + d.APICalls,
		CPUSeconds: u.CPUSeconds + d.CPUSeconds,
		MemoryMB:   u.MemoryMB,
	}
	if d.MemoryMB > out.MemoryMB {
		out.MemoryMB = d.MemoryMB
	}
	return out
}
