package definition

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
	"gopkg.in/yaml.v3"

	"github.com/roach88/steward/internal/model"
)

//go:embed schema.cue
var schemaSource string

// Document is a workflow definition as written by its author.
type Document struct {
	Name             string       `yaml:"name" json:"name"`
	Description      string       `yaml:"description,omitempty" json:"description,omitempty"`
	RiskLevel        string       `yaml:"risk_level,omitempty" json:"risk_level,omitempty"`
	RequiresApproval bool         `yaml:"requires_approval,omitempty" json:"requires_approval,omitempty"`
	MaxRetries       int          `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	TimeoutMinutes   int          `yaml:"timeout_minutes,omitempty" json:"timeout_minutes,omitempty"`
	Steps            []Step       `yaml:"steps" json:"steps"`
	Agents           []Assignment `yaml:"agents,omitempty" json:"agents,omitempty"`
}

// Step is one step of a Document, in execution order.
type Step struct {
	Name           string `yaml:"name" json:"name"`
	Type           string `yaml:"type" json:"type"`
	Risk           string `yaml:"risk,omitempty" json:"risk,omitempty"`
	TimeoutSeconds int    `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
}

// Assignment binds an agent, by public id, to a role on the workflow.
type Assignment struct {
	Role  string `yaml:"role" json:"role"`
	Agent string `yaml:"agent" json:"agent"`
}

// Error describes an invalid definition. Pos is set when the problem can be
// traced to a CUE source position.
type Error struct {
	Source  string
	Field   string
	Message string
	Pos     token.Pos
}

func (e *Error) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	if e.Source != "" {
		return fmt.Sprintf("%s: %s: %s", e.Source, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Load reads a definition file. The format is chosen by extension:
// .yaml/.yml or .cue.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return LoadYAML(data, path)
	case ".cue":
		return LoadCUE(data, path)
	default:
		return nil, &Error{Source: path, Field: "file", Message: "unsupported extension (want .yaml, .yml or .cue)"}
	}
}

// LoadYAML parses a YAML definition and validates it against the schema.
// Unknown fields are rejected.
func LoadYAML(data []byte, source string) (*Document, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, &Error{Source: source, Field: "yaml", Message: err.Error()}
	}

	ctx := cuecontext.New()
	return validate(ctx, ctx.Encode(doc), source)
}

// LoadCUE evaluates a CUE definition. The workflow is read from the
// top-level "workflow" field and unified with the schema, so CUE
// constraints and defaults written by the author apply too.
func LoadCUE(data []byte, source string) (*Document, error) {
	ctx := cuecontext.New()
	v := ctx.CompileBytes(data, cue.Filename(source))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err, source)
	}
	wf := v.LookupPath(cue.ParsePath("workflow"))
	if !wf.Exists() {
		return nil, &Error{Source: source, Field: "workflow", Message: "top-level workflow field is required"}
	}
	return validate(ctx, wf, source)
}

func validate(ctx *cue.Context, v cue.Value, source string) (*Document, error) {
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}
	unified := schema.LookupPath(cue.ParsePath("#Workflow")).Unify(v)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err, source)
	}

	var doc Document
	if err := unified.Decode(&doc); err != nil {
		return nil, formatCUEError(err, source)
	}
	if _, err := doc.Workflow(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Workflow converts the document to an unsaved, active workflow. Owner,
// company and ids are left for the caller.
func (d *Document) Workflow() (*model.Workflow, error) {
	risk := model.RiskLow
	if d.RiskLevel != "" {
		r, err := model.ParseRiskLevel(d.RiskLevel)
		if err != nil {
			return nil, &Error{Source: d.Name, Field: "risk_level", Message: err.Error()}
		}
		risk = r
	}
	steps, err := d.StepList()
	if err != nil {
		return nil, err
	}
	return &model.Workflow{
		Name:             d.Name,
		Description:      d.Description,
		Steps:            steps,
		RiskLevel:        risk,
		RequiresApproval: d.RequiresApproval,
		MaxRetries:       d.MaxRetries,
		TimeoutMinutes:   d.TimeoutMinutes,
		IsActive:         true,
	}, nil
}

// StepList converts the steps, numbering them by position.
func (d *Document) StepList() (model.StepList, error) {
	defs := make([]model.StepDefinition, 0, len(d.Steps))
	for i, s := range d.Steps {
		def := model.StepDefinition{
			Name:           s.Name,
			Type:           s.Type,
			TimeoutSeconds: s.TimeoutSeconds,
			Order:          i + 1,
		}
		if s.Risk != "" {
			r, err := model.ParseRiskLevel(s.Risk)
			if err != nil {
				return model.StepList{}, &Error{Source: d.Name, Field: fmt.Sprintf("steps[%d].risk", i), Message: err.Error()}
			}
			def.Risk = r
		}
		defs = append(defs, def)
	}
	list := model.NewStepList(defs...)
	if err := list.Validate(); err != nil {
		return model.StepList{}, &Error{Source: d.Name, Field: "steps", Message: err.Error()}
	}
	return list, nil
}

// Roles returns the assignments keyed by role.
func (d *Document) Roles() (map[model.AgentRole]string, error) {
	out := make(map[model.AgentRole]string, len(d.Agents))
	for i, a := range d.Agents {
		role, err := model.ParseAgentRole(a.Role)
		if err != nil {
			return nil, &Error{Source: d.Name, Field: fmt.Sprintf("agents[%d].role", i), Message: err.Error()}
		}
		if _, dup := out[role]; dup {
			return nil, &Error{Source: d.Name, Field: fmt.Sprintf("agents[%d].role", i), Message: fmt.Sprintf("role %s assigned twice", role)}
		}
		out[role] = a.Agent
	}
	return out, nil
}

// FromWorkflow renders a stored workflow as a document. Agent assignments
// are not part of the workflow row and are left empty.
func FromWorkflow(w *model.Workflow) *Document {
	d := &Document{
		Name:             w.Name,
		Description:      w.Description,
		RiskLevel:        string(w.RiskLevel),
		RequiresApproval: w.RequiresApproval,
		MaxRetries:       w.MaxRetries,
		TimeoutMinutes:   w.TimeoutMinutes,
	}
	for _, s := range w.Steps.Steps {
		d.Steps = append(d.Steps, Step{
			Name:           s.Name,
			Type:           s.Type,
			Risk:           string(s.Risk),
			TimeoutSeconds: s.TimeoutSeconds,
		})
	}
	return d
}

// YAML renders d in the format LoadYAML reads.
func (d *Document) YAML() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(d); err != nil {
		return nil, fmt.Errorf("encode definition: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode definition: %w", err)
	}
	return buf.Bytes(), nil
}

// formatCUEError reports the first CUE error with its position.
func formatCUEError(err error, source string) error {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return &Error{Source: source, Field: "cue", Message: err.Error()}
	}
	first := errs[0]
	e := &Error{Source: source, Field: "cue", Message: first.Error()}
	if path := first.Path(); len(path) > 0 {
		e.Field = strings.Join(path, ".")
	}
	if positions := errors.Positions(first); len(positions) > 0 {
		e.Pos = positions[0]
	}
	return e
}
