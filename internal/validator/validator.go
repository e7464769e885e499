// Package validator checks submitted workflow documents: JSON Schema for
// shape, then a graph pass for dependency references and cycles.
package validator

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/ljquan/aitu/services/workflow-go/pkg/types"
)

// Validator validates workflow documents.
type Validator struct {
	workflowSchema *jsonschema.Schema
	stepsSchema    *jsonschema.Schema
}

// ValidationError represents a validation failure.
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationResult holds the result of a validation.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

func (r *ValidationResult) add(path, format string, args ...any) {
	r.Valid = false
	r.Errors = append(r.Errors, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

// Error joins the messages, for use as an error string.
func (r *ValidationResult) Error() string {
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		msgs = append(msgs, e.Path+": "+e.Message)
	}
	return strings.Join(msgs, "; ")
}

// New creates a validator with the embedded schemas.
func New() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	if err := compiler.AddResource("step.json", strings.NewReader(stepSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add step schema: %w", err)
	}
	if err := compiler.AddResource("workflow.json", strings.NewReader(workflowSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add workflow schema: %w", err)
	}
	if err := compiler.AddResource("steps.json", strings.NewReader(stepsSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add steps schema: %w", err)
	}

	workflowSchema, err := compiler.Compile("workflow.json")
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}
	stepsSchema, err := compiler.Compile("steps.json")
	if err != nil {
		return nil, fmt.Errorf("compile steps schema: %w", err)
	}

	return &Validator{workflowSchema: workflowSchema, stepsSchema: stepsSchema}, nil
}

// ValidateWorkflowJSON validates a JSON-encoded workflow submission.
func (v *Validator) ValidateWorkflowJSON(data []byte) *ValidationResult {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return invalidJSON(err)
	}
	return v.validate(v.workflowSchema, doc)
}

// ValidateStepsJSON validates a JSON array of steps to append.
func (v *Validator) ValidateStepsJSON(data []byte) *ValidationResult {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return invalidJSON(err)
	}
	return v.validate(v.stepsSchema, doc)
}

func invalidJSON(err error) *ValidationResult {
	return &ValidationResult{
		Valid:  false,
		Errors: []ValidationError{{Path: "$", Message: fmt.Sprintf("invalid JSON: %v", err)}},
	}
}

// ValidateGraph checks that step IDs are unique, dependencies name existing
// steps and the dependency graph is acyclic.
func (v *Validator) ValidateGraph(wf *types.Workflow) *ValidationResult {
	result := &ValidationResult{Valid: true}

	index := make(map[string]int, len(wf.Steps))
	for i, s := range wf.Steps {
		if _, dup := index[s.ID]; dup {
			result.add(fmt.Sprintf("/steps/%d/id", i), "duplicate step id %q", s.ID)
			continue
		}
		index[s.ID] = i
	}
	for i, s := range wf.Steps {
		for j, dep := range s.DependsOn {
			if dep == s.ID {
				result.add(fmt.Sprintf("/steps/%d/dependsOn/%d", i, j), "step %q depends on itself", s.ID)
				continue
			}
			if _, ok := index[dep]; !ok {
				result.add(fmt.Sprintf("/steps/%d/dependsOn/%d", i, j), "unknown dependency %q", dep)
			}
		}
	}
	if !result.Valid {
		return result
	}

	if cycle := findCycle(wf.Steps); len(cycle) > 0 {
		result.add("/steps", "dependency cycle between steps: %s", strings.Join(cycle, ", "))
	}
	return result
}

// findCycle runs Kahn's algorithm and returns the steps left with unmet
// dependencies, which are exactly those on or behind a cycle.
func findCycle(steps []types.WorkflowStep) []string {
	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for _, s := range steps {
		indegree[s.ID] += 0
		for _, dep := range s.DependsOn {
			indegree[s.ID]++
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	queue := make([]string, 0, len(steps))
	for id, n := range indegree {
		if n == 0 {
			queue = append(queue, id)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	var stuck []string
	for id, n := range indegree {
		if n > 0 {
			stuck = append(stuck, id)
		}
	}
	sort.Strings(stuck)
	return stuck
}

func (v *Validator) validate(schema *jsonschema.Schema, data any) *ValidationResult {
	err := schema.Validate(data)
	if err == nil {
		return &ValidationResult{Valid: true}
	}

	result := &ValidationResult{Valid: false}
	if verr, ok := err.(*jsonschema.ValidationError); ok {
		result.Errors = extractErrors(verr)
	} else {
		result.Errors = []ValidationError{{Path: "$", Message: err.Error()}}
	}
	return result
}

// extractErrors flattens the leaf causes of a schema error.
func extractErrors(verr *jsonschema.ValidationError) []ValidationError {
	if len(verr.Causes) == 0 {
		return []ValidationError{{Path: verr.InstanceLocation, Message: verr.Message}}
	}
	var out []ValidationError
	for _, cause := range verr.Causes {
		out = append(out, extractErrors(cause)...)
	}
	return out
}

const stepSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "step.json",
  "title": "Workflow Step",
  "type": "object",
  "required": ["toolName"],
  "properties": {
    "id": {
      "type": "string",
      "pattern": "^[A-Za-z0-9][A-Za-z0-9_.:-]*$",
      "maxLength": 128
    },
    "toolName": {"type": "string", "minLength": 1, "maxLength": 128},
    "args": {"type": "object"},
    "description": {"type": "string"},
    "dependsOn": {
      "type": "array",
      "items": {"type": "string", "minLength": 1},
      "uniqueItems": true
    },
    "status": {
      "type": "string",
      "enum": ["pending", "running", "completed", "failed", "skipped", "pending_main_thread"]
    }
  }
}`

const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "workflow.json",
  "title": "Workflow",
  "type": "object",
  "required": ["steps"],
  "properties": {
    "id": {
      "type": "string",
      "pattern": "^[A-Za-z0-9][A-Za-z0-9_.:-]*$",
      "maxLength": 128
    },
    "name": {"type": "string", "maxLength": 256},
    "steps": {
      "type": "array",
      "items": {"$ref": "step.json"},
      "maxItems": 500
    },
    "context": {"type": "object"}
  }
}`

const stepsSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "steps.json",
  "type": "array",
  "items": {"$ref": "step.json"},
  "minItems": 1
}`
