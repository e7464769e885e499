package validator

import (
	"strings"
	"testing"

	"github.com/ljquan/aitu/services/workflow-go/pkg/types"
)

func newValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := New()
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return v
}

func TestValidateWorkflowJSON(t *testing.T) {
	v := newValidator(t)

	tests := []struct {
		name  string
		doc   string
		valid bool
	}{
		{"minimal", `{"steps":[]}`, true},
		{"full", `{"id":"wf-1","name":"demo","context":{"k":1},"steps":[{"id":"a","toolName":"generate_image","args":{"prompt":"cat"}},{"id":"b","toolName":"generate_video","dependsOn":["a"]}]}`, true},
		{"missing steps", `{"name":"x"}`, false},
		{"step without tool", `{"steps":[{"id":"a"}]}`, false},
		{"bad status", `{"steps":[{"toolName":"x","status":"done"}]}`, false},
		{"args not object", `{"steps":[{"toolName":"x","args":[1]}]}`, false},
		{"bad id", `{"id":"has space","steps":[]}`, false},
		{"not json", `{`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := v.ValidateWorkflowJSON([]byte(tt.doc))
			if res.Valid != tt.valid {
				t.Errorf("Valid = %v, want %v (errors: %v)", res.Valid, tt.valid, res.Errors)
			}
			if !res.Valid && len(res.Errors) == 0 {
				t.Error("invalid result must carry errors")
			}
		})
	}
}

func TestValidateStepsJSON(t *testing.T) {
	v := newValidator(t)
	if res := v.ValidateStepsJSON([]byte(`[{"toolName":"generate_image"}]`)); !res.Valid {
		t.Errorf("expected valid, got %v", res.Errors)
	}
	if res := v.ValidateStepsJSON([]byte(`[]`)); res.Valid {
		t.Error("expected empty list to be invalid")
	}
}

func TestValidateGraph(t *testing.T) {
	v := newValidator(t)

	step := func(id string, deps ...string) types.WorkflowStep {
		return types.WorkflowStep{ID: id, ToolName: "x", DependsOn: deps}
	}

	tests := []struct {
		name    string
		steps   []types.WorkflowStep
		valid   bool
		message string
	}{
		{"empty", nil, true, ""},
		{"chain", []types.WorkflowStep{step("a"), step("b", "a"), step("c", "a", "b")}, true, ""},
		{"duplicate", []types.WorkflowStep{step("a"), step("a")}, false, "duplicate step id"},
		{"unknown dep", []types.WorkflowStep{step("a", "ghost")}, false, "unknown dependency"},
		{"self dep", []types.WorkflowStep{step("a", "a")}, false, "depends on itself"},
		{"cycle", []types.WorkflowStep{step("a", "c"), step("b", "a"), step("c", "b"), step("d")}, false, "a, b, c"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := v.ValidateGraph(&types.Workflow{Steps: tt.steps})
			if res.Valid != tt.valid {
				t.Fatalf("Valid = %v, want %v (%s)", res.Valid, tt.valid, res.Error())
			}
			if tt.message != "" && !strings.Contains(res.Error(), tt.message) {
				t.Errorf("expected %q in %q", tt.message, res.Error())
			}
		})
	}
}
