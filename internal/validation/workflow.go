package validation

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/rendis/nodeflow/internal/expressions"
	"github.com/rendis/nodeflow/pkg/schema"
)

// WorkflowValidator runs the two-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (ids, trigger placement, typed config, references, schedule)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	exprs      ExpressionChecker
}

// NewWorkflowValidator creates a WorkflowValidator. exprs may be nil to
// build a fresh expression registry.
func NewWorkflowValidator(exprs ExpressionChecker) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	if exprs == nil {
		reg, err := expressions.NewRegistry()
		if err != nil {
			return nil, err
		}
		exprs = reg
	}
	return &WorkflowValidator{jsonSchema: jsv, exprs: exprs}, nil
}

// Validate checks a decoded workflow. Structural errors short-circuit.
func (wv *WorkflowValidator) Validate(wf *schema.Workflow) *schema.ValidationResult {
	if wf == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrValidation, "workflow is nil")
		return r
	}

	result := structuralResult(wv.jsonSchema.ValidateWorkflow(wf))
	if !result.Valid() {
		return result
	}

	if wf.Schedule != "" {
		if _, err := cron.ParseStandard(wf.Schedule); err != nil {
			result.AddError("schedule", schema.ErrValidation,
				fmt.Sprintf("invalid schedule %q: %s", wf.Schedule, err.Error()))
		}
	}
	result.Merge(validateSemantic(wf.Nodes, wv.exprs))
	return result
}

// ValidateDocument checks raw workflow JSON, either a workflow object or a
// bare node array, and returns the decoded workflow when the document is
// structurally sound.
func (wv *WorkflowValidator) ValidateDocument(raw []byte) (*schema.Workflow, *schema.ValidationResult) {
	result := structuralResult(wv.jsonSchema.ValidateDocument(raw))
	if !result.Valid() {
		return nil, result
	}

	wf, err := DecodeWorkflow(raw)
	if err != nil {
		result.AddError("/", schema.ErrValidation, err.Error())
		return nil, result
	}
	return wf, wv.Validate(wf)
}

// ValidateWorkflow satisfies the Validator interface.
func (wv *WorkflowValidator) ValidateWorkflow(wf *schema.Workflow) error {
	return wv.Validate(wf).ToError()
}

// ValidateNodes satisfies the Validator interface.
func (wv *WorkflowValidator) ValidateNodes(nodes []schema.WorkflowNode) error {
	return wv.Validate(&schema.Workflow{Nodes: nodes}).ToError()
}

// DecodeWorkflow parses a workflow object or a bare node array.
func DecodeWorkflow(raw []byte) (*schema.Workflow, error) {
	var wf schema.Workflow
	if err := json.Unmarshal(raw, &wf); err == nil {
		return &wf, nil
	}
	var nodes []schema.WorkflowNode
	if err := json.Unmarshal(raw, &nodes); err != nil {
		return nil, fmt.Errorf("decode workflow: %w", err)
	}
	return &schema.Workflow{Nodes: nodes}, nil
}

// structuralResult converts JSON Schema output into a ValidationResult.
func structuralResult(err error) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if err == nil {
		return result
	}

	var nfErr *schema.NodeflowError
	if !errors.As(err, &nfErr) {
		result.AddError("/", schema.ErrValidation, err.Error())
		return result
	}
	if violations, ok := nfErr.Details["violations"].([]string); ok {
		for _, v := range violations {
			result.AddError("/", schema.ErrValidation, v)
		}
		return result
	}
	result.AddError("/", schema.ErrValidation, nfErr.Message)
	return result
}
