package validation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/nodeflow/pkg/schema"
)

const workflowSchemaURL = "https://nodeflow.dev/schemas/workflow.json"

// workflowSchemaJSON is the JSON Schema for a workflow document.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://nodeflow.dev/schemas/workflow.json",
  "type": "object",
  "required": ["nodes"],
  "properties": {
    "id": { "type": "string" },
    "name": { "type": "string" },
    "description": { "type": "string" },
    "nodes": {
      "type": "array",
      "items": { "$ref": "#/$defs/node" }
    },
    "schedule": { "type": "string" },
    "enabled": { "type": "boolean" },
    "createdAt": { "type": "string" },
    "updatedAt": { "type": "string" }
  },
  "additionalProperties": false,
  "$defs": {
    "node": {
      "type": "object",
      "required": ["id", "name", "kind"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "name": { "type": "string", "minLength": 1 },
        "kind": { "type": "string", "enum": ["trigger", "action"] },
        "triggerType": { "type": "string", "enum": ["manual", "event"] },
        "actionType": { "type": "string", "enum": ["http", "platform-action", "ai", "gate"] },
        "config": { "type": ["object", "null"] }
      },
      "additionalProperties": false,
      "allOf": [
        {
          "if": { "properties": { "kind": { "const": "trigger" } } },
          "then": { "required": ["triggerType"] }
        },
        {
          "if": { "properties": { "kind": { "const": "action" } } },
          "then": { "required": ["actionType"] }
        }
      ]
    }
  }
}`

// JSONSchemaValidator checks the shape of workflow documents.
// It is safe for concurrent use.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema
}

// NewJSONSchemaValidator creates a JSONSchemaValidator with the workflow schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource(workflowSchemaURL, schemaDoc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}

	wfSchema, err := c.Compile(workflowSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}
	return &JSONSchemaValidator{workflowSchema: wfSchema}, nil
}

// ValidateDocument validates raw workflow JSON. A bare node array is
// accepted and checked as {"nodes": [...]}.
func (v *JSONSchemaValidator) ValidateDocument(raw []byte) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '[' {
		raw = append(append([]byte(`{"nodes":`), raw...), '}')
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return schema.NewErrorf(schema.ErrValidation, "invalid JSON: %s", err.Error()).WithCause(err)
	}
	if err := v.workflowSchema.Validate(doc); err != nil {
		return toNodeflowError(err)
	}
	return nil
}

// ValidateWorkflow validates a decoded workflow against the schema.
func (v *JSONSchemaValidator) ValidateWorkflow(wf *schema.Workflow) error {
	if wf == nil {
		return schema.NewError(schema.ErrValidation, "workflow is nil")
	}
	doc := *wf
	if doc.Nodes == nil {
		doc.Nodes = []schema.WorkflowNode{}
	}
	b, err := json.Marshal(&doc)
	if err != nil {
		return schema.NewError(schema.ErrValidation, "failed to serialize workflow").WithCause(err)
	}
	return v.ValidateDocument(b)
}

// toNodeflowError converts a jsonschema.ValidationError into a NodeflowError
// listing every leaf violation.
func toNodeflowError(err error) *schema.NodeflowError {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return schema.NewError(schema.ErrValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
