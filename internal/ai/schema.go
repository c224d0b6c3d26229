package ai

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

const outputSchemaURL = "nodeflow://ai/output-schema.json"

// OutputSchema is an authored outputSchema translated into a canonical JSON
// Schema plus its compiled validator.
type OutputSchema struct {
	// Canonical is sent to the model as the response format.
	Canonical map[string]any
	compiled  *jsonschema.Schema
}

// CompileOutputSchema translates raw into canonical form and compiles it.
//
// Translation rules: string, number, integer and boolean map to the same
// primitive; object requires properties; array requires items; any other or
// missing type is an unconstrained value.
func CompileOutputSchema(raw json.RawMessage) (*OutputSchema, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("outputSchema is required")
	}
	var src any
	if err := json.Unmarshal(raw, &src); err != nil {
		return nil, fmt.Errorf("outputSchema is not valid JSON: %w", err)
	}
	canonical, err := translate(src, "")
	if err != nil {
		return nil, err
	}

	b, err := json.Marshal(canonical)
	if err != nil {
		return nil, fmt.Errorf("marshal canonical schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal canonical schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(outputSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(outputSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile output schema: %w", err)
	}
	return &OutputSchema{Canonical: canonical, compiled: compiled}, nil
}

// Validate checks v against the schema.
func (s *OutputSchema) Validate(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal value: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
	if err != nil {
		return fmt.Errorf("unmarshal value: %w", err)
	}
	if err := s.compiled.Validate(doc); err != nil {
		return fmt.Errorf("model output does not match outputSchema: %s", strings.Join(violations(err), "; "))
	}
	return nil
}

func translate(node any, path string) (map[string]any, error) {
	m, ok := node.(map[string]any)
	if !ok {
		return map[string]any{}, nil
	}
	out := map[string]any{}
	if d, ok := m["description"].(string); ok && d != "" {
		out["description"] = d
	}

	t, _ := m["type"].(string)
	switch t {
	case "string", "number", "integer", "boolean":
		out["type"] = t
		if enum, ok := m["enum"].([]any); ok && len(enum) > 0 {
			out["enum"] = enum
		}
	case "object":
		props, ok := m["properties"].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("outputSchema%s: object type requires properties", location(path))
		}
		translated := make(map[string]any, len(props))
		for name, p := range props {
			child, err := translate(p, path+"/"+name)
			if err != nil {
				return nil, err
			}
			translated[name] = child
		}
		out["type"] = "object"
		out["properties"] = translated
		out["required"] = required(m, props)
		out["additionalProperties"] = false
	case "array":
		items, ok := m["items"]
		if !ok {
			return nil, fmt.Errorf("outputSchema%s: array type requires items", location(path))
		}
		child, err := translate(items, path+"/items")
		if err != nil {
			return nil, err
		}
		out["type"] = "array"
		out["items"] = child
	}
	return out, nil
}

// required keeps an explicit required list, or makes every property required.
func required(m map[string]any, props map[string]any) []any {
	if list, ok := m["required"].([]any); ok {
		return list
	}
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]any, len(names))
	for i, n := range names {
		out[i] = n
	}
	return out
}

func location(path string) string {
	if path == "" {
		return ""
	}
	return " at " + path
}

func violations(err error) []string {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []string{err.Error()}
	}
	var walk func(*jsonschema.ValidationError) []string
	walk = func(v *jsonschema.ValidationError) []string {
		if len(v.Causes) == 0 {
			return []string{"/" + strings.Join(v.InstanceLocation, "/") + ": " + v.Error()}
		}
		var out []string
		for _, c := range v.Causes {
			out = append(out, walk(c)...)
		}
		return out
	}
	return walk(verr)
}
