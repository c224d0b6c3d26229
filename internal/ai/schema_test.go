package ai

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileOutputSchema_Translation(t *testing.T) {
	raw := json.RawMessage(`{
		"type": "object",
		"properties": {
			"summary": {"type": "string", "description": "short text"},
			"score":   {"type": "number"},
			"count":   {"type": "integer"},
			"urgent":  {"type": "boolean"},
			"tags":    {"type": "array", "items": {"type": "string"}},
			"extra":   {"format": "anything"}
		}
	}`)

	s, err := CompileOutputSchema(raw)
	require.NoError(t, err)

	props := s.Canonical["properties"].(map[string]any)
	assert.Equal(t, map[string]any{"type": "string", "description": "short text"}, props["summary"])
	assert.Equal(t, map[string]any{"type": "array", "items": map[string]any{"type": "string"}}, props["tags"])
	assert.Equal(t, map[string]any{}, props["extra"])
	assert.Equal(t, []any{"count", "extra", "score", "summary", "tags", "urgent"}, s.Canonical["required"])
	assert.Equal(t, false, s.Canonical["additionalProperties"])
}

func TestCompileOutputSchema_Validate(t *testing.T) {
	s, err := CompileOutputSchema(json.RawMessage(`{
		"type": "object",
		"properties": {"name": {"type": "string"}, "age": {"type": "integer"}},
		"required": ["name"]
	}`))
	require.NoError(t, err)

	assert.NoError(t, s.Validate(map[string]any{"name": "Ada", "age": 36.0}))
	assert.NoError(t, s.Validate(map[string]any{"name": "Ada"}))

	err = s.Validate(map[string]any{"name": 7})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match outputSchema")

	assert.Error(t, s.Validate(map[string]any{"name": "Ada", "nickname": "x"}))
	assert.Error(t, s.Validate(map[string]any{"age": 3.5, "name": "Ada"}))
}

func TestCompileOutputSchema_Errors(t *testing.T) {
	_, err := CompileOutputSchema(nil)
	assert.ErrorContains(t, err, "outputSchema is required")

	_, err = CompileOutputSchema(json.RawMessage(`{"type":"object"}`))
	assert.ErrorContains(t, err, "object type requires properties")

	_, err = CompileOutputSchema(json.RawMessage(`{"type":"object","properties":{"list":{"type":"array"}}}`))
	assert.ErrorContains(t, err, "array type requires items")
	assert.ErrorContains(t, err, "/list")

	_, err = CompileOutputSchema(json.RawMessage(`{not json`))
	assert.Error(t, err)
}

func TestCompileOutputSchema_UnknownTypeIsUnconstrained(t *testing.T) {
	s, err := CompileOutputSchema(json.RawMessage(`{"type":"date"}`))
	require.NoError(t, err)
	assert.NoError(t, s.Validate("2024-01-01"))
	assert.NoError(t, s.Validate(map[string]any{"any": true}))
}
