package schema

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_AddErrorAndWarning(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())

	r.AddWarning("nodes[1]", ErrValidation, "node has no input mapping")
	assert.True(t, r.Valid(), "warnings alone should not make result invalid")

	r.AddError("nodes[0].kind", ErrValidation, "unknown kind")
	assert.False(t, r.Valid())
	require.Len(t, r.Errors, 1)
	assert.Equal(t, "nodes[0].kind", r.Errors[0].Path)
	assert.Equal(t, SeverityError, r.Errors[0].Severity)
}

func TestValidationResult_Merge(t *testing.T) {
	r1 := &ValidationResult{}
	r1.AddError("/", ErrValidation, "err1")

	r2 := &ValidationResult{}
	r2.AddError("nodes[0]", ErrValidation, "err2")
	r2.AddWarning("nodes[1]", ErrValidation, "warn2")

	r1.Merge(r2)
	r1.Merge(nil)

	assert.Len(t, r1.Errors, 2)
	assert.Len(t, r1.Warnings, 1)
}

func TestValidationResult_Under(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("nodes[1].config", ErrValidation, "bad config")
	r.AddWarning("nodes[1].config.inputMapping.uri", ErrMissingField, "no uri")
	r.AddError("nodes[10]", ErrValidation, "other node")

	issues := r.Under("nodes[1].")
	require.Len(t, issues, 2)
	assert.Equal(t, SeverityError, issues[0].Severity)
	assert.Equal(t, SeverityWarning, issues[1].Severity)
	assert.Empty(t, r.Under("schedule"))
}

func TestValidationIssue_String(t *testing.T) {
	assert.Equal(t, "nodes[0]: trigger must be first", ValidationIssue{Path: "nodes[0]", Message: "trigger must be first"}.String())
	assert.Equal(t, "missing nodes", ValidationIssue{Path: "/", Message: "missing nodes"}.String())
}

func TestValidationResult_ToError(t *testing.T) {
	r := &ValidationResult{}
	assert.Nil(t, r.ToError())

	r.AddError("nodes[0]", ErrValidation, "trigger must be first")
	err := r.ToError()
	require.Error(t, err)
	assert.Equal(t, ErrValidation, KindOf(err))
	assert.Contains(t, err.Error(), "trigger must be first")

	r.AddError("nodes[2]", ErrValidation, "duplicate id")
	var nfErr *NodeflowError
	require.ErrorAs(t, r.ToError(), &nfErr)
	assert.Equal(t, "validation failed with 2 errors", nfErr.Message)
	assert.Equal(t, 2, nfErr.Details["error_count"])
}

func TestNodeflowError(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewErrorf(ErrHTTPExecution, "request to %s failed", "x").WithNode("n1").WithCause(cause)

	assert.Equal(t, "[HttpExecutionError] node n1: request to x failed", err.Error())
	assert.ErrorIs(t, err, cause)

	wrapped := fmt.Errorf("outer: %w", err)
	assert.Equal(t, ErrHTTPExecution, KindOf(wrapped))
	assert.Equal(t, "", KindOf(cause))

	assert.Same(t, err, AsError(wrapped, ErrNodeExecution))
	foreign := AsError(cause, ErrNodeExecution)
	assert.Equal(t, ErrNodeExecution, foreign.Kind)
	assert.Equal(t, "connection refused", foreign.Message)
	assert.Nil(t, AsError(nil, ErrNodeExecution))
}

func TestDecodeConfig(t *testing.T) {
	tests := []struct {
		name string
		node WorkflowNode
		want any
	}{
		{"manual trigger", WorkflowNode{Kind: NodeKindTrigger, TriggerType: TriggerManual}, &TriggerConfig{}},
		{"event trigger", WorkflowNode{Kind: NodeKindTrigger, TriggerType: TriggerEvent, Config: []byte(`{"event":"order.created"}`)}, &TriggerConfig{Event: "order.created"}},
		{"http", WorkflowNode{Kind: NodeKindAction, ActionType: ActionHTTP, Config: []byte(`{"inputMapping":{"uri":"https://x"}}`)}, &HTTPConfig{Inputs: map[string]any{"uri": "https://x"}}},
		{"platform", WorkflowNode{Kind: NodeKindAction, ActionType: ActionPlatformAction, Config: []byte(`{"actionId":"a1","connectionId":"c1"}`)}, &PlatformActionConfig{ActionID: "a1", ConnectionID: "c1"}},
		{"gate", WorkflowNode{Kind: NodeKindAction, ActionType: ActionGate, Config: []byte(`{"condition":{"field":"$.Trigger.x","operator":"equals","value":"5"}}`)}, &GateConfig{Condition: &GateCondition{Field: "$.Trigger.x", Operator: "equals", Value: "5"}}},
		{"null config", WorkflowNode{Kind: NodeKindAction, ActionType: ActionAI, Config: []byte(`null`)}, &AIConfig{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := tt.node.DecodeConfig()
			require.NoError(t, err)
			assert.Equal(t, tt.want, cfg)
		})
	}
}

func TestDecodeConfig_Unsupported(t *testing.T) {
	_, err := (&WorkflowNode{ID: "t", Kind: NodeKindTrigger, TriggerType: "webhook"}).DecodeConfig()
	assert.Equal(t, ErrUnsupportedTriggerType, KindOf(err))

	_, err = (&WorkflowNode{ID: "a", Kind: NodeKindAction, ActionType: "email"}).DecodeConfig()
	assert.Equal(t, ErrUnsupportedActionType, KindOf(err))

	_, err = (&WorkflowNode{ID: "a", Kind: NodeKindAction, ActionType: ActionHTTP, Config: []byte(`{"inputMapping":[]}`)}).DecodeConfig()
	assert.Equal(t, ErrValidation, KindOf(err))
}

func TestAIConfig_StructuredDefaultsTrue(t *testing.T) {
	off := false
	assert.True(t, (&AIConfig{}).Structured())
	assert.False(t, (&AIConfig{StructuredOutput: &off}).Structured())
}

func TestSummarize(t *testing.T) {
	assert.Equal(t, RunSummary{}, Summarize(nil))

	s := Summarize([]NodeExecutionResult{{Success: true}, {Success: true}, {Success: false}})
	assert.Equal(t, 3, s.TotalNodes)
	assert.Equal(t, 2, s.SuccessfulNodes)
	assert.Equal(t, 1, s.FailedNodes)
	assert.InDelta(t, 200.0/3.0, s.SuccessRate, 1e-9)
}

func TestRunStatusTerminal(t *testing.T) {
	assert.False(t, RunStatusPending.Terminal())
	assert.False(t, RunStatusRunning.Terminal())
	assert.True(t, RunStatusCompleted.Terminal())
	assert.True(t, RunStatusFailed.Terminal())
}
