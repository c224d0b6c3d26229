// Package executors implements the per-node-type behaviour of a run. An
// executor never returns a Go error: every outcome, including faults, is a
// NodeExecutionResult.
package executors

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/google/uuid"

	"github.com/rendis/nodeflow/internal/ai"
	"github.com/rendis/nodeflow/internal/expressions"
	"github.com/rendis/nodeflow/internal/platform"
	"github.com/rendis/nodeflow/pkg/schema"
)

// Credentials are the AI provider settings of one run.
type Credentials struct {
	AIKey     string
	AIBaseURL string
	AIModel   string
}

// RunContext is the per-run state handed to every executor.
type RunContext struct {
	RunID           string
	WorkflowID      string
	PreviousResults []schema.NodeExecutionResult
	TriggerInput    map[string]any
	PlatformToken   string
	Credentials     Credentials
}

// Executor runs one node with its already resolved input.
type Executor interface {
	Execute(ctx context.Context, node *schema.WorkflowNode, input map[string]any, rc *RunContext) schema.NodeExecutionResult
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, node *schema.WorkflowNode, input map[string]any, rc *RunContext) schema.NodeExecutionResult

func (f ExecutorFunc) Execute(ctx context.Context, node *schema.WorkflowNode, input map[string]any, rc *RunContext) schema.NodeExecutionResult {
	return f(ctx, node, input, rc)
}

// Deps are the collaborators executors talk to. Nil fields get defaults
// where one exists.
type Deps struct {
	Platform      platform.Runner
	Models        ai.Factory
	Tools         ai.ToolServerOpener
	Expressions   *expressions.Registry
	HTTPClient    *http.Client
	MaxToolRounds int
	Logger        *slog.Logger
}

// Registry dispatches a node to its executor by kind and type.
type Registry struct {
	triggers map[schema.TriggerType]Executor
	actions  map[schema.ActionType]Executor
}

// NewRegistry builds a registry with the trigger, http, platform-action, ai
// and gate executors.
func NewRegistry(deps Deps) (*Registry, error) {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{}
	}
	if deps.Models == nil {
		deps.Models = ai.OpenAIFactory
	}
	if deps.Tools == nil {
		deps.Tools = ai.MCPOpener{}
	}
	if deps.Expressions == nil {
		exprs, err := expressions.NewRegistry()
		if err != nil {
			return nil, err
		}
		deps.Expressions = exprs
	}

	trigger := &TriggerExecutor{}
	r := &Registry{
		triggers: map[schema.TriggerType]Executor{
			schema.TriggerManual: trigger,
			schema.TriggerEvent:  trigger,
		},
		actions: map[schema.ActionType]Executor{
			schema.ActionHTTP:           &HTTPExecutor{client: deps.HTTPClient},
			schema.ActionPlatformAction: &PlatformExecutor{runner: deps.Platform},
			schema.ActionAI: &AIExecutor{
				models:        deps.Models,
				tools:         deps.Tools,
				maxToolRounds: deps.MaxToolRounds,
				logger:        deps.Logger,
			},
			schema.ActionGate: &GateExecutor{exprs: deps.Expressions},
		},
	}
	return r, nil
}

// RegisterTrigger replaces the executor for a trigger type.
func (r *Registry) RegisterTrigger(t schema.TriggerType, e Executor) { r.triggers[t] = e }

// RegisterAction replaces the executor for an action type.
func (r *Registry) RegisterAction(t schema.ActionType, e Executor) { r.actions[t] = e }

// For returns the executor for node.
func (r *Registry) For(node *schema.WorkflowNode) (Executor, error) {
	switch node.Kind {
	case schema.NodeKindTrigger:
		if e, ok := r.triggers[node.TriggerType]; ok {
			return e, nil
		}
		return nil, schema.NewErrorf(schema.ErrUnsupportedTriggerType, "unsupported trigger type %q", node.TriggerType).
			WithNode(node.ID)
	case schema.NodeKindAction:
		if e, ok := r.actions[node.ActionType]; ok {
			return e, nil
		}
		return nil, schema.NewErrorf(schema.ErrUnsupportedActionType, "unsupported action type %q", node.ActionType).
			WithNode(node.ID)
	default:
		return nil, schema.NewErrorf(schema.ErrUnsupportedActionType, "unsupported node kind %q", node.Kind).
			WithNode(node.ID)
	}
}

// Success builds a successful result.
func Success(node *schema.WorkflowNode, input map[string]any, output any) schema.NodeExecutionResult {
	return schema.NodeExecutionResult{
		ID:       uuid.New().String(),
		NodeID:   node.ID,
		NodeName: node.Name,
		Success:  true,
		Input:    input,
		Output:   output,
	}
}

// Failure builds a failed result halting with HaltError. output may be nil.
func Failure(node *schema.WorkflowNode, input map[string]any, output any, err *schema.NodeflowError) schema.NodeExecutionResult {
	if err != nil && err.NodeID == "" {
		err.NodeID = node.ID
	}
	return schema.NodeExecutionResult{
		ID:         uuid.New().String(),
		NodeID:     node.ID,
		NodeName:   node.Name,
		Success:    false,
		Input:      input,
		Output:     output,
		Error:      err,
		HaltReason: schema.HaltError,
	}
}

func decodeConfig[T schema.NodeConfig](node *schema.WorkflowNode) (T, *schema.NodeflowError) {
	var zero T
	cfg, err := node.DecodeConfig()
	if err != nil {
		return zero, schema.AsError(err, schema.ErrValidation)
	}
	typed, ok := cfg.(T)
	if !ok {
		return zero, schema.NewErrorf(schema.ErrNodeExecution, "node %q has unexpected config type %T", node.Name, cfg).
			WithNode(node.ID)
	}
	return typed, nil
}
