// Package engine runs a workflow's node list in order and records the run.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/nodeflow/internal/executors"
	"github.com/rendis/nodeflow/internal/logging"
	"github.com/rendis/nodeflow/internal/store"
	"github.com/rendis/nodeflow/internal/variables"
	"github.com/rendis/nodeflow/pkg/schema"
)

// DefaultNodeTimeout bounds a node that sets no timeout of its own.
const DefaultNodeTimeout = 5 * time.Minute

// Dispatcher picks the executor for a node. Satisfied by *executors.Registry.
type Dispatcher interface {
	For(node *schema.WorkflowNode) (executors.Executor, error)
}

// Config holds engine settings.
type Config struct {
	NodeTimeout time.Duration // per-node deadline when the node sets none (0 = DefaultNodeTimeout)
	Logger      *slog.Logger
}

// RunRequest describes one execution.
type RunRequest struct {
	// RunID names an existing pending run record. When empty a new id is
	// generated and the record is created.
	RunID         string
	WorkflowID    string
	Nodes         []schema.WorkflowNode
	PlatformToken string
	TriggerInput  map[string]any
	Credentials   executors.Credentials
}

// Engine executes workflow node lists.
type Engine struct {
	store    store.RunStore
	registry Dispatcher
	fsm      *RunFSM
	config   Config
	logger   *slog.Logger
}

// NewEngine creates an Engine. A nil store falls back to an in-memory store
// and a nil registry to the default executors.
func NewEngine(s store.RunStore, registry Dispatcher, cfg Config) *Engine {
	if s == nil {
		s = store.NewMemoryStore()
	}
	if cfg.NodeTimeout <= 0 {
		cfg.NodeTimeout = DefaultNodeTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if registry == nil {
		if r, err := executors.NewRegistry(executors.Deps{Logger: cfg.Logger}); err == nil {
			registry = r
		} else {
			cfg.Logger.Error("build default executor registry", slog.String("error", err.Error()))
		}
	}
	e := &Engine{
		store:    s,
		registry: registry,
		fsm:      NewRunFSM(),
		config:   cfg,
		logger:   cfg.Logger,
	}
	e.fsm.OnTransition(func(runID string, from, to schema.RunStatus) {
		e.logger.Debug("run transition",
			slog.String("run_id", runID), slog.String("from", string(from)), slog.String("to", string(to)))
	})
	return e
}

// Store returns the run store the engine writes to.
func (e *Engine) Store() store.RunStore { return e.store }

// ExecuteWorkflowNodes runs nodes and returns their results in execution order.
func (e *Engine) ExecuteWorkflowNodes(ctx context.Context, nodes []schema.WorkflowNode, platformToken string, triggerInput map[string]any, runID string) []schema.NodeExecutionResult {
	run := e.Run(ctx, RunRequest{
		RunID:         runID,
		Nodes:         nodes,
		PlatformToken: platformToken,
		TriggerInput:  triggerInput,
	})
	return run.Results
}

// Run executes req.Nodes strictly in order, stopping at the first failed
// node, and returns the terminal run. A trigger anywhere but first fails the
// run before any node executes. Results are written to the store after every
// node. It never returns a nil run; terminal store failures are logged and
// reported through run.PersistError.
func (e *Engine) Run(ctx context.Context, req RunRequest) *schema.WorkflowRun {
	now := time.Now().UTC()
	run := &schema.WorkflowRun{
		ID:           req.RunID,
		WorkflowID:   req.WorkflowID,
		Status:       schema.RunStatusPending,
		TriggerInput: req.TriggerInput,
		Results:      []schema.NodeExecutionResult{},
		StartedAt:    now,
		CreatedAt:    now,
	}
	created := run.ID == ""
	if created {
		run.ID = uuid.New().String()
	}

	ctx = logging.WithRunID(ctx, run.ID)
	if req.WorkflowID != "" {
		ctx = logging.WithWorkflowID(ctx, req.WorkflowID)
	}
	log := logging.LogWith(ctx, e.logger)

	_ = e.fsm.Transition(run, schema.RunStatusRunning)
	e.persistStart(ctx, run, created)
	log.Info("run started", slog.Int("nodes", len(req.Nodes)))

	rc := &executors.RunContext{
		RunID:         run.ID,
		WorkflowID:    req.WorkflowID,
		TriggerInput:  req.TriggerInput,
		PlatformToken: req.PlatformToken,
		Credentials:   req.Credentials,
	}

	if bad := misplacedTrigger(req.Nodes); bad != nil {
		run.Results = append(run.Results, executors.Failure(bad, nil, nil,
			schema.NewErrorf(schema.ErrValidation, "trigger node %q must be the first and only trigger", bad.Name)))
	} else {
		for i := range req.Nodes {
			node := &req.Nodes[i]
			res := e.executeNode(ctx, node, rc, run.Results)
			run.Results = append(run.Results, res)
			if !res.Success {
				break
			}
			if i < len(req.Nodes)-1 {
				e.heartbeat(ctx, run)
			}
		}
	}

	e.finish(ctx, run)
	return run
}

// misplacedTrigger returns the first trigger node that is not at index 0.
func misplacedTrigger(nodes []schema.WorkflowNode) *schema.WorkflowNode {
	for i := 1; i < len(nodes); i++ {
		if nodes[i].Kind == schema.NodeKindTrigger {
			return &nodes[i]
		}
	}
	return nil
}

// executeNode decodes, resolves and dispatches a single node. prior is the
// list of results produced so far in this run.
func (e *Engine) executeNode(ctx context.Context, node *schema.WorkflowNode, base *executors.RunContext, prior []schema.NodeExecutionResult) schema.NodeExecutionResult {
	start := time.Now().UTC()
	ctx = logging.WithNodeID(ctx, node.ID)

	res := e.dispatchNode(ctx, node, base, prior)
	res.StartedAt = start
	res.DurationMs = time.Since(start).Milliseconds()

	if !res.Success {
		log := logging.LogWith(ctx, e.logger)
		attrs := []any{slog.String("node", node.Name), slog.String("halt_reason", string(res.HaltReason))}
		if res.Error != nil {
			attrs = append(attrs, slog.String("kind", res.Error.Kind), slog.String("error", res.Error.Message))
		}
		if res.HaltReason == schema.HaltGateBlocked {
			log.Info("run halted by gate", attrs...)
		} else {
			log.Warn("node failed", attrs...)
		}
	}
	return res
}

func (e *Engine) dispatchNode(ctx context.Context, node *schema.WorkflowNode, base *executors.RunContext, prior []schema.NodeExecutionResult) schema.NodeExecutionResult {
	if err := ctx.Err(); err != nil {
		return executors.Failure(node, nil, nil, contextFailure(ctx, node, 0))
	}

	cfg, err := node.DecodeConfig()
	if err != nil {
		return executors.Failure(node, nil, nil, schema.AsError(err, schema.ErrValidation))
	}

	input, err := variables.Resolve(cfg.Mapping(), prior)
	if err != nil {
		return executors.Failure(node, nil, nil, schema.AsError(err, schema.ErrReference))
	}

	if e.registry == nil {
		return executors.Failure(node, input, nil, schema.NewError(schema.ErrNodeExecution, "no executor registry configured"))
	}
	exec, err := e.registry.For(node)
	if err != nil {
		return executors.Failure(node, input, nil, schema.AsError(err, schema.ErrUnsupportedActionType))
	}

	timeout, err := e.nodeTimeout(cfg)
	if err != nil {
		return executors.Failure(node, input, nil,
			schema.NewErrorf(schema.ErrValidation, "invalid timeout for node %q: %s", node.Name, err.Error()).WithCause(err))
	}

	// Each node gets its own RunContext so an abandoned executor never sees
	// later mutations.
	rc := *base
	rc.PreviousResults = prior[:len(prior):len(prior)]

	return e.invoke(ctx, exec, node, input, &rc, timeout)
}

// invoke runs exec under a deadline, turning panics into NodeExecutionError
// and deadline expiry into ExecutionTimeout. An executor that ignores its
// context is abandoned once the deadline passes.
func (e *Engine) invoke(ctx context.Context, exec executors.Executor, node *schema.WorkflowNode, input map[string]any, rc *executors.RunContext, timeout time.Duration) schema.NodeExecutionResult {
	nodeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan schema.NodeExecutionResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logging.LogWith(nodeCtx, e.logger).Error("executor panicked",
					slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
				done <- executors.Failure(node, input, nil,
					schema.NewErrorf(schema.ErrNodeExecution, "node %q panicked: %v", node.Name, r))
			}
		}()
		done <- exec.Execute(nodeCtx, node, input, rc)
	}()

	select {
	case res := <-done:
		if !res.Success && errors.Is(nodeCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			timeoutErr := contextFailure(nodeCtx, node, timeout)
			if res.Error != nil && timeoutErr.Details != nil {
				timeoutErr.Details["cause"] = res.Error.Message
			}
			res.Error = timeoutErr.WithNode(node.ID)
			res.HaltReason = schema.HaltError
		}
		return res
	case <-nodeCtx.Done():
		return executors.Failure(node, input, nil, contextFailure(nodeCtx, node, timeout))
	}
}

// nodeTimeout returns the node's own timeout when set, else the engine default.
func (e *Engine) nodeTimeout(cfg schema.NodeConfig) (time.Duration, error) {
	spec := cfg.TimeoutSpec()
	if spec == "" {
		return e.config.NodeTimeout, nil
	}
	d, err := time.ParseDuration(spec)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("timeout must be positive, got %s", spec)
	}
	return d, nil
}

// contextFailure describes why ctx is done. A cancelled parent is a
// NodeExecutionError; an expired deadline is an ExecutionTimeout.
func contextFailure(ctx context.Context, node *schema.WorkflowNode, timeout time.Duration) *schema.NodeflowError {
	if errors.Is(ctx.Err(), context.Canceled) {
		return schema.NewErrorf(schema.ErrNodeExecution, "run cancelled before node %q completed", node.Name).
			WithCause(ctx.Err())
	}
	details := map[string]any{}
	if timeout > 0 {
		details["timeout"] = timeout.String()
		return schema.NewErrorf(schema.ErrExecutionTimeout, "node %q exceeded its %s timeout", node.Name, timeout).
			WithDetails(details).WithCause(ctx.Err())
	}
	return schema.NewErrorf(schema.ErrExecutionTimeout, "run deadline exceeded before node %q", node.Name).
		WithDetails(details).WithCause(ctx.Err())
}

// finish moves the run to its terminal status and persists it.
func (e *Engine) finish(ctx context.Context, run *schema.WorkflowRun) {
	run.Summary = schema.Summarize(run.Results)
	to := schema.RunStatusCompleted
	if failed := run.FailedResult(); failed != nil {
		to = schema.RunStatusFailed
		if failed.Error != nil {
			run.Error = failed.Error.Message
		}
	}
	_ = e.fsm.Transition(run, to)

	completed := time.Now().UTC()
	run.CompletedAt = &completed
	run.ExecutionTime = completed.Sub(run.StartedAt).Milliseconds()
	run.UpdatedAt = completed

	if err := e.persistEnd(ctx, run); err != nil {
		run.PersistError = err.Error()
	}

	logging.LogWith(ctx, e.logger).Info("run finished",
		slog.String("status", string(run.Status)),
		slog.Int("successful", run.Summary.SuccessfulNodes),
		slog.Int("failed", run.Summary.FailedNodes),
		slog.Int64("duration_ms", run.ExecutionTime))
}

func (e *Engine) persistStart(ctx context.Context, run *schema.WorkflowRun, create bool) {
	var err error
	if create {
		err = e.store.CreateRun(ctx, run)
	} else {
		status := run.Status
		err = e.store.UpdateRun(ctx, run.ID, store.RunUpdate{Status: &status})
		if schema.KindOf(err) == schema.ErrNotFound {
			err = e.store.CreateRun(ctx, run)
		}
	}
	if err != nil {
		logging.LogWith(ctx, e.logger).Error("persist run start", slog.String("error", err.Error()))
	}
}

// heartbeat writes the results so far, keeping updated_at fresh for the
// stale-run reconciler. The running status guards against reviving a record
// the reconciler already closed.
func (e *Engine) heartbeat(ctx context.Context, run *schema.WorkflowRun) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	status := schema.RunStatusRunning
	if err := e.store.UpdateRun(writeCtx, run.ID, store.RunUpdate{Status: &status, Results: run.Results}); err != nil {
		logging.LogWith(ctx, e.logger).Warn("persist run progress", slog.String("error", err.Error()))
	}
}

func (e *Engine) persistEnd(ctx context.Context, run *schema.WorkflowRun) error {
	// The terminal write must land even when the caller's context is done.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	status := run.Status
	summary := run.Summary
	runErr := run.Error
	err := e.store.UpdateRun(writeCtx, run.ID, store.RunUpdate{
		Status:        &status,
		Results:       run.Results,
		Summary:       &summary,
		Error:         &runErr,
		CompletedAt:   run.CompletedAt,
		ExecutionTime: &run.ExecutionTime,
	})
	if err != nil {
		logging.LogWith(ctx, e.logger).Error("persist run result", slog.String("error", err.Error()))
		return err
	}
	return nil
}
