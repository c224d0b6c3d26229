package executors

import (
	"context"
	"errors"

	"github.com/rendis/nodeflow/internal/platform"
	"github.com/rendis/nodeflow/pkg/schema"
)

// PlatformExecutor runs an action on the hosted integration platform.
type PlatformExecutor struct {
	runner platform.Runner
}

func (e *PlatformExecutor) Execute(ctx context.Context, node *schema.WorkflowNode, input map[string]any, rc *RunContext) schema.NodeExecutionResult {
	cfg, cerr := decodeConfig[*schema.PlatformActionConfig](node)
	if cerr != nil {
		return Failure(node, input, nil, cerr)
	}
	if cfg.ActionID == "" {
		return Failure(node, input, nil, schema.NewError(schema.ErrMissingField, "platform-action node requires an actionId"))
	}
	if e.runner == nil {
		return Failure(node, input, nil, schema.NewError(schema.ErrActionExecution, "platform client is not configured"))
	}

	out, err := e.runner.Run(ctx, rc.PlatformToken, cfg.ActionID, input, platform.RunOptions{ConnectionID: cfg.ConnectionID})
	if err != nil {
		details := map[string]any{"actionId": cfg.ActionID}
		if cfg.ConnectionID != "" {
			details["connectionId"] = cfg.ConnectionID
		}
		var se *platform.StatusError
		if errors.As(err, &se) {
			details["statusCode"] = se.StatusCode
		}
		return Failure(node, input, nil, schema.NewErrorf(schema.ErrActionExecution, "action %s failed: %s", cfg.ActionID, err.Error()).
			WithCause(err).
			WithDetails(details))
	}
	return Success(node, input, out)
}
