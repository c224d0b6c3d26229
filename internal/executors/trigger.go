package executors

import (
	"context"
	"time"

	"github.com/rendis/nodeflow/pkg/schema"
)

// Default event names reported by triggers without a configured event.
const (
	ManualTriggerEvent = "manual_trigger"
	EventTriggerEvent  = "event_trigger"
)

// TriggerExecutor starts a run. Its output exposes the trigger input to later
// nodes, so "$.Trigger.x" resolves to triggerInput.x.
type TriggerExecutor struct {
	now func() time.Time
}

func (e *TriggerExecutor) Execute(ctx context.Context, node *schema.WorkflowNode, input map[string]any, rc *RunContext) schema.NodeExecutionResult {
	cfg, cerr := decodeConfig[*schema.TriggerConfig](node)
	if cerr != nil {
		return Failure(node, input, nil, cerr)
	}

	now := time.Now
	if e.now != nil {
		now = e.now
	}

	event := cfg.Event
	if event == "" {
		event = ManualTriggerEvent
		if node.TriggerType == schema.TriggerEvent {
			event = EventTriggerEvent
		}
	}

	output := map[string]any{
		"triggerType": string(node.TriggerType),
		"timestamp":   now().UTC().Format(time.RFC3339Nano),
		"event":       event,
	}
	for k, v := range input {
		output[k] = v
	}
	for k, v := range rc.TriggerInput {
		output[k] = v
	}
	return Success(node, input, output)
}
