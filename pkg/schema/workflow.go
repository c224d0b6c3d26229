package schema

import (
	"encoding/json"
	"time"
)

// NodeKind distinguishes the single trigger node from action nodes.
type NodeKind string

const (
	NodeKindTrigger NodeKind = "trigger"
	NodeKindAction  NodeKind = "action"
)

// TriggerType enumerates how a workflow can be started.
type TriggerType string

const (
	TriggerManual TriggerType = "manual"
	TriggerEvent  TriggerType = "event"
)

// ActionType enumerates the executors an action node can dispatch to.
type ActionType string

const (
	ActionHTTP           ActionType = "http"
	ActionPlatformAction ActionType = "platform-action"
	ActionAI             ActionType = "ai"
	ActionGate           ActionType = "gate"
)

// Workflow is an authored, persisted node list.
type Workflow struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Nodes       []WorkflowNode `json:"nodes"`
	Schedule    string         `json:"schedule,omitempty"` // cron expression, empty = not scheduled
	Enabled     bool           `json:"enabled"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// WorkflowNode is one step of a workflow graph.
// Config is kept raw on the wire and decoded by DecodeConfig.
type WorkflowNode struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Kind        NodeKind        `json:"kind"`
	TriggerType TriggerType     `json:"triggerType,omitempty"`
	ActionType  ActionType      `json:"actionType,omitempty"`
	Config      json.RawMessage `json:"config,omitempty"`
}

// NodeConfig is the decoded, strongly typed config of a node. The concrete
// type is determined by (Kind, TriggerType|ActionType).
type NodeConfig interface {
	// Mapping returns the node's input mapping (may contain $var references).
	Mapping() map[string]any
	// TimeoutSpec returns the node-level timeout as a duration string, or "".
	TimeoutSpec() string
}

// TriggerConfig configures manual and event triggers.
type TriggerConfig struct {
	Event  string         `json:"event,omitempty"`
	Inputs map[string]any `json:"inputMapping,omitempty"`
}

func (c *TriggerConfig) Mapping() map[string]any { return c.Inputs }
func (c *TriggerConfig) TimeoutSpec() string     { return "" }

// HTTPConfig configures an HTTP node. The request itself (uri, method,
// headers, queryParameters, body) lives in the input mapping so it can
// reference prior outputs.
type HTTPConfig struct {
	Inputs  map[string]any `json:"inputMapping,omitempty"`
	Timeout string         `json:"timeout,omitempty"`
}

func (c *HTTPConfig) Mapping() map[string]any { return c.Inputs }
func (c *HTTPConfig) TimeoutSpec() string     { return c.Timeout }

// PlatformActionConfig configures a hosted-platform action call.
type PlatformActionConfig struct {
	ActionID     string         `json:"actionId"`
	ConnectionID string         `json:"connectionId,omitempty"`
	Inputs       map[string]any `json:"inputMapping,omitempty"`
	Timeout      string         `json:"timeout,omitempty"`
}

func (c *PlatformActionConfig) Mapping() map[string]any { return c.Inputs }
func (c *PlatformActionConfig) TimeoutSpec() string     { return c.Timeout }

// MCPConfig points an AI node at an external tool server.
type MCPConfig struct {
	URL     string            `json:"url"`
	Type    string            `json:"type"` // sse | http
	Headers map[string]string `json:"headers,omitempty"`
}

// AIConfig configures a model call.
type AIConfig struct {
	Inputs           map[string]any  `json:"inputMapping,omitempty"`
	Prompt           string          `json:"prompt,omitempty"`
	System           string          `json:"system,omitempty"`
	Model            string          `json:"model,omitempty"`
	StructuredOutput *bool           `json:"structuredOutput,omitempty"`
	OutputSchema     json.RawMessage `json:"outputSchema,omitempty"`
	MCP              *MCPConfig      `json:"mcp,omitempty"`
	Timeout          string          `json:"timeout,omitempty"`
}

func (c *AIConfig) Mapping() map[string]any { return c.Inputs }
func (c *AIConfig) TimeoutSpec() string     { return c.Timeout }

// Structured reports whether the node runs in structured mode (default true).
func (c *AIConfig) Structured() bool {
	return c.StructuredOutput == nil || *c.StructuredOutput
}

// Gate operators.
const (
	OperatorEquals    = "equals"
	OperatorNotEquals = "not_equals"
)

// GateCondition is either a field/operator/value comparison or, when
// Expression is set, a boolean expression in Language (cel, expr, jq).
type GateCondition struct {
	Field      any    `json:"field,omitempty"`
	Operator   string `json:"operator,omitempty"`
	Value      any    `json:"value,omitempty"`
	Expression string `json:"expression,omitempty"`
	Language   string `json:"language,omitempty"`
}

// GateConfig configures a conditional gate.
type GateConfig struct {
	Condition *GateCondition `json:"condition"`
	Timeout   string         `json:"timeout,omitempty"`
}

func (c *GateConfig) Mapping() map[string]any { return nil }
func (c *GateConfig) TimeoutSpec() string     { return c.Timeout }

// DecodeConfig decodes the raw config into the variant matching the node's
// kind and type.
func (n *WorkflowNode) DecodeConfig() (NodeConfig, error) {
	var cfg NodeConfig
	switch n.Kind {
	case NodeKindTrigger:
		switch n.TriggerType {
		case TriggerManual, TriggerEvent:
			cfg = &TriggerConfig{}
		default:
			return nil, NewErrorf(ErrUnsupportedTriggerType, "unsupported trigger type %q", n.TriggerType).WithNode(n.ID)
		}
	case NodeKindAction:
		switch n.ActionType {
		case ActionHTTP:
			cfg = &HTTPConfig{}
		case ActionPlatformAction:
			cfg = &PlatformActionConfig{}
		case ActionAI:
			cfg = &AIConfig{}
		case ActionGate:
			cfg = &GateConfig{}
		default:
			return nil, NewErrorf(ErrUnsupportedActionType, "unsupported action type %q", n.ActionType).WithNode(n.ID)
		}
	default:
		return nil, NewErrorf(ErrUnsupportedActionType, "unsupported node kind %q", n.Kind).WithNode(n.ID)
	}

	if len(n.Config) > 0 && string(n.Config) != "null" {
		if err := json.Unmarshal(n.Config, cfg); err != nil {
			return nil, NewErrorf(ErrValidation, "invalid config for node %q: %s", n.Name, err.Error()).
				WithNode(n.ID).WithCause(err)
		}
	}
	return cfg, nil
}
