package validation

import (
	"fmt"
	"strings"
	"time"

	"github.com/rendis/nodeflow/internal/ai"
	"github.com/rendis/nodeflow/internal/expressions"
	"github.com/rendis/nodeflow/internal/variables"
	"github.com/rendis/nodeflow/pkg/schema"
)

// ExpressionChecker compiles gate expressions. Satisfied by *expressions.Registry.
type ExpressionChecker interface {
	Check(lang, expression string) error
}

// validateSemantic performs the checks JSON Schema cannot express: unique
// ids and names, trigger placement, typed config requirements, timeouts and
// variable references to earlier nodes.
func validateSemantic(nodes []schema.WorkflowNode, exprs ExpressionChecker) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if len(nodes) == 0 {
		result.AddWarning("nodes", schema.ErrValidation, "workflow has no nodes")
		return result
	}

	ids := make(map[string]int, len(nodes))
	names := make(map[string]int, len(nodes))
	triggers := 0
	// prior holds one stub result per earlier node so references resolve
	// against the same names the engine will see at run time.
	prior := make([]schema.NodeExecutionResult, 0, len(nodes))

	for i := range nodes {
		node := &nodes[i]
		path := fmt.Sprintf("nodes[%d]", i)

		if j, dup := ids[node.ID]; dup {
			result.AddError(path+".id", schema.ErrValidation,
				fmt.Sprintf("duplicate node id %q (also nodes[%d])", node.ID, j))
		} else {
			ids[node.ID] = i
		}
		if j, dup := names[node.Name]; dup {
			result.AddError(path+".name", schema.ErrValidation,
				fmt.Sprintf("duplicate node name %q (also nodes[%d])", node.Name, j))
		} else {
			names[node.Name] = i
		}

		if node.Kind == schema.NodeKindTrigger {
			triggers++
			if triggers > 1 {
				result.AddError(path+".kind", schema.ErrValidation, "workflow has more than one trigger")
			} else if i != 0 {
				result.AddError(path+".kind", schema.ErrValidation, "trigger must be the first node")
			}
		}

		validateNodeConfig(node, path, prior, exprs, result)
		prior = append(prior, schema.NodeExecutionResult{NodeID: node.ID, NodeName: node.Name})
	}
	return result
}

// validateNodeConfig decodes the node config and checks its type-specific
// requirements.
func validateNodeConfig(node *schema.WorkflowNode, path string, prior []schema.NodeExecutionResult, exprs ExpressionChecker, result *schema.ValidationResult) {
	cfg, err := node.DecodeConfig()
	if err != nil {
		result.AddError(path+".config", schema.KindOf(err), messageOf(err))
		return
	}

	if spec := cfg.TimeoutSpec(); spec != "" {
		if d, err := time.ParseDuration(spec); err != nil || d <= 0 {
			result.AddError(path+".config.timeout", schema.ErrValidation,
				fmt.Sprintf("invalid timeout %q: want a positive duration such as \"30s\"", spec))
		}
	}

	for key, val := range cfg.Mapping() {
		if ref, ok := variables.Reference(val); ok {
			validateReference(ref, path+".config.inputMapping."+key, prior, result)
		}
	}

	switch c := cfg.(type) {
	case *schema.HTTPConfig:
		for _, field := range []string{"uri", "method"} {
			if _, ok := c.Inputs[field]; !ok {
				result.AddWarning(path+".config.inputMapping."+field, schema.ErrMissingField,
					fmt.Sprintf("http node has no %q input; the request will fail unless it is provided", field))
			}
		}

	case *schema.PlatformActionConfig:
		if c.ActionID == "" {
			result.AddError(path+".config.actionId", schema.ErrMissingField, "platform-action node requires actionId")
		}

	case *schema.AIConfig:
		if c.Prompt == "" {
			if _, ok := c.Inputs["prompt"]; !ok {
				result.AddError(path+".config.prompt", schema.ErrMissingField, "ai node requires a prompt")
			}
		}
		if c.Structured() {
			if _, err := ai.CompileOutputSchema(c.OutputSchema); err != nil {
				result.AddError(path+".config.outputSchema", schema.ErrValidation, err.Error())
			}
		}
		if c.MCP != nil {
			if c.MCP.URL == "" {
				result.AddError(path+".config.mcp.url", schema.ErrMissingField, "mcp requires url")
			}
			if c.MCP.Type != ai.TransportSSE && c.MCP.Type != ai.TransportHTTP {
				result.AddError(path+".config.mcp.type", schema.ErrValidation,
					fmt.Sprintf("mcp type must be %q or %q, got %q", ai.TransportSSE, ai.TransportHTTP, c.MCP.Type))
			}
		}

	case *schema.GateConfig:
		validateGate(c.Condition, path+".config.condition", prior, exprs, result)
	}
}

func validateGate(cond *schema.GateCondition, path string, prior []schema.NodeExecutionResult, exprs ExpressionChecker, result *schema.ValidationResult) {
	if cond == nil {
		result.AddError(path, schema.ErrMissingField, "gate node requires a condition")
		return
	}
	if cond.Expression != "" {
		if exprs == nil {
			return
		}
		if err := exprs.Check(cond.Language, cond.Expression); err != nil {
			result.AddError(path+".expression", schema.ErrValidation, messageOf(err))
		}
		return
	}

	switch cond.Operator {
	case "", schema.OperatorEquals, schema.OperatorNotEquals:
	default:
		result.AddError(path+".operator", schema.ErrValidation,
			fmt.Sprintf("unknown operator %q: want %q or %q", cond.Operator, schema.OperatorEquals, schema.OperatorNotEquals))
	}

	switch f := cond.Field.(type) {
	case nil:
		result.AddError(path+".field", schema.ErrMissingField, "gate condition requires field or expression")
	case string:
		if strings.HasPrefix(f, "$.") {
			validateReference(f, path+".field", prior, result)
		}
	default:
		if ref, ok := variables.Reference(f); ok {
			validateReference(ref, path+".field", prior, result)
		}
	}
}

// validateReference checks that ref parses and names a node that runs
// before the referencing one.
func validateReference(ref, path string, prior []schema.NodeExecutionResult, result *schema.ValidationResult) {
	if _, err := variables.Lookup(ref, prior); err != nil {
		result.AddError(path, schema.ErrReference, messageOf(err))
	}
}

func messageOf(err error) string {
	if nfErr := schema.AsError(err, schema.ErrValidation); nfErr != nil {
		return nfErr.Message
	}
	return err.Error()
}

var _ ExpressionChecker = (*expressions.Registry)(nil)
