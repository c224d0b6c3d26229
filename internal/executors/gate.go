package executors

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/rendis/nodeflow/internal/expressions"
	"github.com/rendis/nodeflow/internal/variables"
	"github.com/rendis/nodeflow/pkg/schema"
)

// GateExecutor halts the run when its condition does not hold. A condition is
// either field/operator/value or a boolean expression.
type GateExecutor struct {
	exprs *expressions.Registry
}

func (e *GateExecutor) Execute(ctx context.Context, node *schema.WorkflowNode, input map[string]any, rc *RunContext) schema.NodeExecutionResult {
	cfg, cerr := decodeConfig[*schema.GateConfig](node)
	if cerr != nil {
		return Failure(node, input, nil, cerr)
	}
	cond := cfg.Condition
	if cond == nil {
		return Failure(node, input, nil, schema.NewError(schema.ErrMissingField, "gate node requires a condition"))
	}
	if cond.Expression != "" {
		return e.evaluateExpression(ctx, node, input, cond, rc)
	}

	operator := cond.Operator
	if operator == "" {
		operator = schema.OperatorEquals
	}
	if operator != schema.OperatorEquals && operator != schema.OperatorNotEquals {
		return Failure(node, input, nil, schema.NewErrorf(schema.ErrValidation, "unsupported gate operator %q", operator))
	}

	fieldValue, err := resolveField(cond.Field, rc.PreviousResults)
	if err != nil {
		return Failure(node, input, nil, schema.AsError(err, schema.ErrReference))
	}

	met := valuesEqual(fieldValue, cond.Value)
	if operator == schema.OperatorNotEquals {
		met = !met
	}
	output := map[string]any{
		"conditionMet":  met,
		"fieldValue":    fieldValue,
		"expectedValue": cond.Value,
		"operator":      operator,
	}
	if !met {
		return blocked(node, input, output, fmt.Sprintf("gate condition not met: %s %s %s",
			describeValue(fieldValue), operator, describeValue(cond.Value)))
	}
	return Success(node, input, output)
}

func (e *GateExecutor) evaluateExpression(ctx context.Context, node *schema.WorkflowNode, input map[string]any, cond *schema.GateCondition, rc *RunContext) schema.NodeExecutionResult {
	lang := cond.Language
	if lang == "" {
		lang = expressions.DefaultLanguage
	}
	data := expressions.Scope(rc.PreviousResults, rc.TriggerInput)
	met, err := e.exprs.EvaluateBool(ctx, lang, cond.Expression, data)
	if err != nil {
		return Failure(node, input, nil, schema.AsError(err, schema.ErrGateConditionFailed))
	}
	output := map[string]any{
		"conditionMet": met,
		"expression":   cond.Expression,
		"language":     lang,
	}
	if !met {
		return blocked(node, input, output, fmt.Sprintf("gate condition not met: %s", cond.Expression))
	}
	return Success(node, input, output)
}

func blocked(node *schema.WorkflowNode, input map[string]any, output map[string]any, msg string) schema.NodeExecutionResult {
	res := Failure(node, input, output, schema.NewError(schema.ErrGateConditionFailed, msg))
	res.HaltReason = schema.HaltGateBlocked
	return res
}

// resolveField turns a gate field into a value. A {"$var": path} reference or
// a string starting with "$." is resolved against prior results; anything
// else is a literal.
func resolveField(field any, prior []schema.NodeExecutionResult) (any, error) {
	if path, ok := variables.Reference(field); ok {
		return variables.ResolvePath(path, prior)
	}
	if s, ok := field.(string); ok && strings.HasPrefix(s, "$.") {
		return variables.ResolvePath(s, prior)
	}
	return field, nil
}

// valuesEqual compares after a JSON round trip so numeric types agree.
// Strings never equal numbers.
func valuesEqual(a, b any) bool {
	return reflect.DeepEqual(jsonNormalize(a), jsonNormalize(b))
}

func jsonNormalize(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}

func describeValue(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
