package expressions

import (
	"encoding/json"

	"github.com/rendis/nodeflow/pkg/schema"
)

// Scope builds the data map an expression is evaluated against:
//
//	steps:   node outputs keyed by node name and by node id
//	trigger: the run's trigger input
//
// Outputs are passed through a JSON round trip so every engine sees plain
// maps, slices, strings, bools and float64 numbers.
func Scope(prior []schema.NodeExecutionResult, trigger map[string]any) map[string]any {
	steps := make(map[string]any, len(prior)*2)
	for _, r := range prior {
		out := toJSONValue(r.Output)
		if r.NodeID != "" {
			steps[r.NodeID] = out
		}
		if r.NodeName != "" {
			steps[r.NodeName] = out
		}
	}
	t, _ := toJSONValue(trigger).(map[string]any)
	if t == nil {
		t = map[string]any{}
	}
	return map[string]any{
		"steps":   steps,
		"trigger": t,
	}
}

func toJSONValue(v any) any {
	if v == nil {
		return nil
	}
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
