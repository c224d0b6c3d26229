package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/rendis/nodeflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gateData() map[string]any {
	return map[string]any{
		"steps": map[string]any{
			"Fetch User": map[string]any{
				"statusCode": 200.0,
				"body":       map[string]any{"plan": "pro", "seats": 12.0},
			},
		},
		"trigger": map[string]any{"region": "eu"},
	}
}

func TestNewCELEngine(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	assert.Equal(t, "cel", e.Name())
}

func TestCEL_StepAndTriggerAccess(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	tests := []struct {
		expr string
		want bool
	}{
		{`steps["Fetch User"].statusCode == 200.0`, true},
		{`steps["Fetch User"].body.plan == "pro" && trigger.region == "eu"`, true},
		{`steps["Fetch User"].body.seats > 20.0`, false},
		{`"region" in trigger`, true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			out, err := e.Evaluate(context.Background(), tt.expr, gateData())
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestCEL_MissingVariablesDefaultToEmpty(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(), `size(steps) == 0 && size(trigger) == 0`, nil)
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCEL_Errors(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), "", gateData())
	assert.Equal(t, schema.ErrValidation, schema.KindOf(err))

	_, err = e.Evaluate(context.Background(), `steps[`, gateData())
	assert.Equal(t, schema.ErrValidation, schema.KindOf(err))

	_, err = e.Evaluate(context.Background(), `steps["Ghost"].statusCode == 1`, gateData())
	assert.Equal(t, schema.ErrGateConditionFailed, schema.KindOf(err))
}

func TestCEL_ConcurrentEvaluate(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := e.Evaluate(context.Background(), `trigger.region == "eu"`, gateData())
			assert.NoError(t, err)
			assert.Equal(t, true, out)
		}()
	}
	wg.Wait()
}
