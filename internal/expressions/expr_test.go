package expressions

import (
	"context"
	"testing"

	"github.com/rendis/nodeflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExprEngine_Name(t *testing.T) {
	assert.Equal(t, "expr", NewExprEngine().Name())
}

func TestExpr_GateConditions(t *testing.T) {
	e := NewExprEngine()

	tests := []struct {
		expr string
		want any
	}{
		{`steps["Fetch User"].statusCode == 200`, true},
		{`steps["Fetch User"].body.seats >= 10 and trigger.region in ["eu", "us"]`, true},
		{`steps["Fetch User"].body?.missing ?? "none"`, "none"},
		{`trigger.region == "us"`, false},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			out, err := e.Evaluate(context.Background(), tt.expr, gateData())
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestExpr_CompileCached(t *testing.T) {
	e := NewExprEngine()
	_, err := e.Evaluate(context.Background(), `trigger.region == "eu"`, gateData())
	require.NoError(t, err)
	_, err = e.Evaluate(context.Background(), `trigger.region == "eu"`, gateData())
	require.NoError(t, err)
	assert.Equal(t, 1, e.progs.size())

	require.NoError(t, e.Check(`trigger.region == "eu"`))
	assert.Equal(t, 1, e.progs.size(), "checked and evaluated programs share the cache")
}

func TestExpr_Errors(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Evaluate(context.Background(), "", nil)
	assert.Equal(t, schema.ErrValidation, schema.KindOf(err))

	_, err = e.Evaluate(context.Background(), `trigger.region ==`, gateData())
	assert.Equal(t, schema.ErrValidation, schema.KindOf(err))
}
