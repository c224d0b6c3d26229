package expressions

import (
	"context"

	"github.com/itchyny/gojq"
)

// GoJQEngine implements Engine using gojq. The scope map is the jq input,
// so conditions read like `.steps["Fetch User"].statusCode == 200`.
type GoJQEngine struct {
	progs *programCache[*gojq.Code]
}

// NewGoJQEngine creates a jq engine.
func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{progs: newProgramCache[*gojq.Code]()}
}

func (e *GoJQEngine) Name() string { return "jq" }

// Evaluate runs a jq program against data. One output is returned as is,
// several are collected into []any, none yields nil.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, emptyExpression(e.Name())
	}
	code, err := e.progs.get(expression, e.compile)
	if err != nil {
		return nil, err
	}

	var outputs []any
	iter := code.RunWithContext(ctx, toJSONValue(withScopeDefaults(data)))
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, evalError(e.Name(), expression, err)
		}
		outputs = append(outputs, v)
	}

	switch len(outputs) {
	case 0:
		return nil, nil
	case 1:
		return outputs[0], nil
	default:
		return outputs, nil
	}
}

// Check parses and compiles expression into the cache.
func (e *GoJQEngine) Check(expression string) error {
	_, err := e.progs.get(expression, e.compile)
	return err
}

// compile disables $ENV so gate conditions cannot read the process environment.
func (e *GoJQEngine) compile(expression string) (*gojq.Code, error) {
	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, compileError(e.Name(), expression, err)
	}
	code, err := gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return nil, compileError(e.Name(), expression, err)
	}
	return code, nil
}

var _ Engine = (*GoJQEngine)(nil)
