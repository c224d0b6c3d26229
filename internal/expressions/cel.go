package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
)

// CELEngine implements Engine using Google's Common Expression Language.
type CELEngine struct {
	env   *cel.Env
	progs *programCache[cel.Program]
}

// NewCELEngine creates a CEL engine whose environment declares steps and
// trigger as map(string, dyn).
func NewCELEngine() (*CELEngine, error) {
	opts := make([]cel.EnvOption, 0, len(scopeVars))
	for _, name := range scopeVars {
		opts = append(opts, cel.Variable(name, cel.MapType(cel.StringType, cel.DynType)))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &CELEngine{env: env, progs: newProgramCache[cel.Program]()}, nil
}

func (e *CELEngine) Name() string { return "cel" }

// Evaluate runs expression with steps and trigger bound from data.
func (e *CELEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, emptyExpression(e.Name())
	}
	prg, err := e.progs.get(expression, e.compile)
	if err != nil {
		return nil, err
	}

	out, _, err := prg.Eval(withScopeDefaults(data))
	if err != nil {
		return nil, evalError(e.Name(), expression, err)
	}
	return out.Value(), nil
}

// Check compiles expression into the cache.
func (e *CELEngine) Check(expression string) error {
	_, err := e.progs.get(expression, e.compile)
	return err
}

func (e *CELEngine) compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if err := issues.Err(); err != nil {
		return nil, compileError(e.Name(), expression, err)
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, compileError(e.Name(), expression, err)
	}
	return prg, nil
}

var _ Engine = (*CELEngine)(nil)
