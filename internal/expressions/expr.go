package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ExprEngine implements Engine using expr-lang/expr. Gate authors get nil
// coalescing (??), optional chaining (?.) and the array builtins.
type ExprEngine struct {
	progs *programCache[*vm.Program]
}

// NewExprEngine creates an expr engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{progs: newProgramCache[*vm.Program]()}
}

func (e *ExprEngine) Name() string { return "expr" }

// Evaluate runs expression with the keys of data as top-level variables.
func (e *ExprEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, emptyExpression(e.Name())
	}
	prg, err := e.progs.get(expression, e.compile)
	if err != nil {
		return nil, err
	}

	out, err := vm.Run(prg, withScopeDefaults(data))
	if err != nil {
		return nil, evalError(e.Name(), expression, err)
	}
	return out, nil
}

// Check compiles expression into the cache.
func (e *ExprEngine) Check(expression string) error {
	_, err := e.progs.get(expression, e.compile)
	return err
}

// compile types steps and trigger as dynamic maps; any other name is
// undefined and evaluates to nil.
func (e *ExprEngine) compile(expression string) (*vm.Program, error) {
	prg, err := expr.Compile(expression,
		expr.Env(withScopeDefaults(nil)),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, compileError(e.Name(), expression, err)
	}
	return prg, nil
}

var _ Engine = (*ExprEngine)(nil)
