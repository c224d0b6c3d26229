package expressions

import (
	"sync"

	"github.com/rendis/nodeflow/pkg/schema"
)

// programCache memoizes compiled programs by expression text. Safe for
// concurrent use; a program is compiled at most once.
type programCache[P any] struct {
	mu    sync.RWMutex
	progs map[string]P
}

func newProgramCache[P any]() *programCache[P] {
	return &programCache[P]{progs: make(map[string]P)}
}

// get returns the cached program for expression, compiling it on a miss.
// Compile failures are not cached.
func (c *programCache[P]) get(expression string, compile func(string) (P, error)) (P, error) {
	c.mu.RLock()
	prg, ok := c.progs[expression]
	c.mu.RUnlock()
	if ok {
		return prg, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if prg, ok := c.progs[expression]; ok {
		return prg, nil
	}
	prg, err := compile(expression)
	if err != nil {
		var zero P
		return zero, err
	}
	c.progs[expression] = prg
	return prg, nil
}

func (c *programCache[P]) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.progs)
}

func emptyExpression(lang string) *schema.NodeflowError {
	return schema.NewErrorf(schema.ErrValidation, "empty %s expression", lang).
		WithDetails(map[string]any{"language": lang})
}

// compileError reports an expression that failed to parse or compile.
func compileError(lang, expression string, err error) *schema.NodeflowError {
	return schema.NewErrorf(schema.ErrValidation, "%s compile error in %q: %s", lang, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression, "language": lang})
}

// evalError reports a compiled expression that failed at run time.
func evalError(lang, expression string, err error) *schema.NodeflowError {
	return schema.NewErrorf(schema.ErrGateConditionFailed, "%s evaluation failed for %q: %s", lang, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression, "language": lang})
}

// scopeVars are the top-level variables every expression may read.
var scopeVars = []string{"steps", "trigger"}

// withScopeDefaults returns data with missing scope variables set to empty maps.
func withScopeDefaults(data map[string]any) map[string]any {
	out := make(map[string]any, len(data)+len(scopeVars))
	for k, v := range data {
		out[k] = v
	}
	for _, k := range scopeVars {
		if out[k] == nil {
			out[k] = map[string]any{}
		}
	}
	return out
}
