// Package expressions evaluates gate condition expressions. Three languages
// are available: cel (default), expr and jq. Every engine sees the same data
// shape, built by Scope.
package expressions

import (
	"context"
	"fmt"

	"github.com/rendis/nodeflow/pkg/schema"
)

// DefaultLanguage is used when a gate condition names no language.
const DefaultLanguage = "cel"

// Engine evaluates an expression against a data map.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Checker is implemented by engines that can compile an expression without
// evaluating it.
type Checker interface {
	Check(expression string) error
}

// Registry maps language names to engines.
type Registry struct {
	engines map[string]Engine
}

// NewRegistry builds a registry holding the cel, expr and jq engines.
func NewRegistry() (*Registry, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	r := &Registry{engines: make(map[string]Engine, 3)}
	for _, e := range []Engine{celEngine, NewExprEngine(), NewGoJQEngine()} {
		r.engines[e.Name()] = e
	}
	return r, nil
}

// Get returns the engine for a language, falling back to DefaultLanguage
// when lang is empty.
func (r *Registry) Get(lang string) (Engine, error) {
	if lang == "" {
		lang = DefaultLanguage
	}
	e, ok := r.engines[lang]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrValidation, "unknown expression language %q", lang).
			WithDetails(map[string]any{"language": lang})
	}
	return e, nil
}

// EvaluateBool evaluates expression and requires a boolean result.
func (r *Registry) EvaluateBool(ctx context.Context, lang, expression string, data map[string]any) (bool, error) {
	e, err := r.Get(lang)
	if err != nil {
		return false, err
	}
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrGateConditionFailed,
			"%s expression %q returned %s, not a boolean", e.Name(), expression, typeName(out)).
			WithDetails(map[string]any{"expression": expression, "language": e.Name()})
	}
	return b, nil
}

// Check reports whether expression compiles in lang. Engines without a
// Checker only have their language verified.
func (r *Registry) Check(lang, expression string) error {
	e, err := r.Get(lang)
	if err != nil {
		return err
	}
	if c, ok := e.(Checker); ok {
		return c.Check(expression)
	}
	return nil
}

func typeName(v any) string {
	if v == nil {
		return "null"
	}
	return fmt.Sprintf("%T", v)
}
