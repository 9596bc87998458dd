// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package journey

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// Evaluator evaluates CEL expressions over the journey context: boolean
// predicates for conditions and policy matching, arbitrary values for data
// transforms. Expressions see four map variables:
//
//	data    - accumulated journey data
//	input   - last-received user input
//	user    - the authenticated user's attributes (id, mfa_enabled, ...)
//	request - the start context (client_id, type, scopes, acr_values, params)
//
// Compiled programs are cached; a policy's conditions compile once per
// process.
type Evaluator struct {
	env *cel.Env

	mu       sync.RWMutex
	programs map[string]cel.Program
}

// NewEvaluator builds the CEL environment. Construction fails only on an
// internal cel-go misconfiguration.
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("data", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("input", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("user", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("request", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &Evaluator{env: env, programs: make(map[string]cel.Program)}, nil
}

// compile returns the cached program for the expression, compiling it on
// first use. Output-type enforcement is the caller's concern: Evaluate
// requires a boolean, EvaluateValue accepts anything.
func (e *Evaluator) compile(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.programs[expr]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile expression %q: %w", expr, issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to plan expression %q: %w", expr, err)
	}

	e.mu.Lock()
	e.programs[expr] = prg
	e.mu.Unlock()
	return prg, nil
}

// Evaluate runs a single condition against the activation.
func (e *Evaluator) Evaluate(expr string, activation map[string]any) (bool, error) {
	prg, err := e.compile(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(activation)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate condition %q: %w", expr, err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition %q returned %T, want bool", expr, out.Value())
	}
	return result, nil
}

// EvaluateValue runs an expression and returns its value, for callers
// mapping data rather than testing predicates (the transform step).
func (e *Evaluator) EvaluateValue(expr string, activation map[string]any) (any, error) {
	prg, err := e.compile(expr)
	if err != nil {
		return nil, err
	}
	out, _, err := prg.Eval(activation)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate expression %q: %w", expr, err)
	}
	return out.Value(), nil
}

// EvaluateAll reports whether every condition holds. An empty list holds
// vacuously.
func (e *Evaluator) EvaluateAll(exprs []string, activation map[string]any) (bool, error) {
	for _, expr := range exprs {
		ok, err := e.Evaluate(expr, activation)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}
