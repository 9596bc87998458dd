// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package steps

import (
	"context"
	"fmt"
	"strings"

	"github.com/stacklok/idhive/pkg/journey"
)

// Transform applies declared source-to-target mappings over journey data.
// Each mapping is a config object:
//
//	{source: "user.email", target: "email_lower", operation: "lowercase"}
//
// Supported operations: lowercase, uppercase, trim, split (args.separator),
// join (args.separator), replace (args.old, args.new), copy (default), and
// expression. An expression mapping carries a CEL expression instead of a
// source path:
//
//	{target: "display_name", operation: "expression",
//	 expression: "user.given_name + ' ' + user.family_name"}
//
// and sees the same data/input/user/request bindings as step conditions.
type Transform struct {
	evaluator *journey.Evaluator
}

// NewTransform returns the transform step handler.
func NewTransform(evaluator *journey.Evaluator) *Transform {
	return &Transform{evaluator: evaluator}
}

// Type implements journey.Handler.
func (*Transform) Type() string { return "transform" }

// Execute implements journey.Handler.
func (h *Transform) Execute(_ context.Context, ec *journey.ExecutionContext) (*journey.StepResult, error) {
	raw, _ := ec.Config("mappings")
	mappings, _ := raw.([]any)

	outputs := make(map[string]any)
	for i, m := range mappings {
		mapping, ok := m.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: transform mapping %d is not an object", journey.ErrStepConfig, i)
		}
		source, _ := mapping["source"].(string)
		target, _ := mapping["target"].(string)
		operation, _ := mapping["operation"].(string)
		if target == "" {
			return nil, fmt.Errorf("%w: transform mapping %d needs a target", journey.ErrStepConfig, i)
		}

		if operation == "expression" {
			expr, _ := mapping["expression"].(string)
			if expr == "" {
				return nil, fmt.Errorf("%w: transform mapping %d needs an expression", journey.ErrStepConfig, i)
			}
			value, err := h.evaluator.EvaluateValue(expr, ec.Activation())
			if err != nil {
				return nil, fmt.Errorf("%w: transform mapping %d: %v", journey.ErrStepConfig, i, err)
			}
			outputs[target] = value
			continue
		}

		if source == "" {
			return nil, fmt.Errorf("%w: transform mapping %d needs source and target", journey.ErrStepConfig, i)
		}
		value, found := resolveData(ec, source)
		if !found {
			continue
		}
		args, _ := mapping["args"].(map[string]any)
		transformed, err := applyOperation(operation, value, args)
		if err != nil {
			return nil, fmt.Errorf("%w: transform mapping %d: %v", journey.ErrStepConfig, i, err)
		}
		outputs[target] = transformed
	}
	return journey.Success(outputs), nil
}

func applyOperation(operation string, value any, args map[string]any) (any, error) {
	switch operation {
	case "", "copy":
		return value, nil
	case "lowercase":
		return strings.ToLower(stringify(value)), nil
	case "uppercase":
		return strings.ToUpper(stringify(value)), nil
	case "trim":
		return strings.TrimSpace(stringify(value)), nil
	case "split":
		sep, _ := args["separator"].(string)
		if sep == "" {
			sep = ","
		}
		parts := strings.Split(stringify(value), sep)
		out := make([]any, len(parts))
		for i, p := range parts {
			out[i] = p
		}
		return out, nil
	case "join":
		sep, _ := args["separator"].(string)
		if sep == "" {
			sep = ","
		}
		items, ok := value.([]any)
		if !ok {
			return nil, fmt.Errorf("join source is %T, want a list", value)
		}
		parts := make([]string, len(items))
		for i, item := range items {
			parts[i] = stringify(item)
		}
		return strings.Join(parts, sep), nil
	case "replace":
		oldStr, _ := args["old"].(string)
		newStr, _ := args["new"].(string)
		return strings.ReplaceAll(stringify(value), oldStr, newStr), nil
	default:
		return nil, fmt.Errorf("unknown operation %q", operation)
	}
}

// resolveData resolves a dotted path into journey data.
func resolveData(ec *journey.ExecutionContext, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var current any = ec.State.JourneyData
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
