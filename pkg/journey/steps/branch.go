// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package steps

import (
	"context"
	"fmt"

	"github.com/stacklok/idhive/pkg/journey"
)

// BranchStep routes the journey by evaluating configured rules in order:
//
//	{rules: [{when: "user.mfa_enabled == true", goto: "mfa"}, ...],
//	 default: "done"}
//
// The first rule whose condition holds wins; with no match the default
// target is taken, or the step succeeds and the normal ordering applies.
type BranchStep struct {
	evaluator *journey.Evaluator
}

// NewBranchStep returns the branch step handler.
func NewBranchStep(evaluator *journey.Evaluator) *BranchStep {
	return &BranchStep{evaluator: evaluator}
}

// Type implements journey.Handler.
func (*BranchStep) Type() string { return "branch" }

// Execute implements journey.Handler.
func (h *BranchStep) Execute(_ context.Context, ec *journey.ExecutionContext) (*journey.StepResult, error) {
	raw, _ := ec.Config("rules")
	rules, _ := raw.([]any)
	activation := ec.Activation()

	for i, r := range rules {
		rule, ok := r.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: branch rule %d is not an object", journey.ErrStepConfig, i)
		}
		when, _ := rule["when"].(string)
		target, _ := rule["goto"].(string)
		if when == "" || target == "" {
			return nil, fmt.Errorf("%w: branch rule %d needs when and goto", journey.ErrStepConfig, i)
		}
		matched, err := h.evaluator.Evaluate(when, activation)
		if err != nil {
			return nil, fmt.Errorf("%w: branch rule %d: %v", journey.ErrStepConfig, i, err)
		}
		if matched {
			return journey.Branch(target, nil), nil
		}
	}

	if fallback := ec.ConfigString("default", ""); fallback != "" {
		return journey.Branch(fallback, nil), nil
	}
	return journey.Success(nil), nil
}
