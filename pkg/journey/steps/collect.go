// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package steps

import (
	"context"
	"fmt"

	"github.com/stacklok/idhive/pkg/journey"
)

// Collect gathers declared form fields from the user. Config:
//
//	{view: "_SignUp", fields: [{name: "email", required: true}, ...]}
//
// Missing required fields re-prompt; collected values are merged into
// journey data under "submission".
type Collect struct{}

// NewCollect returns the collect step handler.
func NewCollect() *Collect { return &Collect{} }

// Type implements journey.Handler.
func (*Collect) Type() string { return "collect" }

// Execute implements journey.Handler.
func (h *Collect) Execute(_ context.Context, ec *journey.ExecutionContext) (*journey.StepResult, error) {
	raw, _ := ec.Config("fields")
	fields, _ := raw.([]any)
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: collect step %s declares no fields", journey.ErrStepConfig, ec.Step.ID)
	}
	view := ec.ConfigString("view", "_Collect")

	submission := make(map[string]any)
	var missing []any
	for i, f := range fields {
		field, ok := f.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: collect field %d is not an object", journey.ErrStepConfig, i)
		}
		name, _ := field["name"].(string)
		if name == "" {
			return nil, fmt.Errorf("%w: collect field %d has no name", journey.ErrStepConfig, i)
		}
		required, _ := field["required"].(bool)

		value, present := ec.Input[name]
		if !present || stringify(value) == "" {
			if required {
				missing = append(missing, name)
			}
			continue
		}
		submission[name] = value
	}

	if len(missing) > 0 || len(submission) == 0 {
		model := map[string]any{"fields": fields}
		if len(ec.Input) > 0 {
			model["missing"] = missing
		}
		return journey.RequireInput(view, model), nil
	}

	return journey.Success(map[string]any{"submission": submission}), nil
}
