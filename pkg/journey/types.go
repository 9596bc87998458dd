// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package journey implements the policy-driven authentication journey
// orchestrator: a resumable state machine that dispatches to registered
// step handlers and persists state after every handler invocation.
package journey

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/stacklok/idhive/pkg/events"
	"github.com/stacklok/idhive/pkg/storage"
)

// Orchestrator-level errors. Protocol services translate them to
// server_error at the wire unless the redirect URI is validated.
var (
	ErrNoPolicy        = errors.New("no_policy")
	ErrInvalidPolicy   = errors.New("invalid_policy")
	ErrJourneyNotFound = errors.New("journey_not_found")
	ErrJourneyExpired  = errors.New("journey_expired")
	ErrStepTimeout     = errors.New("step_timeout")
	ErrStepConfig      = errors.New("step_config_error")

	// ErrStepMismatch is returned when a Continue carries a step_id
	// expectation that does not match the journey's current step.
	ErrStepMismatch = errors.New("unexpected_step")
)

// Platform defaults, overridable per policy.
const (
	DefaultStepTimeout        = 300 * time.Second
	DefaultMaxJourneyDuration = 30 * time.Minute
)

// Outcome is a step handler's verdict.
type Outcome int

// Step outcomes.
const (
	OutcomeSuccess Outcome = iota
	OutcomeFail
	OutcomeRequireInput
	OutcomeSkip
	OutcomeBranch
	OutcomeComplete
)

// StepResult is what a handler invocation returns. Use the constructors
// below rather than building one by hand.
type StepResult struct {
	Outcome Outcome

	// Outputs are merged into journey_data on Success or Branch.
	Outputs map[string]any

	// ErrorCode and ErrorDescription accompany Fail.
	ErrorCode        string
	ErrorDescription string

	// ViewName and ViewModel accompany RequireInput.
	ViewName  string
	ViewModel map[string]any

	// BranchTarget is the step ID designated by Branch.
	BranchTarget string
}

// Success reports that the step completed; outputs merge into journey data.
func Success(outputs map[string]any) *StepResult {
	return &StepResult{Outcome: OutcomeSuccess, Outputs: outputs}
}

// Fail reports a step failure with an error code and description.
func Fail(code, description string) *StepResult {
	return &StepResult{Outcome: OutcomeFail, ErrorCode: code, ErrorDescription: description}
}

// RequireInput suspends the journey until the user submits the named view.
func RequireInput(viewName string, viewModel map[string]any) *StepResult {
	return &StepResult{Outcome: OutcomeRequireInput, ViewName: viewName, ViewModel: viewModel}
}

// Skip passes over the step without executing it.
func Skip() *StepResult {
	return &StepResult{Outcome: OutcomeSkip}
}

// Branch jumps to an explicit step, merging outputs first.
func Branch(stepID string, outputs map[string]any) *StepResult {
	return &StepResult{Outcome: OutcomeBranch, BranchTarget: stepID, Outputs: outputs}
}

// Complete terminates the journey successfully from this step.
func Complete(outputs map[string]any) *StepResult {
	return &StepResult{Outcome: OutcomeComplete, Outputs: outputs}
}

// Messaging delivers out-of-band challenges for MFA steps.
type Messaging interface {
	SendSMS(ctx context.Context, phoneNumber, body string) error
	SendEmail(ctx context.Context, address, subject, body string) error
}

// Capabilities is the bundle of external dependencies handed to step
// handlers. Handlers reach stores and side channels only through it.
type Capabilities struct {
	Users     storage.UserStore
	Roles     storage.RoleStore
	Consents  storage.ConsentStore
	Resources storage.ResourceStore
	Clients   storage.ClientStore
	Events    *events.Emitter
	Messaging Messaging

	// HTTPClient is used for webhook callouts. Nil falls back to
	// http.DefaultClient.
	HTTPClient *http.Client
}

// ExecutionContext is handed to a handler for one invocation. JourneyData
// is read/write through the helpers; UserInput is read-only.
type ExecutionContext struct {
	State  *storage.JourneyState
	Step   *storage.PolicyStep
	Policy *storage.JourneyPolicy

	// Input is the user input for this invocation (already merged onto
	// State.UserInput).
	Input map[string]any

	Capabilities *Capabilities
}

// Data returns a journey-data value.
func (ec *ExecutionContext) Data(key string) (any, bool) {
	v, ok := ec.State.JourneyData[key]
	return v, ok
}

// SetData writes a journey-data value.
func (ec *ExecutionContext) SetData(key string, value any) {
	if ec.State.JourneyData == nil {
		ec.State.JourneyData = make(map[string]any)
	}
	ec.State.JourneyData[key] = value
}

// InputString returns a string-typed user input, empty when absent.
func (ec *ExecutionContext) InputString(key string) string {
	s, _ := ec.Input[key].(string)
	return s
}

// Config returns a step-config value.
func (ec *ExecutionContext) Config(key string) (any, bool) {
	v, ok := ec.Step.Config[key]
	return v, ok
}

// ConfigString returns a string-typed step-config value with a default.
func (ec *ExecutionContext) ConfigString(key, fallback string) string {
	if s, ok := ec.Step.Config[key].(string); ok && s != "" {
		return s
	}
	return fallback
}

// ConfigBool returns a bool-typed step-config value.
func (ec *ExecutionContext) ConfigBool(key string) bool {
	b, _ := ec.Step.Config[key].(bool)
	return b
}

// Activation returns the CEL variable bindings for this invocation, for
// handlers that evaluate their own conditional configuration.
func (ec *ExecutionContext) Activation() map[string]any {
	return buildActivation(ec.Policy, ec.State)
}

// SetUser marks the journey's principal as authenticated.
func (ec *ExecutionContext) SetUser(user *storage.User) {
	ec.State.UserID = user.ID
	attrs := map[string]any{
		"id":          user.ID,
		"username":    user.Username,
		"email":       user.Email,
		"mfa_enabled": user.MFAEnabled,
	}
	for k, v := range user.Claims {
		if _, reserved := attrs[k]; !reserved {
			attrs[k] = v
		}
	}
	ec.SetData("user", attrs)
}

// AppendAMR records an authentication method reference without duplicates.
func (ec *ExecutionContext) AppendAMR(method string) {
	current, _ := ec.State.JourneyData["amr"].([]any)
	for _, m := range current {
		if m == method {
			return
		}
	}
	ec.SetData("amr", append(current, method))
}

// Handler executes a single journey step type.
type Handler interface {
	// Type is the step-type string policies reference.
	Type() string

	// Execute runs the step. A returned error counts against the step's
	// retry budget; business failures are reported via Fail instead.
	Execute(ctx context.Context, ec *ExecutionContext) (*StepResult, error)
}

// StartContext carries everything needed to match a policy and start a
// journey.
type StartContext struct {
	TenantID      string
	ClientID      string
	Type          storage.JourneyType
	Scopes        []string
	ACRValues     []string
	Params        map[string]string
	CorrelationID string
}

// StepInput is the payload of a Continue call. StepID, when set, must match
// the journey's current step.
type StepInput struct {
	StepID string
	Values map[string]any
}

// Result is what Start and Continue return. Inspect State.Status: a
// Completed journey carries OutputClaims, an AwaitingInput journey carries
// the view to render, a Failed journey carries State.Error.
type Result struct {
	State *storage.JourneyState

	ViewName  string
	ViewModel map[string]any

	// OutputClaims is the policy's output_claims mapping applied to the
	// final journey data; set only on completion.
	OutputClaims map[string]any
}
