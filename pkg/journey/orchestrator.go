// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package journey

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/idhive/pkg/events"
	"github.com/stacklok/idhive/pkg/logger"
	"github.com/stacklok/idhive/pkg/storage"
)

// Orchestrator drives journey state machines. It is the exclusive writer of
// journey state: step execution for a single journey is serialized through
// a per-journey lock, and every write goes through a conditional update so
// a concurrent writer in another process loses with ErrConflict.
type Orchestrator struct {
	states    storage.JourneyStateStore
	policies  storage.JourneyPolicyStore
	registry  *Registry
	evaluator *Evaluator
	caps      *Capabilities
	emitter   *events.Emitter

	locks keyedMutex
}

// NewOrchestrator wires an orchestrator. The emitter may be nil.
func NewOrchestrator(
	states storage.JourneyStateStore,
	policies storage.JourneyPolicyStore,
	registry *Registry,
	evaluator *Evaluator,
	caps *Capabilities,
	emitter *events.Emitter,
) *Orchestrator {
	if caps == nil {
		caps = &Capabilities{}
	}
	if emitter == nil {
		emitter = events.NewEmitter()
	}
	return &Orchestrator{
		states:    states,
		policies:  policies,
		registry:  registry,
		evaluator: evaluator,
		caps:      caps,
		emitter:   emitter,
	}
}

// Policy loads a policy by id, for callers selecting one explicitly.
// Disabled and unknown policies are both ErrInvalidPolicy.
func (o *Orchestrator) Policy(ctx context.Context, tenantID, policyID string) (*storage.JourneyPolicy, error) {
	policy, err := o.policies.GetPolicy(ctx, tenantID, policyID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPolicy, policyID)
	}
	if !policy.Enabled {
		return nil, fmt.Errorf("%w: %s is disabled", ErrInvalidPolicy, policyID)
	}
	return policy, nil
}

// Start matches the highest-priority enabled policy for the context,
// creates a fresh journey, and executes it until it suspends or
// terminates. Fails with ErrNoPolicy when nothing matches.
func (o *Orchestrator) Start(ctx context.Context, sctx StartContext) (*Result, error) {
	policy, err := o.findMatching(ctx, sctx)
	if err != nil {
		return nil, err
	}
	return o.StartWithPolicy(ctx, policy, sctx)
}

// StartWithPolicy starts a journey under an explicit policy, skipping
// matching. Fails with ErrInvalidPolicy when the policy has no steps.
func (o *Orchestrator) StartWithPolicy(ctx context.Context, policy *storage.JourneyPolicy, sctx StartContext) (*Result, error) {
	if len(policy.Steps) == 0 {
		return nil, fmt.Errorf("%w: policy %s has no steps", ErrInvalidPolicy, policy.ID)
	}

	now := time.Now()
	maxDur := DefaultMaxJourneyDuration
	if policy.MaxJourneySeconds > 0 {
		maxDur = time.Duration(policy.MaxJourneySeconds) * time.Second
	}

	state := &storage.JourneyState{
		ID:            uuid.NewString(),
		PolicyID:      policy.ID,
		TenantID:      sctx.TenantID,
		ClientID:      sctx.ClientID,
		CorrelationID: sctx.CorrelationID,
		CurrentStepID: firstStep(policy).ID,
		Status:        storage.JourneyInProgress,
		JourneyData: map[string]any{
			"request": requestContext(policy, sctx),
		},
		UserInput:      map[string]any{},
		RetryCounts:    map[string]int{},
		StartedAt:      now,
		ExpiresAt:      now.Add(maxDur),
		LastActivityAt: now,
	}

	unlock := o.locks.lock(lockKey(state.TenantID, state.ID))
	defer unlock()

	if err := o.states.PutState(ctx, state); err != nil {
		return nil, fmt.Errorf("failed to persist journey state: %w", err)
	}
	o.emitter.Emit(ctx, events.Event{
		Name:     events.JourneyStarted,
		TenantID: state.TenantID,
		ClientID: state.ClientID,
		Details:  map[string]any{"journey_id": state.ID, "policy_id": policy.ID},
		At:       now,
	})
	return o.run(ctx, policy, state)
}

// Continue resumes a suspended journey with user input. The input's StepID
// expectation, when set, must match the journey's current step.
func (o *Orchestrator) Continue(ctx context.Context, tenantID, journeyID string, input StepInput) (*Result, error) {
	unlock := o.locks.lock(lockKey(tenantID, journeyID))
	defer unlock()

	state, err := o.states.GetState(ctx, tenantID, journeyID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrExpired) {
			return nil, ErrJourneyNotFound
		}
		return nil, fmt.Errorf("failed to load journey state: %w", err)
	}
	if state.Status.Terminal() {
		return nil, fmt.Errorf("%w: journey is %s", ErrJourneyNotFound, state.Status)
	}
	if time.Now().After(state.ExpiresAt) {
		o.expire(ctx, state)
		return nil, ErrJourneyExpired
	}
	if input.StepID != "" && input.StepID != state.CurrentStepID {
		return nil, fmt.Errorf("%w: got step %s, journey is at %s", ErrStepMismatch, input.StepID, state.CurrentStepID)
	}

	policy, err := o.policies.GetPolicy(ctx, state.TenantID, state.PolicyID)
	if err != nil {
		return nil, fmt.Errorf("%w: policy %s: %v", ErrInvalidPolicy, state.PolicyID, err)
	}

	state.UserInput = input.Values
	state.Status = storage.JourneyInProgress
	return o.run(ctx, policy, state)
}

// Cancel marks a journey Cancelled. Cancelling an already-terminal journey
// is a no-op.
func (o *Orchestrator) Cancel(ctx context.Context, tenantID, journeyID, reason string) error {
	unlock := o.locks.lock(lockKey(tenantID, journeyID))
	defer unlock()

	state, err := o.states.GetState(ctx, tenantID, journeyID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrExpired) {
			return ErrJourneyNotFound
		}
		return fmt.Errorf("failed to load journey state: %w", err)
	}
	if state.Status.Terminal() {
		return nil
	}

	expected := state.LastActivityAt
	state.Status = storage.JourneyCancelled
	state.Error = &storage.JourneyError{Code: "cancelled", Description: reason}
	state.LastActivityAt = time.Now()
	if err := o.states.UpdateState(ctx, state, expected); err != nil {
		return fmt.Errorf("failed to cancel journey: %w", err)
	}
	return nil
}

// findMatching returns the highest-priority enabled policy whose match
// conditions hold for the start context.
func (o *Orchestrator) findMatching(ctx context.Context, sctx StartContext) (*storage.JourneyPolicy, error) {
	candidates, err := o.policies.ListPolicies(ctx, sctx.TenantID, sctx.Type)
	if err != nil {
		return nil, fmt.Errorf("failed to list journey policies: %w", err)
	}
	activation := map[string]any{
		"data":    map[string]any{},
		"input":   map[string]any{},
		"user":    map[string]any{},
		"request": requestActivation(sctx),
	}
	for _, policy := range candidates {
		ok, err := o.evaluator.EvaluateAll(policy.MatchConditions, activation)
		if err != nil {
			logger.Errorw("policy match condition failed to evaluate",
				"policy_id", policy.ID, "tenant_id", sctx.TenantID, "error", err)
			continue
		}
		if ok {
			return policy, nil
		}
	}
	return nil, fmt.Errorf("%w: no policy matches tenant=%s client=%s type=%s",
		ErrNoPolicy, sctx.TenantID, sctx.ClientID, sctx.Type)
}

// run executes steps until the journey suspends, terminates, or errors.
// State is persisted after every handler invocation; the caller must hold
// the per-journey lock.
func (o *Orchestrator) run(ctx context.Context, policy *storage.JourneyPolicy, state *storage.JourneyState) (*Result, error) {
	expected := state.LastActivityAt
	persist := func() error {
		state.LastActivityAt = time.Now()
		if err := o.states.UpdateState(ctx, state, expected); err != nil {
			return fmt.Errorf("failed to persist journey state: %w", err)
		}
		expected = state.LastActivityAt
		return nil
	}

	// Bounded to catch branch cycles in misconfigured policies.
	maxTransitions := len(policy.Steps)*4 + 4
	for i := 0; i < maxTransitions; i++ {
		step := stepByID(policy, state.CurrentStepID)
		if step == nil {
			return o.failConfig(ctx, state, persist, fmt.Sprintf("step %s not found in policy %s", state.CurrentStepID, policy.ID))
		}

		res, execErr := o.executeStep(ctx, policy, state, step)
		if execErr != nil {
			return o.handleExecError(ctx, state, step, persist, execErr)
		}

		switch res.Outcome {
		case OutcomeRequireInput:
			state.Status = storage.JourneyAwaitingInput
			if err := persist(); err != nil {
				return nil, err
			}
			return &Result{State: state, ViewName: res.ViewName, ViewModel: res.ViewModel}, nil

		case OutcomeFail:
			if step.OnFailure != "" {
				state.CurrentStepID = step.OnFailure
				if err := persist(); err != nil {
					return nil, err
				}
				continue
			}
			return o.fail(ctx, state, persist, res.ErrorCode, res.ErrorDescription)

		case OutcomeComplete:
			mergeOutputs(state, res.Outputs)
			markCompleted(state, step.ID)
			return o.complete(ctx, policy, state, persist)

		case OutcomeBranch:
			if stepByID(policy, res.BranchTarget) == nil {
				return o.failConfig(ctx, state, persist, fmt.Sprintf("branch target %s not found", res.BranchTarget))
			}
			mergeOutputs(state, res.Outputs)
			markCompleted(state, step.ID)
			state.CurrentStepID = res.BranchTarget
			if err := persist(); err != nil {
				return nil, err
			}
			continue

		case OutcomeSuccess, OutcomeSkip:
			if res.Outcome == OutcomeSuccess {
				mergeOutputs(state, res.Outputs)
				markCompleted(state, step.ID)
			}
			next, done, cfgErr := nextStep(policy, state, step, res)
			if cfgErr != "" {
				return o.failConfig(ctx, state, persist, cfgErr)
			}
			if done {
				return o.complete(ctx, policy, state, persist)
			}
			state.CurrentStepID = next
			if err := persist(); err != nil {
				return nil, err
			}
		}
	}
	return o.failConfig(ctx, state, persist, fmt.Sprintf("policy %s exceeded %d step transitions", policy.ID, maxTransitions))
}

// executeStep evaluates pre-conditions and invokes the handler under the
// step timeout. A failed pre-condition yields Skip without executing.
func (o *Orchestrator) executeStep(ctx context.Context, policy *storage.JourneyPolicy, state *storage.JourneyState, step *storage.PolicyStep) (*StepResult, error) {
	if step.SkipIfCompleted && state.StepCompleted(step.ID) {
		return Skip(), nil
	}

	ok, err := o.evaluator.EvaluateAll(step.Conditions, buildActivation(policy, state))
	if err != nil {
		return nil, fmt.Errorf("%w: step %s: %v", ErrStepConfig, step.ID, err)
	}
	if !ok {
		return Skip(), nil
	}

	handler, found := o.registry.ForType(step.Type)
	if !found {
		return nil, fmt.Errorf("%w: no handler for step type %q", ErrStepConfig, step.Type)
	}

	stepCtx, cancel := context.WithTimeout(ctx, o.stepTimeout(policy, step))
	defer cancel()

	res, err := handler.Execute(stepCtx, &ExecutionContext{
		State:        state,
		Step:         step,
		Policy:       policy,
		Input:        state.UserInput,
		Capabilities: o.caps,
	})
	if err != nil {
		if stepCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: step %s exceeded its timeout", ErrStepTimeout, step.ID)
		}
		return nil, err
	}
	if res == nil {
		return nil, fmt.Errorf("%w: handler %q returned no result", ErrStepConfig, step.Type)
	}
	return res, nil
}

// handleExecError sorts a handler error into configuration failure,
// timeout, cancellation, or retry accounting.
func (o *Orchestrator) handleExecError(ctx context.Context, state *storage.JourneyState, step *storage.PolicyStep, persist func() error, execErr error) (*Result, error) {
	switch {
	case errors.Is(execErr, ErrStepConfig):
		return o.failConfig(ctx, state, persist, execErr.Error())

	case errors.Is(execErr, ErrStepTimeout):
		if _, err := o.fail(ctx, state, persist, "step_timeout", execErr.Error()); err != nil {
			return nil, err
		}
		return nil, execErr

	case ctx.Err() != nil:
		// Caller cancelled mid-step. Leave the journey InProgress so the
		// step is retried on the next Continue.
		if err := persist(); err != nil {
			return nil, err
		}
		return nil, ctx.Err()
	}

	if state.RetryCounts == nil {
		state.RetryCounts = map[string]int{}
	}
	state.RetryCounts[step.ID]++
	attempts := state.RetryCounts[step.ID]
	if attempts > step.MaxRetries {
		return o.fail(ctx, state, persist, "step_execution_failed", execErr.Error())
	}

	logger.Infow("journey step failed, will retry",
		"journey_id", state.ID, "step_id", step.ID,
		"attempt", attempts, "max_retries", step.MaxRetries)
	if err := persist(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("step %s failed (attempt %d of %d): %w", step.ID, attempts, step.MaxRetries+1, execErr)
}

// complete finishes the journey and applies the policy's output claims.
func (o *Orchestrator) complete(ctx context.Context, policy *storage.JourneyPolicy, state *storage.JourneyState, persist func() error) (*Result, error) {
	state.Status = storage.JourneyCompleted
	if err := persist(); err != nil {
		return nil, err
	}
	o.emitter.Emit(ctx, events.Event{
		Name:      events.JourneyCompleted,
		TenantID:  state.TenantID,
		ClientID:  state.ClientID,
		SubjectID: state.UserID,
		Details:   map[string]any{"journey_id": state.ID, "policy_id": state.PolicyID},
	})
	return &Result{State: state, OutputClaims: ApplyOutputClaims(policy, state)}, nil
}

// fail terminates the journey with the given error recorded on its state.
func (o *Orchestrator) fail(ctx context.Context, state *storage.JourneyState, persist func() error, code, description string) (*Result, error) {
	state.Status = storage.JourneyFailed
	state.Error = &storage.JourneyError{Code: code, Description: description}
	if err := persist(); err != nil {
		return nil, err
	}
	o.emitter.Emit(ctx, events.Event{
		Name:      events.JourneyFailed,
		TenantID:  state.TenantID,
		ClientID:  state.ClientID,
		SubjectID: state.UserID,
		Details:   map[string]any{"journey_id": state.ID, "policy_id": state.PolicyID, "error": code},
	})
	return &Result{State: state}, nil
}

func (o *Orchestrator) failConfig(ctx context.Context, state *storage.JourneyState, persist func() error, description string) (*Result, error) {
	if _, err := o.fail(ctx, state, persist, "step_config_error", description); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %s", ErrStepConfig, description)
}

// expire persists Expired status. Best effort: the caller already returns
// ErrJourneyExpired either way.
func (o *Orchestrator) expire(ctx context.Context, state *storage.JourneyState) {
	expected := state.LastActivityAt
	state.Status = storage.JourneyExpired
	state.Error = &storage.JourneyError{Code: "journey_expired"}
	state.LastActivityAt = time.Now()
	if err := o.states.UpdateState(ctx, state, expected); err != nil {
		logger.Errorw("failed to persist expired journey", "journey_id", state.ID, "error", err)
	}
}

func (o *Orchestrator) stepTimeout(policy *storage.JourneyPolicy, step *storage.PolicyStep) time.Duration {
	if step.TimeoutSeconds > 0 {
		return time.Duration(step.TimeoutSeconds) * time.Second
	}
	if policy.DefaultStepTimeoutSeconds > 0 {
		return time.Duration(policy.DefaultStepTimeoutSeconds) * time.Second
	}
	return DefaultStepTimeout
}

// buildActivation builds the CEL variable bindings for a running journey.
func buildActivation(policy *storage.JourneyPolicy, state *storage.JourneyState) map[string]any {
	data := state.JourneyData
	if data == nil {
		data = map[string]any{}
	}
	input := state.UserInput
	if input == nil {
		input = map[string]any{}
	}
	user := map[string]any{"id": state.UserID}
	if m, ok := data["user"].(map[string]any); ok {
		user = m
	}
	request := map[string]any{"client_id": state.ClientID, "type": string(policy.Type)}
	if m, ok := data["request"].(map[string]any); ok {
		request = m
	}
	return map[string]any{"data": data, "input": input, "user": user, "request": request}
}

// -----------------------------------------------------------------------
// Step selection helpers
// -----------------------------------------------------------------------

func firstStep(policy *storage.JourneyPolicy) *storage.PolicyStep {
	steps := orderedSteps(policy)
	return steps[0]
}

func stepByID(policy *storage.JourneyPolicy, id string) *storage.PolicyStep {
	for i := range policy.Steps {
		if policy.Steps[i].ID == id {
			return &policy.Steps[i]
		}
	}
	return nil
}

func orderedSteps(policy *storage.JourneyPolicy) []*storage.PolicyStep {
	steps := make([]*storage.PolicyStep, 0, len(policy.Steps))
	for i := range policy.Steps {
		steps = append(steps, &policy.Steps[i])
	}
	sort.Slice(steps, func(i, j int) bool {
		if steps[i].Order != steps[j].Order {
			return steps[i].Order < steps[j].Order
		}
		return steps[i].ID < steps[j].ID
	})
	return steps
}

// nextStep resolves where the journey goes after a Success or Skip: the
// explicit on_success target, a named branch designated by the step's
// outputs, or the next not-yet-completed step in order. done is true when
// no step remains.
func nextStep(policy *storage.JourneyPolicy, state *storage.JourneyState, step *storage.PolicyStep, res *StepResult) (next string, done bool, cfgErr string) {
	if step.OnSuccess != "" {
		if stepByID(policy, step.OnSuccess) == nil {
			return "", false, fmt.Sprintf("on_success target %s not found", step.OnSuccess)
		}
		return step.OnSuccess, false, ""
	}
	if name, ok := res.Outputs["branch"].(string); ok && name != "" {
		target, found := step.Branches[name]
		if !found {
			return "", false, fmt.Sprintf("step %s has no branch %q", step.ID, name)
		}
		if stepByID(policy, target) == nil {
			return "", false, fmt.Sprintf("branch target %s not found", target)
		}
		return target, false, ""
	}
	for _, candidate := range orderedSteps(policy) {
		if candidate.Order < step.Order || (candidate.Order == step.Order && candidate.ID <= step.ID) {
			continue
		}
		if state.StepCompleted(candidate.ID) {
			continue
		}
		return candidate.ID, false, ""
	}
	return "", true, ""
}

func mergeOutputs(state *storage.JourneyState, outputs map[string]any) {
	if len(outputs) == 0 {
		return
	}
	if state.JourneyData == nil {
		state.JourneyData = map[string]any{}
	}
	for k, v := range outputs {
		if k == "branch" {
			continue
		}
		state.JourneyData[k] = v
	}
}

func markCompleted(state *storage.JourneyState, stepID string) {
	if !state.StepCompleted(stepID) {
		state.CompletedSteps = append(state.CompletedSteps, stepID)
	}
}

func requestContext(policy *storage.JourneyPolicy, sctx StartContext) map[string]any {
	return map[string]any{
		"client_id":  sctx.ClientID,
		"type":       string(policy.Type),
		"scopes":     toAnySlice(sctx.Scopes),
		"acr_values": toAnySlice(sctx.ACRValues),
		"params":     toAnyMap(sctx.Params),
	}
}

func requestActivation(sctx StartContext) map[string]any {
	return map[string]any{
		"client_id":  sctx.ClientID,
		"type":       string(sctx.Type),
		"scopes":     toAnySlice(sctx.Scopes),
		"acr_values": toAnySlice(sctx.ACRValues),
		"params":     toAnyMap(sctx.Params),
	}
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func toAnyMap(in map[string]string) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func lockKey(tenantID, journeyID string) string {
	return tenantID + "\x00" + journeyID
}

// keyedMutex serializes callers per key. Entries are retained for the
// journey's lifetime; the map is bounded by the number of live journeys in
// this process.
type keyedMutex struct {
	mu sync.Map // key -> *sync.Mutex
}

func (k *keyedMutex) lock(key string) func() {
	v, _ := k.mu.LoadOrStore(key, &sync.Mutex{})
	m := v.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}
