// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package events provides the in-process event sink for authentication and
// consent events. Steps and protocol services emit events; sinks fan them
// out to audit logs or external processors.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/stacklok/idhive/pkg/logger"
)

// Event names emitted by the authentication core.
const (
	ConsentGranted    = "consent_granted"
	ConsentDenied     = "consent_denied"
	UserAuthenticated = "user_authenticated"
	UserProvisioned   = "user_provisioned"
	JourneyStarted    = "journey_started"
	JourneyCompleted  = "journey_completed"
	JourneyFailed     = "journey_failed"
	TokenIssued       = "token_issued"
	KeyRotated        = "key_rotated"
)

// Event is a single emitted event with its context.
type Event struct {
	Name      string
	TenantID  string
	ClientID  string
	SubjectID string
	Details   map[string]any
	At        time.Time
}

// Sink receives emitted events. Implementations must not block; slow
// consumers should buffer internally.
type Sink interface {
	Emit(ctx context.Context, evt Event)
}

// Emitter fans events out to registered sinks. The zero value is usable and
// logs events at debug level.
type Emitter struct {
	mu    sync.RWMutex
	sinks []Sink
}

// NewEmitter creates an Emitter with the given sinks.
func NewEmitter(sinks ...Sink) *Emitter {
	return &Emitter{sinks: sinks}
}

// Register adds a sink. Intended for startup wiring; sinks registered after
// traffic starts may miss earlier events.
func (e *Emitter) Register(sink Sink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sinks = append(e.sinks, sink)
}

// Emit delivers the event to all sinks. The timestamp is stamped here if the
// caller left it zero. A nil Emitter drops events.
func (e *Emitter) Emit(ctx context.Context, evt Event) {
	if e == nil {
		return
	}
	if evt.At.IsZero() {
		evt.At = time.Now()
	}
	logger.Debugw("event emitted",
		"event", evt.Name,
		"tenant_id", evt.TenantID,
		"client_id", evt.ClientID,
	)

	e.mu.RLock()
	sinks := e.sinks
	e.mu.RUnlock()
	for _, sink := range sinks {
		sink.Emit(ctx, evt)
	}
}

// Recorder is a Sink that remembers events, for tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements Sink.
func (r *Recorder) Emit(_ context.Context, evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Named returns the recorded events with the given name.
func (r *Recorder) Named(name string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, evt := range r.events {
		if evt.Name == name {
			out = append(out, evt)
		}
	}
	return out
}
