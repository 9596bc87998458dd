// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package audit writes platform events to an append-only audit trail.
// Each event becomes one JSON object per line, so the trail can be
// tailed, shipped, or replayed with standard tooling.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/stacklok/idhive/pkg/events"
	"github.com/stacklok/idhive/pkg/logger"
)

// Record is the serialized form of an audited event.
type Record struct {
	Time      time.Time      `json:"time"`
	Event     string         `json:"event"`
	TenantID  string         `json:"tenant_id,omitempty"`
	ClientID  string         `json:"client_id,omitempty"`
	SubjectID string         `json:"subject_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Logger is an events.Sink that appends one JSON line per event to a
// writer. Writes are serialized; a write failure is logged and the
// event dropped rather than failing the operation that emitted it.
type Logger struct {
	mu  sync.Mutex
	out io.Writer
}

// NewLogger creates a Logger writing to out.
func NewLogger(out io.Writer) *Logger {
	return &Logger{out: out}
}

// Emit implements events.Sink.
func (l *Logger) Emit(_ context.Context, evt events.Event) {
	at := evt.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	line, err := json.Marshal(Record{
		Time:      at,
		Event:     evt.Name,
		TenantID:  evt.TenantID,
		ClientID:  evt.ClientID,
		SubjectID: evt.SubjectID,
		Details:   evt.Details,
	})
	if err != nil {
		logger.Errorw("failed to serialize audit record", "event", evt.Name, "error", err)
		return
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.out.Write(line); err != nil {
		logger.Errorw("failed to write audit record", "event", evt.Name, "error", err)
	}
}
