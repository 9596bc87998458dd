// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/idhive/pkg/events"
)

func TestLoggerWritesOneLinePerEvent(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := NewLogger(&buf)

	at := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	l.Emit(context.Background(), events.Event{
		Name:      events.TokenIssued,
		TenantID:  "acme",
		ClientID:  "spa",
		SubjectID: "u-1",
		Details:   map[string]any{"reference": true},
		At:        at,
	})
	l.Emit(context.Background(), events.Event{
		Name: events.JourneyFailed,
	})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var rec Record
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, events.TokenIssued, rec.Event)
	assert.Equal(t, "acme", rec.TenantID)
	assert.Equal(t, "spa", rec.ClientID)
	assert.Equal(t, "u-1", rec.SubjectID)
	assert.Equal(t, at, rec.Time)
	assert.Equal(t, map[string]any{"reference": true}, rec.Details)

	// An event without a timestamp gets one, and empty fields are
	// omitted from the record.
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &rec))
	assert.False(t, rec.Time.IsZero())
	assert.NotContains(t, lines[1], "tenant_id")
	assert.NotContains(t, lines[1], "details")
}

func TestLoggerConcurrentEmit(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := NewLogger(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Emit(context.Background(), events.Event{Name: events.JourneyCompleted, TenantID: "acme"})
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 20)
	for _, line := range lines {
		var rec Record
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		assert.Equal(t, events.JourneyCompleted, rec.Event)
	}
}
