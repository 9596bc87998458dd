// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureJSON(t *testing.T) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	prev := Get()
	Set(slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { Set(prev) })
	return buf
}

func TestStructuredFields(t *testing.T) {
	buf := captureJSON(t)

	Infow("token issued", "client_id", "demo-client", "grant", "authorization_code")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "token issued", entry["msg"])
	assert.Equal(t, "demo-client", entry["client_id"])
	assert.Equal(t, "authorization_code", entry["grant"])
}

func TestLevels(t *testing.T) {
	buf := captureJSON(t)

	Debug("debug line")
	Warnf("warn %s", "line")
	Errorw("error line", "code", "server_error")

	out := buf.String()
	assert.Contains(t, out, "debug line")
	assert.Contains(t, out, "warn line")
	assert.Contains(t, out, "error line")
	assert.Contains(t, out, "server_error")
}

func TestSetReplacesSingleton(t *testing.T) {
	buf := captureJSON(t)
	Info("first")
	require.Contains(t, buf.String(), "first")

	other := &bytes.Buffer{}
	Set(slog.New(slog.NewTextHandler(other, nil)))
	Info("second")
	assert.Contains(t, other.String(), "second")
	assert.NotContains(t, buf.String(), "second")
}
