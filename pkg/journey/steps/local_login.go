// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package steps provides the built-in journey step handlers.
package steps

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/stacklok/idhive/pkg/events"
	"github.com/stacklok/idhive/pkg/journey"
	"github.com/stacklok/idhive/pkg/logger"
	"github.com/stacklok/idhive/pkg/storage"
)

// LocalLoginView is the view rendered when credentials are missing or wrong.
const LocalLoginView = "_LocalLogin"

// LocalLogin authenticates against the local user store with
// username/password. On success it sets the journey's principal, records
// auth_time, and appends "pwd" to AMR.
type LocalLogin struct{}

// NewLocalLogin returns the local_login step handler.
func NewLocalLogin() *LocalLogin { return &LocalLogin{} }

// Type implements journey.Handler.
func (*LocalLogin) Type() string { return "local_login" }

// Execute implements journey.Handler.
func (h *LocalLogin) Execute(ctx context.Context, ec *journey.ExecutionContext) (*journey.StepResult, error) {
	username := ec.InputString("username")
	password := ec.InputString("password")
	if username == "" || password == "" {
		return journey.RequireInput(LocalLoginView, nil), nil
	}

	user, err := ec.Capabilities.Users.GetUserByUsername(ctx, ec.State.TenantID, username)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		// Burn a comparison so missing users cost the same as wrong
		// passwords.
		_ = bcrypt.CompareHashAndPassword([]byte("$2a$10$000000000000000000000uGZLKYyPzyayIGvlDGfSS3sgGLq7Dktu"), []byte(password))
		return h.reject(username), nil
	case err != nil:
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}

	if !user.Active || user.PasswordHash == "" {
		return h.reject(username), nil
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return h.reject(username), nil
	}

	ec.SetUser(user)
	ec.SetData("auth_time", time.Now().Unix())
	ec.AppendAMR("pwd")

	ec.Capabilities.Events.Emit(ctx, events.Event{
		Name:      events.UserAuthenticated,
		TenantID:  ec.State.TenantID,
		ClientID:  ec.State.ClientID,
		SubjectID: user.ID,
		Details:   map[string]any{"method": "local", "journey_id": ec.State.ID},
	})
	return journey.Success(nil), nil
}

// reject re-prompts rather than failing the journey; the error code tells
// the view to render a generic message. Which part was wrong is never
// disclosed.
func (*LocalLogin) reject(username string) *journey.StepResult {
	logger.Debugw("local login rejected", "username", username)
	return journey.RequireInput(LocalLoginView, map[string]any{
		"error":    "invalid_credentials",
		"username": username,
	})
}
