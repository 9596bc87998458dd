// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package tokens

import (
	"context"
	"fmt"

	"github.com/ory/fosite"
	"github.com/ory/fosite/token/hmac"
)

// HandleIssuer mints and validates opaque token handles. Handles are
// HMAC-signed random tokens; only the signature half is used as the grant
// key, so a leaked grant table never yields redeemable handles.
type HandleIssuer struct {
	strategy *hmac.HMACStrategy
}

// NewHandleIssuer creates a HandleIssuer from the global secret, which must
// be at least 32 bytes.
func NewHandleIssuer(secret []byte) (*HandleIssuer, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("handle secret must be at least 32 bytes, got %d", len(secret))
	}
	return &HandleIssuer{
		strategy: &hmac.HMACStrategy{
			Config: &fosite.Config{
				GlobalSecret: secret,
				TokenEntropy: 32,
			},
		},
	}, nil
}

// Issue returns a new handle and its grant key.
func (h *HandleIssuer) Issue(ctx context.Context) (handle, key string, err error) {
	handle, key, err = h.strategy.Generate(ctx)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate handle: %w", err)
	}
	return handle, key, nil
}

// Key validates the handle's HMAC and returns the grant key it maps to.
// Invalid handles return ErrInvalidGrant without touching storage.
func (h *HandleIssuer) Key(ctx context.Context, handle string) (string, error) {
	if err := h.strategy.Validate(ctx, handle); err != nil {
		return "", ErrInvalidGrant
	}
	return h.strategy.Signature(handle), nil
}
