// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oidc

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/stacklok/idhive/pkg/storage"
)

// Verifier validates self-contained access tokens against the signing key
// store. Reference tokens never reach it; callers resolve those through the
// token service first.
type Verifier struct {
	keys storage.SigningKeyStore
}

// NewVerifier creates a Verifier over the signing key store.
func NewVerifier(keys storage.SigningKeyStore) *Verifier {
	return &Verifier{keys: keys}
}

// VerifyAccessToken parses and verifies a JWT access token, returning its
// claims. Expiry and not-before are enforced by the parser.
func (v *Verifier) VerifyAccessToken(ctx context.Context, raw string) (map[string]any, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("token has no kid")
		}
		rec, err := v.keys.GetKey(ctx, kid)
		if err != nil {
			return nil, fmt.Errorf("unknown signing key %s: %w", kid, err)
		}
		if rec.PublicKeyData == "" {
			return nil, fmt.Errorf("key %s has no public material", kid)
		}
		der, err := base64.StdEncoding.DecodeString(rec.PublicKeyData)
		if err != nil {
			return nil, fmt.Errorf("failed to decode public key %s: %w", kid, err)
		}
		pub, err := x509.ParsePKIXPublicKey(der)
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key %s: %w", kid, err)
		}
		return pub, nil
	}, jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512", "PS256", "PS384", "PS512"}))
	if err != nil {
		return nil, fmt.Errorf("token verification failed: %w", err)
	}
	return map[string]any(claims), nil
}
