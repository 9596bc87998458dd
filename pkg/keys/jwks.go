// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/stacklok/idhive/pkg/logger"
	"github.com/stacklok/idhive/pkg/storage"
)

// DefaultJWKSGrace is how long past NotAfter an inactive key stays in the
// published JWKS so in-flight tokens remain verifiable.
const DefaultJWKSGrace = 24 * time.Hour

// BuildJWKS assembles the published key set from stored signing keys.
// Symmetric keys are never published. Inactive keys remain included until
// NotAfter plus the grace window.
func BuildJWKS(records []*storage.SigningKey, grace time.Duration, now time.Time) (jwk.Set, error) {
	if grace <= 0 {
		grace = DefaultJWKSGrace
	}
	set := jwk.NewSet()

	for _, rec := range records {
		if rec.KeyType == storage.KeyTypeSymmetric || rec.PublicKeyData == "" {
			continue
		}
		if !rec.Active && now.After(rec.NotAfter.Add(grace)) {
			continue
		}
		if now.Before(rec.NotBefore) {
			continue
		}

		key, err := publicJWK(rec)
		if err != nil {
			// One bad record must not take down the whole JWKS.
			logger.Errorw("skipping unpublishable key", "key_id", rec.KeyID, "error", err.Error())
			continue
		}
		if err := set.AddKey(key); err != nil {
			return nil, fmt.Errorf("failed to add key %s to set: %w", rec.KeyID, err)
		}
	}
	return set, nil
}

func publicJWK(rec *storage.SigningKey) (jwk.Key, error) {
	der, err := base64.StdEncoding.DecodeString(rec.PublicKeyData)
	if err != nil {
		return nil, fmt.Errorf("failed to decode public key: %w", err)
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	key, err := jwk.Import(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to build JWK: %w", err)
	}

	if err := key.Set(jwk.KeyIDKey, rec.KeyID); err != nil {
		return nil, err
	}
	if err := key.Set(jwk.KeyUsageKey, "sig"); err != nil {
		return nil, err
	}
	if err := key.Set(jwk.AlgorithmKey, rec.Algorithm); err != nil {
		return nil, err
	}
	if rec.X5tSHA1 != "" {
		if err := key.Set(jwk.X509CertThumbprintKey, rec.X5tSHA1); err != nil {
			return nil, err
		}
	}
	if rec.X5tSHA256 != "" {
		if err := key.Set(jwk.X509CertThumbprintS256Key, rec.X5tSHA256); err != nil {
			return nil, err
		}
	}
	return key, nil
}
