// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package signing

import (
	"context"
	"fmt"
	"time"

	"github.com/stacklok/idhive/pkg/events"
	"github.com/stacklok/idhive/pkg/keys"
	"github.com/stacklok/idhive/pkg/logger"
	"github.com/stacklok/idhive/pkg/storage"
)

// DefaultRotationThreshold is how close to expiry a key may get before the
// rotation routine replaces it.
const DefaultRotationThreshold = 7 * 24 * time.Hour

// Rotator generates replacement signing keys and retires their
// predecessors. The old key stays in the published JWKS through the grace
// window so in-flight tokens verify.
type Rotator struct {
	store       storage.SigningKeyStore
	registry    *keys.Registry
	credentials *CredentialStore
	emitter     *events.Emitter
	threshold   time.Duration
}

// NewRotator creates a Rotator. emitter may be nil.
func NewRotator(store storage.SigningKeyStore, registry *keys.Registry, credentials *CredentialStore, emitter *events.Emitter) *Rotator {
	return &Rotator{
		store:       store,
		registry:    registry,
		credentials: credentials,
		emitter:     emitter,
		threshold:   DefaultRotationThreshold,
	}
}

// Rotate generates a new active key for the spec through the default
// provider, marks previous active keys of the same algorithm inactive, and
// invalidates the credential cache.
func (r *Rotator) Rotate(ctx context.Context, spec keys.KeySpec) (*storage.SigningKey, error) {
	provider, err := r.registry.Default()
	if err != nil {
		return nil, err
	}
	rec, _, err := provider.Generate(spec)
	if err != nil {
		return nil, fmt.Errorf("failed to generate replacement key: %w", err)
	}
	if err := r.store.PutKey(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to persist replacement key: %w", err)
	}

	existing, err := r.store.ListKeys(ctx, spec.TenantID, storage.KeyUseSigning)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys for retirement: %w", err)
	}
	for _, old := range existing {
		if old.KeyID == rec.KeyID || !old.Active || old.Algorithm != rec.Algorithm {
			continue
		}
		old.Active = false
		if err := r.store.PutKey(ctx, old); err != nil {
			return nil, fmt.Errorf("failed to retire key %s: %w", old.KeyID, err)
		}
		logger.Infow("retired signing key", "key_id", old.KeyID, "tenant_id", spec.TenantID)
	}

	if r.credentials != nil {
		r.credentials.Invalidate(spec.TenantID)
	}
	if r.emitter != nil {
		r.emitter.Emit(ctx, events.Event{
			Name:     events.KeyRotated,
			TenantID: spec.TenantID,
			Details:  map[string]any{"key_id": rec.KeyID, "algorithm": rec.Algorithm},
		})
	}
	logger.Infow("rotated signing key",
		"key_id", rec.KeyID, "tenant_id", spec.TenantID, "algorithm", rec.Algorithm)
	return rec, nil
}

// RotateExpiring rotates every tenant key whose NotAfter falls within the
// threshold. tenantIDs lists the tenants to inspect (the server passes the
// tenant directory's current set plus the platform tenant "").
func (r *Rotator) RotateExpiring(ctx context.Context, tenantIDs []string) error {
	horizon := time.Now().Add(r.threshold)
	for _, tenantID := range tenantIDs {
		records, err := r.store.ListKeys(ctx, tenantID, storage.KeyUseSigning)
		if err != nil {
			return fmt.Errorf("failed to list keys for tenant %q: %w", tenantID, err)
		}
		for _, rec := range records {
			if !rec.Active || rec.NotAfter.After(horizon) {
				continue
			}
			spec := keys.KeySpec{
				TenantID:  tenantID,
				Use:       rec.Use,
				Type:      rec.KeyType,
				Algorithm: rec.Algorithm,
			}
			if _, err := r.Rotate(ctx, spec); err != nil {
				return fmt.Errorf("failed to rotate key %s: %w", rec.KeyID, err)
			}
		}
	}
	return nil
}

// Run executes RotateExpiring on the interval until the context is
// cancelled. Errors are logged, not fatal.
func (r *Rotator) Run(ctx context.Context, interval time.Duration, listTenants func(context.Context) ([]string, error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tenants, err := listTenants(ctx)
			if err != nil {
				logger.Errorw("failed to list tenants for rotation", "error", err.Error())
				continue
			}
			if err := r.RotateExpiring(ctx, tenants); err != nil {
				logger.Errorw("key rotation pass failed", "error", err.Error())
			}
		}
	}
}
