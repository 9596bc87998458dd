// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package signing resolves the active signing credential for a tenant and
// algorithm. Credentials are read-mostly, so unsealed material is cached per
// process for a short TTL; concurrent cache misses collapse into one store
// read through singleflight.
package signing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/stacklok/idhive/pkg/keys"
	"github.com/stacklok/idhive/pkg/storage"
)

// ErrNoSigningCredentials indicates no active, in-window signing key exists
// for the tenant and algorithm.
var ErrNoSigningCredentials = errors.New("no_signing_credentials")

// DefaultCacheTTL bounds how long unsealed credentials stay cached.
const DefaultCacheTTL = 60 * time.Second

// Credential is an unsealed signing credential. Material must never be
// logged.
type Credential struct {
	KeyID     string
	Algorithm string
	Material  *keys.Material

	// X5tSHA1/X5tSHA256 are present when the key carries a certificate;
	// SAML signing embeds the certificate, JWTs only reference it.
	X5tSHA1   string
	X5tSHA256 string
}

// CredentialStore resolves and caches active signing credentials.
type CredentialStore struct {
	store    storage.SigningKeyStore
	registry *keys.Registry
	ttl      time.Duration

	mu    sync.RWMutex
	cache map[string]cacheEntry
	group singleflight.Group
}

type cacheEntry struct {
	cred      *Credential
	fetchedAt time.Time
}

// CredentialStoreOption configures a CredentialStore.
type CredentialStoreOption func(*CredentialStore)

// WithCacheTTL overrides the credential cache TTL. Values above 60s are
// clamped; decrypted key material must not linger.
func WithCacheTTL(ttl time.Duration) CredentialStoreOption {
	return func(c *CredentialStore) {
		if ttl > DefaultCacheTTL {
			ttl = DefaultCacheTTL
		}
		c.ttl = ttl
	}
}

// NewCredentialStore creates a CredentialStore.
func NewCredentialStore(store storage.SigningKeyStore, registry *keys.Registry, opts ...CredentialStoreOption) *CredentialStore {
	c := &CredentialStore{
		store:    store,
		registry: registry,
		ttl:      DefaultCacheTTL,
		cache:    make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Active returns the unsealed active signing credential for the tenant and
// algorithm. Returns ErrNoSigningCredentials when none qualifies.
func (c *CredentialStore) Active(ctx context.Context, tenantID, algorithm string) (*Credential, error) {
	cacheKey := tenantID + "\x00" + algorithm

	c.mu.RLock()
	entry, ok := c.cache[cacheKey]
	c.mu.RUnlock()
	if ok && time.Since(entry.fetchedAt) < c.ttl {
		return entry.cred, nil
	}

	v, err, _ := c.group.Do(cacheKey, func() (any, error) {
		cred, err := c.resolve(ctx, tenantID, algorithm)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.cache[cacheKey] = cacheEntry{cred: cred, fetchedAt: time.Now()}
		c.mu.Unlock()
		return cred, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Credential), nil
}

func (c *CredentialStore) resolve(ctx context.Context, tenantID, algorithm string) (*Credential, error) {
	records, err := c.store.ListKeys(ctx, tenantID, storage.KeyUseSigning)
	if err != nil {
		return nil, fmt.Errorf("failed to list signing keys: %w", err)
	}

	now := time.Now()
	for _, rec := range records {
		if !rec.Active || rec.Algorithm != algorithm {
			continue
		}
		if now.Before(rec.NotBefore) || now.After(rec.NotAfter) {
			continue
		}
		provider, err := c.registry.ForType(rec.ProviderType)
		if err != nil {
			return nil, err
		}
		material, err := provider.Unseal(rec)
		if err != nil {
			return nil, err
		}
		return &Credential{
			KeyID:     rec.KeyID,
			Algorithm: rec.Algorithm,
			Material:  material,
			X5tSHA1:   rec.X5tSHA1,
			X5tSHA256: rec.X5tSHA256,
		}, nil
	}
	return nil, fmt.Errorf("%w: tenant %q algorithm %s", ErrNoSigningCredentials, tenantID, algorithm)
}

// Invalidate drops cached credentials for a tenant, e.g. after rotation.
func (c *CredentialStore) Invalidate(tenantID string) {
	prefix := tenantID + "\x00"
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.cache {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(c.cache, key)
		}
	}
}
