// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package signing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	idcrypto "github.com/stacklok/idhive/pkg/crypto"
	"github.com/stacklok/idhive/pkg/events"
	"github.com/stacklok/idhive/pkg/keys"
	"github.com/stacklok/idhive/pkg/storage"
)

type fixture struct {
	store    *storage.MemoryStore
	registry *keys.Registry
	provider *keys.LocalProvider
	creds    *CredentialStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	enc, err := idcrypto.NewAESGCMEncryptionService(make([]byte, 32))
	require.NoError(t, err)

	store := storage.NewMemoryStore(storage.WithCleanupInterval(time.Hour))
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	provider := keys.NewLocalProvider(enc)
	registry := keys.NewRegistry()
	registry.Register(provider)

	return &fixture{
		store:    store,
		registry: registry,
		provider: provider,
		creds:    NewCredentialStore(store, registry),
	}
}

func (f *fixture) generate(t *testing.T, tenantID, algorithm string) *storage.SigningKey {
	t.Helper()
	rec, _, err := f.provider.Generate(keys.KeySpec{
		TenantID:  tenantID,
		Type:      storage.KeyTypeEC,
		Algorithm: algorithm,
	})
	require.NoError(t, err)
	require.NoError(t, f.store.PutKey(context.Background(), rec))
	return rec
}

func TestCredentialStore_Active(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	rec := f.generate(t, "acme", "ES256")

	cred, err := f.creds.Active(ctx, "acme", "ES256")
	require.NoError(t, err)
	assert.Equal(t, rec.KeyID, cred.KeyID)
	require.NotNil(t, cred.Material)
	assert.NotNil(t, cred.Material.Signer)

	t.Run("missing algorithm", func(t *testing.T) {
		_, err := f.creds.Active(ctx, "acme", "RS256")
		assert.ErrorIs(t, err, ErrNoSigningCredentials)
	})

	t.Run("missing tenant", func(t *testing.T) {
		_, err := f.creds.Active(ctx, "globex", "ES256")
		assert.ErrorIs(t, err, ErrNoSigningCredentials)
	})
}

func TestCredentialStore_CacheAndInvalidate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	old := f.generate(t, "acme", "ES256")

	cred, err := f.creds.Active(ctx, "acme", "ES256")
	require.NoError(t, err)
	assert.Equal(t, old.KeyID, cred.KeyID)

	// A newer key lands but the cache still serves the old credential.
	newer := f.generate(t, "acme", "ES256")
	cred, err = f.creds.Active(ctx, "acme", "ES256")
	require.NoError(t, err)
	assert.Equal(t, old.KeyID, cred.KeyID)

	// Invalidation forces a re-resolve; newest-first ordering picks the
	// replacement.
	f.creds.Invalidate("acme")
	cred, err = f.creds.Active(ctx, "acme", "ES256")
	require.NoError(t, err)
	assert.Equal(t, newer.KeyID, cred.KeyID)
}

func TestCredentialStore_TTLClamp(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	c := NewCredentialStore(f.store, f.registry, WithCacheTTL(time.Hour))
	assert.LessOrEqual(t, c.ttl, DefaultCacheTTL)
}

func TestRotator_Rotate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	old := f.generate(t, "acme", "ES256")

	recorder := &events.Recorder{}
	rot := NewRotator(f.store, f.registry, f.creds, events.NewEmitter(recorder))

	replacement, err := rot.Rotate(ctx, keys.KeySpec{
		TenantID:  "acme",
		Type:      storage.KeyTypeEC,
		Algorithm: "ES256",
	})
	require.NoError(t, err)
	assert.NotEqual(t, old.KeyID, replacement.KeyID)
	assert.True(t, replacement.Active)

	retired, err := f.store.GetKey(ctx, old.KeyID)
	require.NoError(t, err)
	assert.False(t, retired.Active)

	// The new credential is served immediately.
	cred, err := f.creds.Active(ctx, "acme", "ES256")
	require.NoError(t, err)
	assert.Equal(t, replacement.KeyID, cred.KeyID)

	require.Len(t, recorder.Named(events.KeyRotated), 1)
}

func TestRotator_RotateExpiring(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	expiring := f.generate(t, "acme", "ES256")
	expiring.NotAfter = time.Now().Add(24 * time.Hour) // inside the 7d threshold
	require.NoError(t, f.store.PutKey(ctx, expiring))

	healthy := f.generate(t, "globex", "ES256")

	rot := NewRotator(f.store, f.registry, f.creds, nil)
	require.NoError(t, rot.RotateExpiring(ctx, []string{"acme", "globex"}))

	rec, err := f.store.GetKey(ctx, expiring.KeyID)
	require.NoError(t, err)
	assert.False(t, rec.Active, "expiring key should be retired")

	rec, err = f.store.GetKey(ctx, healthy.KeyID)
	require.NoError(t, err)
	assert.True(t, rec.Active, "healthy key should be untouched")

	acmeKeys, err := f.store.ListKeys(ctx, "acme", storage.KeyUseSigning)
	require.NoError(t, err)
	assert.Len(t, acmeKeys, 2)
}
