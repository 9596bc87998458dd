// Copyright 2026 Stacklok, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *MemoryStore {
	t.Helper()
	s := NewMemoryStore(WithCleanupInterval(time.Hour))
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})
	return s
}

func TestMemoryStore_Clients(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	client := &Client{
		ClientID:           "web-app",
		TenantID:           "acme",
		RedirectURIs:       []string{"https://app.example.com/callback"},
		AllowedScopes:      []string{"openid", "profile"},
		AllowedCORSOrigins: []string{"https://app.example.com"},
		CreatedAt:          time.Now(),
	}
	require.NoError(t, s.PutClient(ctx, client))

	t.Run("same tenant sees the client", func(t *testing.T) {
		got, err := s.GetClient(ctx, "acme", "web-app")
		require.NoError(t, err)
		assert.Equal(t, "web-app", got.ClientID)
		assert.Equal(t, []string{"openid", "profile"}, got.AllowedScopes)
	})

	t.Run("other tenant gets not found", func(t *testing.T) {
		_, err := s.GetClient(ctx, "globex", "web-app")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("platform client visible everywhere", func(t *testing.T) {
		require.NoError(t, s.PutClient(ctx, &Client{ClientID: "platform-cli"}))
		got, err := s.GetClient(ctx, "globex", "platform-cli")
		require.NoError(t, err)
		assert.Equal(t, "platform-cli", got.ClientID)
	})

	t.Run("mutating the returned copy does not leak", func(t *testing.T) {
		got, err := s.GetClient(ctx, "acme", "web-app")
		require.NoError(t, err)
		got.AllowedScopes[0] = "mutated"

		again, err := s.GetClient(ctx, "acme", "web-app")
		require.NoError(t, err)
		assert.Equal(t, "openid", again.AllowedScopes[0])
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, s.DeleteClient(ctx, "acme", "web-app"))
		_, err := s.GetClient(ctx, "acme", "web-app")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestMemoryStore_ListAllCORSOrigins(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.PutClient(ctx, &Client{
		ClientID:           "a",
		TenantID:           "acme",
		AllowedCORSOrigins: []string{"https://a.example.com", "https://shared.example.com"},
	}))
	require.NoError(t, s.PutClient(ctx, &Client{
		ClientID:           "b",
		TenantID:           "globex",
		AllowedCORSOrigins: []string{"https://b.example.com", "https://shared.example.com"},
	}))

	origins, err := s.ListAllCORSOrigins(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://a.example.com",
		"https://b.example.com",
		"https://shared.example.com",
	}, origins)
}

func TestMemoryStore_Grants(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	grant := &PersistedGrant{
		Key:       "handle-1",
		Type:      GrantAuthorizationCode,
		SubjectID: "user-1",
		ClientID:  "web-app",
		TenantID:  "acme",
		Scopes:    []string{"openid"},
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Minute),
		Payload:   []byte(`{"nonce":"n-123"}`),
	}
	require.NoError(t, s.StoreGrant(ctx, grant))

	t.Run("duplicate key rejected", func(t *testing.T) {
		err := s.StoreGrant(ctx, &PersistedGrant{Key: "handle-1", ExpiresAt: time.Now().Add(time.Minute)})
		assert.ErrorIs(t, err, ErrAlreadyExists)
	})

	t.Run("get does not consume", func(t *testing.T) {
		got, err := s.GetGrant(ctx, "acme", "handle-1")
		require.NoError(t, err)
		assert.Nil(t, got.ConsumedAt)

		got, err = s.GetGrant(ctx, "acme", "handle-1")
		require.NoError(t, err)
		assert.Equal(t, []byte(`{"nonce":"n-123"}`), got.Payload)
	})

	t.Run("consume succeeds once", func(t *testing.T) {
		got, err := s.ConsumeGrant(ctx, "acme", "handle-1")
		require.NoError(t, err)
		assert.Equal(t, "user-1", got.SubjectID)

		_, err = s.ConsumeGrant(ctx, "acme", "handle-1")
		assert.ErrorIs(t, err, ErrAlreadyConsumed)
	})

	t.Run("expired grant", func(t *testing.T) {
		require.NoError(t, s.StoreGrant(ctx, &PersistedGrant{
			Key:       "stale",
			TenantID:  "acme",
			ExpiresAt: time.Now().Add(-time.Second),
		}))
		_, err := s.GetGrant(ctx, "acme", "stale")
		assert.ErrorIs(t, err, ErrExpired)
		_, err = s.ConsumeGrant(ctx, "acme", "stale")
		assert.ErrorIs(t, err, ErrExpired)
	})

	t.Run("cross-tenant redemption looks missing", func(t *testing.T) {
		require.NoError(t, s.StoreGrant(ctx, &PersistedGrant{
			Key:       "acme-only",
			TenantID:  "acme",
			ExpiresAt: time.Now().Add(time.Minute),
		}))
		_, err := s.ConsumeGrant(ctx, "globex", "acme-only")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("update rewrites in place", func(t *testing.T) {
		device := &PersistedGrant{
			Key:       "dev-1",
			Type:      GrantDeviceCode,
			TenantID:  "acme",
			ExpiresAt: time.Now().Add(time.Minute),
			Payload:   []byte(`{"status":"pending"}`),
		}
		require.NoError(t, s.StoreGrant(ctx, device))

		device.Payload = []byte(`{"status":"approved"}`)
		require.NoError(t, s.UpdateGrant(ctx, device))

		got, err := s.GetGrant(ctx, "acme", "dev-1")
		require.NoError(t, err)
		assert.Equal(t, []byte(`{"status":"approved"}`), got.Payload)
	})

	t.Run("update requires an existing grant", func(t *testing.T) {
		err := s.UpdateGrant(ctx, &PersistedGrant{
			Key: "never-stored", TenantID: "acme", ExpiresAt: time.Now().Add(time.Minute),
		})
		assert.ErrorIs(t, err, ErrNotFound)

		err = s.UpdateGrant(ctx, &PersistedGrant{
			Key: "dev-1", TenantID: "globex", ExpiresAt: time.Now().Add(time.Minute),
		})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestMemoryStore_ConsumeGrantConcurrent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.StoreGrant(ctx, &PersistedGrant{
		Key:       "contested",
		Type:      GrantAuthorizationCode,
		TenantID:  "acme",
		ExpiresAt: time.Now().Add(time.Minute),
	}))

	const workers = 32
	var wg sync.WaitGroup
	results := make([]error, workers)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, results[i] = s.ConsumeGrant(ctx, "acme", "contested")
		}()
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, ErrAlreadyConsumed)
		}
	}
	assert.Equal(t, 1, wins, "exactly one redemption must win")
}

func TestMemoryStore_ListGrantsBySession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	for i := range 3 {
		require.NoError(t, s.StoreGrant(ctx, &PersistedGrant{
			Key:       fmt.Sprintf("g-%d", i),
			Type:      GrantRefreshToken,
			TenantID:  "acme",
			SessionID: "sess-1",
			ExpiresAt: time.Now().Add(time.Minute),
		}))
	}
	require.NoError(t, s.StoreGrant(ctx, &PersistedGrant{
		Key:       "other-session",
		TenantID:  "acme",
		SessionID: "sess-2",
		ExpiresAt: time.Now().Add(time.Minute),
	}))

	// Consumed grants fall out of the family.
	_, err := s.ConsumeGrant(ctx, "acme", "g-0")
	require.NoError(t, err)

	grants, err := s.ListGrantsBySession(ctx, "acme", "sess-1")
	require.NoError(t, err)
	assert.Len(t, grants, 2)
}

func TestMemoryStore_Consents(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.PutConsent(ctx, &Consent{
		SubjectID: "user-1",
		ClientID:  "web-app",
		TenantID:  "acme",
		Scopes:    []string{"openid", "profile"},
		CreatedAt: time.Now(),
	}))

	got, err := s.GetConsent(ctx, "acme", "user-1", "web-app")
	require.NoError(t, err)
	assert.Equal(t, []string{"openid", "profile"}, got.Scopes)

	t.Run("expired consent", func(t *testing.T) {
		past := time.Now().Add(-time.Hour)
		require.NoError(t, s.PutConsent(ctx, &Consent{
			SubjectID: "user-2",
			ClientID:  "web-app",
			TenantID:  "acme",
			ExpiresAt: &past,
		}))
		_, err := s.GetConsent(ctx, "acme", "user-2", "web-app")
		assert.ErrorIs(t, err, ErrExpired)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, s.DeleteConsent(ctx, "acme", "user-1", "web-app"))
		_, err := s.GetConsent(ctx, "acme", "user-1", "web-app")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestMemoryStore_SigningKeys(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	older := &SigningKey{
		KeyID:     "key-old",
		TenantID:  "acme",
		Use:       KeyUseSigning,
		KeyType:   KeyTypeRSA,
		Algorithm: "RS256",
		Active:    true,
		CreatedAt: time.Now().Add(-time.Hour),
	}
	newer := &SigningKey{
		KeyID:     "key-new",
		TenantID:  "acme",
		Use:       KeyUseSigning,
		KeyType:   KeyTypeEC,
		Algorithm: "ES256",
		Active:    true,
		CreatedAt: time.Now(),
	}
	require.NoError(t, s.PutKey(ctx, older))
	require.NoError(t, s.PutKey(ctx, newer))
	require.NoError(t, s.PutKey(ctx, &SigningKey{
		KeyID: "enc", TenantID: "acme", Use: KeyUseEncryption, CreatedAt: time.Now(),
	}))

	t.Run("list filters by use, newest first", func(t *testing.T) {
		keys, err := s.ListKeys(ctx, "acme", KeyUseSigning)
		require.NoError(t, err)
		require.Len(t, keys, 2)
		assert.Equal(t, "key-new", keys[0].KeyID)
		assert.Equal(t, "key-old", keys[1].KeyID)
	})

	t.Run("certificate lives and dies with its key", func(t *testing.T) {
		require.NoError(t, s.PutCertificate(ctx, &Certificate{
			KeyID:     "key-old",
			SubjectDN: "CN=acme",
		}))
		cert, err := s.GetCertificate(ctx, "key-old")
		require.NoError(t, err)
		assert.Equal(t, "CN=acme", cert.SubjectDN)

		require.NoError(t, s.DeleteKey(ctx, "key-old"))
		_, err = s.GetCertificate(ctx, "key-old")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestMemoryStore_Sessions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	now := time.Now()
	require.NoError(t, s.PutSession(ctx, &Session{
		SessionID:        "sess-1",
		SubjectID:        "user-1",
		TenantID:         "acme",
		AuthTime:         now,
		IdleDeadline:     now.Add(30 * time.Minute),
		AbsoluteDeadline: now.Add(8 * time.Hour),
	}))

	got, err := s.GetSession(ctx, "acme", "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.SubjectID)

	t.Run("touch extends idle deadline", func(t *testing.T) {
		extended := now.Add(time.Hour)
		require.NoError(t, s.TouchSession(ctx, "acme", "sess-1", extended))
		got, err := s.GetSession(ctx, "acme", "sess-1")
		require.NoError(t, err)
		assert.WithinDuration(t, extended, got.IdleDeadline, time.Second)
	})

	t.Run("idle expiry", func(t *testing.T) {
		require.NoError(t, s.PutSession(ctx, &Session{
			SessionID:        "idle",
			TenantID:         "acme",
			IdleDeadline:     now.Add(-time.Minute),
			AbsoluteDeadline: now.Add(time.Hour),
		}))
		_, err := s.GetSession(ctx, "acme", "idle")
		assert.ErrorIs(t, err, ErrExpired)
	})
}

func TestMemoryStore_Policies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.PutPolicy(ctx, &JourneyPolicy{
		ID: "low", TenantID: "acme", Type: JourneySignIn, Enabled: true, Priority: 1,
	}))
	require.NoError(t, s.PutPolicy(ctx, &JourneyPolicy{
		ID: "high", TenantID: "acme", Type: JourneySignIn, Enabled: true, Priority: 10,
	}))
	require.NoError(t, s.PutPolicy(ctx, &JourneyPolicy{
		ID: "disabled", TenantID: "acme", Type: JourneySignIn, Enabled: false, Priority: 100,
	}))
	require.NoError(t, s.PutPolicy(ctx, &JourneyPolicy{
		ID: "platform", Type: JourneySignIn, Enabled: true, Priority: 5,
	}))
	require.NoError(t, s.PutPolicy(ctx, &JourneyPolicy{
		ID: "signup", TenantID: "acme", Type: JourneySignUp, Enabled: true, Priority: 50,
	}))

	policies, err := s.ListPolicies(ctx, "acme", JourneySignIn)
	require.NoError(t, err)
	require.Len(t, policies, 3)
	assert.Equal(t, "high", policies[0].ID)
	assert.Equal(t, "platform", policies[1].ID)
	assert.Equal(t, "low", policies[2].ID)

	t.Run("tenant falls back to platform policy by ID", func(t *testing.T) {
		got, err := s.GetPolicy(ctx, "acme", "platform")
		require.NoError(t, err)
		assert.Equal(t, "platform", got.ID)
	})
}

func TestMemoryStore_JourneyState(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	t0 := time.Now().Truncate(time.Millisecond)
	state := &JourneyState{
		ID:             "j-1",
		PolicyID:       "signin",
		TenantID:       "acme",
		Status:         JourneyInProgress,
		CurrentStepID:  "login",
		JourneyData:    map[string]any{"attempts": 1},
		StartedAt:      t0,
		ExpiresAt:      t0.Add(30 * time.Minute),
		LastActivityAt: t0,
	}
	require.NoError(t, s.PutState(ctx, state))

	t.Run("conditional update succeeds with matching activity", func(t *testing.T) {
		next := *state
		next.CurrentStepID = "mfa"
		next.LastActivityAt = t0.Add(time.Second)
		require.NoError(t, s.UpdateState(ctx, &next, t0))

		got, err := s.GetState(ctx, "acme", "j-1")
		require.NoError(t, err)
		assert.Equal(t, "mfa", got.CurrentStepID)
	})

	t.Run("stale update gets conflict", func(t *testing.T) {
		stale := *state
		stale.CurrentStepID = "consent"
		err := s.UpdateState(ctx, &stale, t0)
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("update of missing journey", func(t *testing.T) {
		missing := &JourneyState{ID: "nope", TenantID: "acme"}
		err := s.UpdateState(ctx, missing, t0)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestMemoryStore_ProtocolState(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.StoreProtocolState(ctx, &ProtocolState{
		ID:           "ps-1",
		ProtocolName: "oidc",
		TenantID:     "acme",
		EndpointType: "authorize",
		Request:      []byte("response_type=code"),
		ExpiresAt:    time.Now().Add(DefaultProtocolStateTTL),
	}))

	got, err := s.ConsumeProtocolState(ctx, "acme", "ps-1")
	require.NoError(t, err)
	assert.Equal(t, "oidc", got.ProtocolName)

	// Second consume finds nothing.
	_, err = s.ConsumeProtocolState(ctx, "acme", "ps-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_Users(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.PutUser(ctx, &User{
		ID:       "u-1",
		TenantID: "acme",
		Username: "Alice",
		Email:    "alice@example.com",
		Active:   true,
	}))

	t.Run("username lookup is case-insensitive", func(t *testing.T) {
		got, err := s.GetUserByUsername(ctx, "acme", "alice")
		require.NoError(t, err)
		assert.Equal(t, "u-1", got.ID)
	})

	t.Run("tenant scoping", func(t *testing.T) {
		_, err := s.GetUser(ctx, "globex", "u-1")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestMemoryStore_Roles(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.PutRole(ctx, &Role{
		Name:     "auditor",
		TenantID: "acme",
		Claims:   []RoleClaim{{Type: "permission", Value: "read_logs"}},
	}))
	require.NoError(t, s.PutRole(ctx, &Role{Name: "admin", TenantID: "acme"}))

	roles, err := s.ListRoles(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, roles, 2)
	assert.Equal(t, "admin", roles[0].Name)
	assert.Equal(t, "auditor", roles[1].Name)
}

func TestMemoryStore_CleanupExpired(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.StoreGrant(ctx, &PersistedGrant{
		Key: "live", TenantID: "acme", ExpiresAt: time.Now().Add(time.Hour),
	}))
	require.NoError(t, s.StoreGrant(ctx, &PersistedGrant{
		Key: "dead", TenantID: "acme", ExpiresAt: time.Now().Add(-time.Second),
	}))
	require.NoError(t, s.StoreProtocolState(ctx, &ProtocolState{
		ID: "dead-ps", TenantID: "acme", ExpiresAt: time.Now().Add(-time.Second),
	}))

	s.cleanupExpired()

	stats := s.Stats()
	assert.Equal(t, 1, stats.Grants)
	assert.Equal(t, 0, stats.ProtocolStates)
}
