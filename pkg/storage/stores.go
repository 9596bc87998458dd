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
	"time"
)

//go:generate mockgen -destination=mocks/mock_stores.go -package=mocks -source=stores.go

// ClientStore manages registered OAuth/OIDC clients.
type ClientStore interface {
	// GetClient returns the client visible to the given tenant: the
	// client bound to that tenant or a platform-global client. A client
	// bound to a different tenant is ErrNotFound.
	GetClient(ctx context.Context, tenantID, clientID string) (*Client, error)

	// PutClient creates or replaces a client.
	PutClient(ctx context.Context, client *Client) error

	// DeleteClient removes a client.
	DeleteClient(ctx context.Context, tenantID, clientID string) error

	// ListAllCORSOrigins returns the union of allowed CORS origins across
	// all tenants. CORS runs before tenant resolution, so this query is
	// deliberately tenant-unscoped.
	ListAllCORSOrigins(ctx context.Context) ([]string, error)
}

// ResourceStore manages identity resources and API scopes.
type ResourceStore interface {
	// FindResourcesByScopes resolves requested scope names to identity
	// resources and API scopes, tenant-scoped with platform fallback.
	FindResourcesByScopes(ctx context.Context, tenantID string, scopes []string) ([]*IdentityResource, []*APIScope, error)

	PutIdentityResource(ctx context.Context, res *IdentityResource) error
	PutAPIScope(ctx context.Context, scope *APIScope) error
}

// GrantStore persists opaque-keyed grants. The token service is the only
// creator; redemption paths are the only consumers.
type GrantStore interface {
	// StoreGrant persists a grant. The grant must be durable before the
	// handle is returned to any caller.
	StoreGrant(ctx context.Context, grant *PersistedGrant) error

	// GetGrant returns the grant for a handle, ErrNotFound when missing or
	// tenant-mismatched, ErrExpired when past expiry.
	GetGrant(ctx context.Context, tenantID, key string) (*PersistedGrant, error)

	// UpdateGrant rewrites an existing grant in place. Returns ErrNotFound
	// when no grant with the key exists for the grant's tenant. Polling
	// grants (device codes, CIBA requests) mutate after creation; one-shot
	// grants never do.
	UpdateGrant(ctx context.Context, grant *PersistedGrant) error

	// ConsumeGrant atomically marks the grant consumed and returns its
	// pre-consumption value. Returns ErrAlreadyConsumed if another caller
	// won the race: for any concurrent pair of redemptions exactly one
	// succeeds.
	ConsumeGrant(ctx context.Context, tenantID, key string) (*PersistedGrant, error)

	// DeleteGrant removes a grant outright (revocation cascade).
	DeleteGrant(ctx context.Context, tenantID, key string) error

	// ListGrantsBySession returns the live grants attached to a session,
	// used for family revocation.
	ListGrantsBySession(ctx context.Context, tenantID, sessionID string) ([]*PersistedGrant, error)
}

// ConsentStore persists remembered consent decisions.
type ConsentStore interface {
	GetConsent(ctx context.Context, tenantID, subjectID, clientID string) (*Consent, error)
	PutConsent(ctx context.Context, consent *Consent) error
	DeleteConsent(ctx context.Context, tenantID, subjectID, clientID string) error
}

// SigningKeyStore persists signing key records. Shared-read; only the
// rotation routine writes.
type SigningKeyStore interface {
	GetKey(ctx context.Context, keyID string) (*SigningKey, error)

	// ListKeys returns keys for a tenant (platform keys when tenantID is
	// empty), optionally filtered by use.
	ListKeys(ctx context.Context, tenantID string, use KeyUse) ([]*SigningKey, error)

	PutKey(ctx context.Context, key *SigningKey) error
	DeleteKey(ctx context.Context, keyID string) error

	// PutCertificate stores certificate metadata alongside its key.
	PutCertificate(ctx context.Context, cert *Certificate) error
	GetCertificate(ctx context.Context, keyID string) (*Certificate, error)
}

// SessionStore persists authenticated-user sessions.
type SessionStore interface {
	GetSession(ctx context.Context, tenantID, sessionID string) (*Session, error)
	PutSession(ctx context.Context, session *Session) error
	DeleteSession(ctx context.Context, tenantID, sessionID string) error

	// TouchSession extends the idle deadline after activity.
	TouchSession(ctx context.Context, tenantID, sessionID string, idleDeadline time.Time) error
}

// JourneyPolicyStore persists journey policies.
type JourneyPolicyStore interface {
	GetPolicy(ctx context.Context, tenantID, policyID string) (*JourneyPolicy, error)

	// ListPolicies returns the enabled policies for a tenant and type in
	// descending priority order. Policy matching on conditions happens in
	// the orchestrator via the condition evaluator.
	ListPolicies(ctx context.Context, tenantID string, typ JourneyType) ([]*JourneyPolicy, error)

	PutPolicy(ctx context.Context, policy *JourneyPolicy) error
	DeletePolicy(ctx context.Context, tenantID, policyID string) error
}

// JourneyStateStore persists journey execution state. The orchestrator is
// the exclusive writer.
type JourneyStateStore interface {
	GetState(ctx context.Context, tenantID, journeyID string) (*JourneyState, error)

	// PutState writes the state unconditionally (initial creation).
	PutState(ctx context.Context, state *JourneyState) error

	// UpdateState writes the state only if the stored LastActivityAt still
	// equals expectedActivity, returning ErrConflict otherwise. Together
	// with the orchestrator's per-journey lock this keeps concurrent
	// Continue calls serialized across processes.
	UpdateState(ctx context.Context, state *JourneyState, expectedActivity time.Time) error

	DeleteState(ctx context.Context, tenantID, journeyID string) error
}

// ProtocolStateStore persists short-lived protocol correlation records.
type ProtocolStateStore interface {
	StoreProtocolState(ctx context.Context, state *ProtocolState) error

	// ConsumeProtocolState returns and deletes the record in one step; the
	// record is consumed exactly once.
	ConsumeProtocolState(ctx context.Context, tenantID, id string) (*ProtocolState, error)
}

// UserStore manages local user accounts.
type UserStore interface {
	GetUser(ctx context.Context, tenantID, id string) (*User, error)
	GetUserByUsername(ctx context.Context, tenantID, username string) (*User, error)

	// ListUsers returns the tenant's users ordered by username. The
	// provisioning surface is the only caller; pagination happens there.
	ListUsers(ctx context.Context, tenantID string) ([]*User, error)

	PutUser(ctx context.Context, user *User) error
	DeleteUser(ctx context.Context, tenantID, id string) error
}

// RoleStore manages administrative roles.
type RoleStore interface {
	GetRole(ctx context.Context, tenantID, name string) (*Role, error)
	PutRole(ctx context.Context, role *Role) error
	ListRoles(ctx context.Context, tenantID string) ([]*Role, error)
	DeleteRole(ctx context.Context, tenantID, name string) error
}

// TenantStore manages tenant records.
type TenantStore interface {
	GetTenantRecord(ctx context.Context, id string) (*TenantRecord, error)
	GetTenantRecordByHost(ctx context.Context, host string) (*TenantRecord, error)
	PutTenantRecord(ctx context.Context, rec *TenantRecord) error
}

// TenantRecord is the persisted tenant configuration.
type TenantRecord struct {
	ID           string `json:"id"`
	DisplayName  string `json:"display_name,omitempty"`
	IssuerURI    string `json:"issuer_uri,omitempty"`
	CustomDomain string `json:"custom_domain,omitempty"`

	DefaultAccessTokenLifetime  int `json:"default_access_token_lifetime,omitempty"`
	DefaultIDTokenLifetime      int `json:"default_id_token_lifetime,omitempty"`
	DefaultRefreshTokenLifetime int `json:"default_refresh_token_lifetime,omitempty"`
}

// Store aggregates every capability interface. The memory and SQLite
// implementations satisfy all of them; deployments may split concerns
// across backends (e.g. Redis for protocol state).
type Store interface {
	ClientStore
	ResourceStore
	GrantStore
	ConsentStore
	SigningKeyStore
	SessionStore
	JourneyPolicyStore
	JourneyStateStore
	ProtocolStateStore
	UserStore
	RoleStore
	TenantStore

	// Health reports backend availability.
	Health(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
