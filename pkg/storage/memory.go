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
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/stacklok/idhive/pkg/logger"
)

// DefaultCleanupInterval is how often the background cleanup of expired
// entries runs.
const DefaultCleanupInterval = time.Minute

// MemoryStore implements Store with in-memory maps. Thread-safe; suitable
// for development and tests. Grants, journey states, and protocol states are
// TTL-tracked and swept by a background goroutine.
type MemoryStore struct {
	mu sync.RWMutex

	// clients maps client_id -> Client. Tenant checks happen on read.
	clients map[string]*Client

	identityResources map[string]*IdentityResource // tenant|name
	apiScopes         map[string]*APIScope         // tenant|name

	// grants maps grant key -> PersistedGrant. ConsumeGrant flips
	// ConsumedAt under the write lock, giving at-most-once redemption.
	grants map[string]*PersistedGrant

	consents map[string]*Consent // tenant|subject|client
	keys     map[string]*SigningKey
	certs    map[string]*Certificate
	sessions map[string]*Session // tenant|session_id

	policies       map[string]*JourneyPolicy // tenant|policy_id
	journeyStates  map[string]*JourneyState  // tenant|journey_id
	protocolStates map[string]*ProtocolState // tenant|state_id

	users   map[string]*User // tenant|user_id
	tenants map[string]*TenantRecord
	roles   map[string]*Role // tenant|name

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupDone     chan struct{}
}

// MemoryStoreOption configures a MemoryStore instance.
type MemoryStoreOption func(*MemoryStore)

// WithCleanupInterval sets a custom cleanup interval.
func WithCleanupInterval(interval time.Duration) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.cleanupInterval = interval
	}
}

// NewMemoryStore creates a MemoryStore with initialized maps and starts the
// background cleanup goroutine.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		clients:           make(map[string]*Client),
		identityResources: make(map[string]*IdentityResource),
		apiScopes:         make(map[string]*APIScope),
		grants:            make(map[string]*PersistedGrant),
		consents:          make(map[string]*Consent),
		keys:              make(map[string]*SigningKey),
		certs:             make(map[string]*Certificate),
		sessions:          make(map[string]*Session),
		policies:          make(map[string]*JourneyPolicy),
		journeyStates:     make(map[string]*JourneyState),
		protocolStates:    make(map[string]*ProtocolState),
		users:             make(map[string]*User),
		tenants:           make(map[string]*TenantRecord),
		roles:             make(map[string]*Role),
		cleanupInterval:   DefaultCleanupInterval,
		stopCleanup:       make(chan struct{}),
		cleanupDone:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.cleanupLoop()
	return s
}

// Health is a no-op for in-memory storage since it is always available.
func (*MemoryStore) Health(_ context.Context) error {
	return nil
}

// Close stops the background cleanup goroutine and waits for it to finish.
func (s *MemoryStore) Close() error {
	close(s.stopCleanup)
	<-s.cleanupDone
	return nil
}

func (s *MemoryStore) cleanupLoop() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanupExpired()
		}
	}
}

// cleanupExpired sweeps expired grants, protocol states, and sessions.
// Collect under read lock, delete under write lock.
func (s *MemoryStore) cleanupExpired() {
	now := time.Now()

	s.mu.RLock()
	var expiredGrants, expiredProto, expiredSessions []string
	for k, g := range s.grants {
		if now.After(g.ExpiresAt) {
			expiredGrants = append(expiredGrants, k)
		}
	}
	for k, p := range s.protocolStates {
		if now.After(p.ExpiresAt) {
			expiredProto = append(expiredProto, k)
		}
	}
	for k, sess := range s.sessions {
		if now.After(sess.AbsoluteDeadline) || now.After(sess.IdleDeadline) {
			expiredSessions = append(expiredSessions, k)
		}
	}
	s.mu.RUnlock()

	if len(expiredGrants) == 0 && len(expiredProto) == 0 && len(expiredSessions) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range expiredGrants {
		delete(s.grants, k)
	}
	for _, k := range expiredProto {
		delete(s.protocolStates, k)
	}
	for _, k := range expiredSessions {
		delete(s.sessions, k)
	}
}

// scopedKey builds a composite key with a length prefix so tenant IDs
// containing the separator cannot collide.
func scopedKey(tenantID string, parts ...string) string {
	return fmt.Sprintf("%d:%s:%s", len(tenantID), tenantID, strings.Join(parts, ":"))
}

// deepCopy clones an entity through JSON. This matches the fidelity of the
// persistent backends, which serialize the same way.
func deepCopy[T any](v *T) *T {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		logger.Errorw("failed to clone entity", "error", err.Error())
		return nil
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		logger.Errorw("failed to clone entity", "error", err.Error())
		return nil
	}
	return out
}

// -----------------------
// ClientStore
// -----------------------

// GetClient returns the client visible to the tenant. Platform-global
// clients (empty tenant binding) are visible everywhere.
func (s *MemoryStore) GetClient(_ context.Context, tenantID, clientID string) (*Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		logger.Debugw("client not found", "client_id", clientID)
		return nil, fmt.Errorf("%w: client %s", ErrNotFound, clientID)
	}
	if client.TenantID != "" && client.TenantID != tenantID {
		// Cross-tenant reads look like missing entities.
		return nil, fmt.Errorf("%w: client %s", ErrNotFound, clientID)
	}
	return deepCopy(client), nil
}

// PutClient creates or replaces a client.
func (s *MemoryStore) PutClient(_ context.Context, client *Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client ID cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[client.ClientID] = deepCopy(client)
	return nil
}

// DeleteClient removes a client.
func (s *MemoryStore) DeleteClient(_ context.Context, tenantID, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	client, ok := s.clients[clientID]
	if !ok || (client.TenantID != "" && client.TenantID != tenantID) {
		return fmt.Errorf("%w: client %s", ErrNotFound, clientID)
	}
	delete(s.clients, clientID)
	return nil
}

// ListAllCORSOrigins returns the union of allowed CORS origins across all
// tenants. CORS runs before tenant resolution, so this is tenant-unscoped.
func (s *MemoryStore) ListAllCORSOrigins(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	var origins []string
	for _, client := range s.clients {
		for _, origin := range client.AllowedCORSOrigins {
			if !seen[origin] {
				seen[origin] = true
				origins = append(origins, origin)
			}
		}
	}
	sort.Strings(origins)
	return origins, nil
}

// -----------------------
// ResourceStore
// -----------------------

// FindResourcesByScopes resolves scope names to identity resources and API
// scopes, preferring a tenant-bound definition over a platform one.
func (s *MemoryStore) FindResourcesByScopes(
	_ context.Context, tenantID string, scopes []string,
) ([]*IdentityResource, []*APIScope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var identity []*IdentityResource
	var api []*APIScope
	for _, scope := range scopes {
		if res, ok := s.identityResources[scopedKey(tenantID, scope)]; ok {
			identity = append(identity, deepCopy(res))
		} else if res, ok := s.identityResources[scopedKey("", scope)]; ok {
			identity = append(identity, deepCopy(res))
		}
		if sc, ok := s.apiScopes[scopedKey(tenantID, scope)]; ok {
			api = append(api, deepCopy(sc))
		} else if sc, ok := s.apiScopes[scopedKey("", scope)]; ok {
			api = append(api, deepCopy(sc))
		}
	}
	return identity, api, nil
}

// PutIdentityResource stores an identity resource.
func (s *MemoryStore) PutIdentityResource(_ context.Context, res *IdentityResource) error {
	if res == nil || res.Name == "" {
		return fmt.Errorf("resource name cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identityResources[scopedKey(res.TenantID, res.Name)] = deepCopy(res)
	return nil
}

// PutAPIScope stores an API scope.
func (s *MemoryStore) PutAPIScope(_ context.Context, scope *APIScope) error {
	if scope == nil || scope.Name == "" {
		return fmt.Errorf("scope name cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiScopes[scopedKey(scope.TenantID, scope.Name)] = deepCopy(scope)
	return nil
}

// -----------------------
// GrantStore
// -----------------------

// StoreGrant persists a grant. The write completes before the handle can be
// returned to any caller, so a later redemption always observes it.
func (s *MemoryStore) StoreGrant(_ context.Context, grant *PersistedGrant) error {
	if grant == nil || grant.Key == "" {
		return fmt.Errorf("grant key cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.grants[grant.Key]; exists {
		return fmt.Errorf("%w: grant key", ErrAlreadyExists)
	}
	s.grants[grant.Key] = deepCopy(grant)
	return nil
}

// UpdateGrant rewrites an existing grant in place.
func (s *MemoryStore) UpdateGrant(_ context.Context, grant *PersistedGrant) error {
	if grant == nil || grant.Key == "" {
		return fmt.Errorf("grant key cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.grants[grant.Key]
	if !ok || existing.TenantID != grant.TenantID {
		return fmt.Errorf("%w: grant", ErrNotFound)
	}
	s.grants[grant.Key] = deepCopy(grant)
	return nil
}

func (s *MemoryStore) grantVisible(grant *PersistedGrant, tenantID string) bool {
	return grant.TenantID == "" || grant.TenantID == tenantID
}

// GetGrant returns the grant for a handle without consuming it.
func (s *MemoryStore) GetGrant(_ context.Context, tenantID, key string) (*PersistedGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	grant, ok := s.grants[key]
	if !ok || !s.grantVisible(grant, tenantID) {
		logger.Debugw("grant not found", "type", "lookup")
		return nil, fmt.Errorf("%w: grant", ErrNotFound)
	}
	if time.Now().After(grant.ExpiresAt) {
		return nil, ErrExpired
	}
	return deepCopy(grant), nil
}

// ConsumeGrant atomically marks the grant consumed. Exactly one of any set
// of concurrent callers succeeds; the rest get ErrAlreadyConsumed.
func (s *MemoryStore) ConsumeGrant(_ context.Context, tenantID, key string) (*PersistedGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	grant, ok := s.grants[key]
	if !ok || !s.grantVisible(grant, tenantID) {
		return nil, fmt.Errorf("%w: grant", ErrNotFound)
	}
	if time.Now().After(grant.ExpiresAt) {
		return nil, ErrExpired
	}
	if grant.ConsumedAt != nil {
		return nil, ErrAlreadyConsumed
	}
	now := time.Now()
	grant.ConsumedAt = &now
	out := deepCopy(grant)
	out.ConsumedAt = nil // callers receive the pre-consumption value
	return out, nil
}

// DeleteGrant removes a grant outright.
func (s *MemoryStore) DeleteGrant(_ context.Context, tenantID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	grant, ok := s.grants[key]
	if !ok || !s.grantVisible(grant, tenantID) {
		return fmt.Errorf("%w: grant", ErrNotFound)
	}
	delete(s.grants, key)
	return nil
}

// ListGrantsBySession returns the unconsumed grants attached to a session.
func (s *MemoryStore) ListGrantsBySession(_ context.Context, tenantID, sessionID string) ([]*PersistedGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*PersistedGrant
	for _, grant := range s.grants {
		if grant.SessionID == sessionID && s.grantVisible(grant, tenantID) && grant.ConsumedAt == nil {
			out = append(out, deepCopy(grant))
		}
	}
	return out, nil
}

// -----------------------
// ConsentStore
// -----------------------

// GetConsent returns the remembered consent for subject × client × tenant.
func (s *MemoryStore) GetConsent(_ context.Context, tenantID, subjectID, clientID string) (*Consent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	consent, ok := s.consents[scopedKey(tenantID, subjectID, clientID)]
	if !ok {
		return nil, fmt.Errorf("%w: consent", ErrNotFound)
	}
	if consent.ExpiresAt != nil && time.Now().After(*consent.ExpiresAt) {
		return nil, ErrExpired
	}
	return deepCopy(consent), nil
}

// PutConsent stores a consent decision.
func (s *MemoryStore) PutConsent(_ context.Context, consent *Consent) error {
	if consent == nil || consent.SubjectID == "" || consent.ClientID == "" {
		return fmt.Errorf("consent subject and client cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consents[scopedKey(consent.TenantID, consent.SubjectID, consent.ClientID)] = deepCopy(consent)
	return nil
}

// DeleteConsent removes a remembered consent.
func (s *MemoryStore) DeleteConsent(_ context.Context, tenantID, subjectID, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := scopedKey(tenantID, subjectID, clientID)
	if _, ok := s.consents[key]; !ok {
		return fmt.Errorf("%w: consent", ErrNotFound)
	}
	delete(s.consents, key)
	return nil
}

// -----------------------
// SigningKeyStore
// -----------------------

// GetKey returns a signing key by ID.
func (s *MemoryStore) GetKey(_ context.Context, keyID string) (*SigningKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: key %s", ErrNotFound, keyID)
	}
	return deepCopy(key), nil
}

// ListKeys returns keys for a tenant, optionally filtered by use. Ordered by
// CreatedAt descending so the newest candidate comes first.
func (s *MemoryStore) ListKeys(_ context.Context, tenantID string, use KeyUse) ([]*SigningKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*SigningKey
	for _, key := range s.keys {
		if key.TenantID != tenantID {
			continue
		}
		if use != "" && key.Use != use {
			continue
		}
		out = append(out, deepCopy(key))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// PutKey stores a signing key record.
func (s *MemoryStore) PutKey(_ context.Context, key *SigningKey) error {
	if key == nil || key.KeyID == "" {
		return fmt.Errorf("key ID cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key.KeyID] = deepCopy(key)
	return nil
}

// DeleteKey removes a signing key and its certificate metadata.
func (s *MemoryStore) DeleteKey(_ context.Context, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.keys[keyID]; !ok {
		return fmt.Errorf("%w: key %s", ErrNotFound, keyID)
	}
	delete(s.keys, keyID)
	delete(s.certs, keyID)
	return nil
}

// PutCertificate stores certificate metadata alongside its key.
func (s *MemoryStore) PutCertificate(_ context.Context, cert *Certificate) error {
	if cert == nil || cert.KeyID == "" {
		return fmt.Errorf("certificate key ID cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.certs[cert.KeyID] = deepCopy(cert)
	return nil
}

// GetCertificate returns certificate metadata by key ID.
func (s *MemoryStore) GetCertificate(_ context.Context, keyID string) (*Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cert, ok := s.certs[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: certificate %s", ErrNotFound, keyID)
	}
	return deepCopy(cert), nil
}

// -----------------------
// SessionStore
// -----------------------

// GetSession returns an authenticated-user session.
func (s *MemoryStore) GetSession(_ context.Context, tenantID, sessionID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[scopedKey(tenantID, sessionID)]
	if !ok {
		return nil, fmt.Errorf("%w: session", ErrNotFound)
	}
	now := time.Now()
	if now.After(sess.AbsoluteDeadline) || now.After(sess.IdleDeadline) {
		return nil, ErrExpired
	}
	return deepCopy(sess), nil
}

// PutSession stores a session.
func (s *MemoryStore) PutSession(_ context.Context, session *Session) error {
	if session == nil || session.SessionID == "" {
		return fmt.Errorf("session ID cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[scopedKey(session.TenantID, session.SessionID)] = deepCopy(session)
	return nil
}

// DeleteSession removes a session.
func (s *MemoryStore) DeleteSession(_ context.Context, tenantID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := scopedKey(tenantID, sessionID)
	if _, ok := s.sessions[key]; !ok {
		return fmt.Errorf("%w: session", ErrNotFound)
	}
	delete(s.sessions, key)
	return nil
}

// TouchSession extends the idle deadline after activity.
func (s *MemoryStore) TouchSession(_ context.Context, tenantID, sessionID string, idleDeadline time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[scopedKey(tenantID, sessionID)]
	if !ok {
		return fmt.Errorf("%w: session", ErrNotFound)
	}
	sess.IdleDeadline = idleDeadline
	return nil
}

// -----------------------
// JourneyPolicyStore
// -----------------------

// GetPolicy returns a policy by ID, tenant-checked.
func (s *MemoryStore) GetPolicy(_ context.Context, tenantID, policyID string) (*JourneyPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	policy, ok := s.policies[scopedKey(tenantID, policyID)]
	if !ok {
		// Fall back to a platform-global policy.
		policy, ok = s.policies[scopedKey("", policyID)]
	}
	if !ok {
		return nil, fmt.Errorf("%w: policy %s", ErrNotFound, policyID)
	}
	return deepCopy(policy), nil
}

// ListPolicies returns enabled policies for a tenant and type in descending
// priority order. Platform-global policies are included.
func (s *MemoryStore) ListPolicies(_ context.Context, tenantID string, typ JourneyType) ([]*JourneyPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*JourneyPolicy
	for _, policy := range s.policies {
		if !policy.Enabled {
			continue
		}
		if policy.TenantID != "" && policy.TenantID != tenantID {
			continue
		}
		if typ != "" && policy.Type != typ {
			continue
		}
		out = append(out, deepCopy(policy))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// PutPolicy stores a journey policy.
func (s *MemoryStore) PutPolicy(_ context.Context, policy *JourneyPolicy) error {
	if policy == nil || policy.ID == "" {
		return fmt.Errorf("policy ID cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[scopedKey(policy.TenantID, policy.ID)] = deepCopy(policy)
	return nil
}

// DeletePolicy removes a journey policy.
func (s *MemoryStore) DeletePolicy(_ context.Context, tenantID, policyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := scopedKey(tenantID, policyID)
	if _, ok := s.policies[key]; !ok {
		return fmt.Errorf("%w: policy %s", ErrNotFound, policyID)
	}
	delete(s.policies, key)
	return nil
}

// -----------------------
// JourneyStateStore
// -----------------------

// GetState returns a journey state, tenant-checked.
func (s *MemoryStore) GetState(_ context.Context, tenantID, journeyID string) (*JourneyState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.journeyStates[scopedKey(tenantID, journeyID)]
	if !ok {
		return nil, fmt.Errorf("%w: journey %s", ErrNotFound, journeyID)
	}
	return deepCopy(state), nil
}

// PutState writes the state unconditionally (initial creation).
func (s *MemoryStore) PutState(_ context.Context, state *JourneyState) error {
	if state == nil || state.ID == "" {
		return fmt.Errorf("journey ID cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.journeyStates[scopedKey(state.TenantID, state.ID)] = deepCopy(state)
	return nil
}

// UpdateState writes the state only if the stored LastActivityAt still
// matches expectedActivity. The losing writer of a race gets ErrConflict
// and must re-read.
func (s *MemoryStore) UpdateState(_ context.Context, state *JourneyState, expectedActivity time.Time) error {
	if state == nil || state.ID == "" {
		return fmt.Errorf("journey ID cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := scopedKey(state.TenantID, state.ID)
	current, ok := s.journeyStates[key]
	if !ok {
		return fmt.Errorf("%w: journey %s", ErrNotFound, state.ID)
	}
	if !current.LastActivityAt.Equal(expectedActivity) {
		return fmt.Errorf("%w: journey state changed concurrently", ErrConflict)
	}
	s.journeyStates[key] = deepCopy(state)
	return nil
}

// DeleteState removes a journey state.
func (s *MemoryStore) DeleteState(_ context.Context, tenantID, journeyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := scopedKey(tenantID, journeyID)
	if _, ok := s.journeyStates[key]; !ok {
		return fmt.Errorf("%w: journey %s", ErrNotFound, journeyID)
	}
	delete(s.journeyStates, key)
	return nil
}

// -----------------------
// ProtocolStateStore
// -----------------------

// StoreProtocolState persists a protocol correlation record.
func (s *MemoryStore) StoreProtocolState(_ context.Context, state *ProtocolState) error {
	if state == nil || state.ID == "" {
		return fmt.Errorf("protocol state ID cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := scopedKey(state.TenantID, state.ID)
	if _, exists := s.protocolStates[key]; exists {
		return fmt.Errorf("%w: protocol state", ErrAlreadyExists)
	}
	s.protocolStates[key] = deepCopy(state)
	return nil
}

// ConsumeProtocolState returns and deletes the record in one step.
func (s *MemoryStore) ConsumeProtocolState(_ context.Context, tenantID, id string) (*ProtocolState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := scopedKey(tenantID, id)
	state, ok := s.protocolStates[key]
	if !ok {
		return nil, fmt.Errorf("%w: protocol state", ErrNotFound)
	}
	delete(s.protocolStates, key)
	if time.Now().After(state.ExpiresAt) {
		return nil, ErrExpired
	}
	return deepCopy(state), nil
}

// -----------------------
// UserStore
// -----------------------

// GetUser returns a user by internal ID.
func (s *MemoryStore) GetUser(_ context.Context, tenantID, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[scopedKey(tenantID, id)]
	if !ok {
		return nil, fmt.Errorf("%w: user", ErrNotFound)
	}
	return deepCopy(user), nil
}

// GetUserByUsername returns a user by username. O(n); the persistent
// backends index this.
func (s *MemoryStore) GetUserByUsername(_ context.Context, tenantID, username string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, user := range s.users {
		if user.TenantID == tenantID && strings.EqualFold(user.Username, username) {
			return deepCopy(user), nil
		}
	}
	return nil, fmt.Errorf("%w: user", ErrNotFound)
}

// ListUsers returns the tenant's users ordered by username.
func (s *MemoryStore) ListUsers(_ context.Context, tenantID string) ([]*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*User
	for _, user := range s.users {
		if user.TenantID == tenantID {
			out = append(out, deepCopy(user))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].Username) < strings.ToLower(out[j].Username)
	})
	return out, nil
}

// PutUser stores a user.
func (s *MemoryStore) PutUser(_ context.Context, user *User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("user ID cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[scopedKey(user.TenantID, user.ID)] = deepCopy(user)
	return nil
}

// DeleteUser removes a user.
func (s *MemoryStore) DeleteUser(_ context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := scopedKey(tenantID, id)
	if _, ok := s.users[key]; !ok {
		return fmt.Errorf("%w: user", ErrNotFound)
	}
	delete(s.users, key)
	return nil
}

// -----------------------
// RoleStore
// -----------------------

// GetRole returns a role by name.
func (s *MemoryStore) GetRole(_ context.Context, tenantID, name string) (*Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	role, ok := s.roles[scopedKey(tenantID, name)]
	if !ok {
		return nil, fmt.Errorf("%w: role %s", ErrNotFound, name)
	}
	return deepCopy(role), nil
}

// PutRole stores a role.
func (s *MemoryStore) PutRole(_ context.Context, role *Role) error {
	if role == nil || role.Name == "" {
		return fmt.Errorf("role name cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roles[scopedKey(role.TenantID, role.Name)] = deepCopy(role)
	return nil
}

// ListRoles returns the roles for a tenant sorted by name.
func (s *MemoryStore) ListRoles(_ context.Context, tenantID string) ([]*Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Role
	for _, role := range s.roles {
		if role.TenantID == tenantID {
			out = append(out, deepCopy(role))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// DeleteRole removes a role.
func (s *MemoryStore) DeleteRole(_ context.Context, tenantID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := scopedKey(tenantID, name)
	if _, ok := s.roles[key]; !ok {
		return fmt.Errorf("%w: role %s", ErrNotFound, name)
	}
	delete(s.roles, key)
	return nil
}

// -----------------------
// TenantStore
// -----------------------

// GetTenantRecord returns a tenant by ID.
func (s *MemoryStore) GetTenantRecord(_ context.Context, id string) (*TenantRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.tenants[id]
	if !ok {
		return nil, fmt.Errorf("%w: tenant %s", ErrNotFound, id)
	}
	return deepCopy(rec), nil
}

// GetTenantRecordByHost returns the tenant mapped to a host.
func (s *MemoryStore) GetTenantRecordByHost(_ context.Context, host string) (*TenantRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rec := range s.tenants {
		if rec.CustomDomain == host {
			return deepCopy(rec), nil
		}
	}
	return nil, fmt.Errorf("%w: tenant for host %s", ErrNotFound, host)
}

// PutTenantRecord stores a tenant record.
func (s *MemoryStore) PutTenantRecord(_ context.Context, rec *TenantRecord) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("tenant ID cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[rec.ID] = deepCopy(rec)
	return nil
}

// Stats contains statistics about storage contents, for tests and
// monitoring.
type Stats struct {
	Clients        int
	Grants         int
	Consents       int
	Keys           int
	Sessions       int
	Policies       int
	JourneyStates  int
	ProtocolStates int
	Users          int
	Roles          int
}

// Stats returns current statistics about storage contents.
func (s *MemoryStore) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Stats{
		Clients:        len(s.clients),
		Grants:         len(s.grants),
		Consents:       len(s.consents),
		Keys:           len(s.keys),
		Sessions:       len(s.sessions),
		Policies:       len(s.policies),
		JourneyStates:  len(s.journeyStates),
		ProtocolStates: len(s.protocolStates),
		Users:          len(s.users),
		Roles:          len(s.roles),
	}
}

// Compile-time interface compliance check.
var _ Store = (*MemoryStore)(nil)
