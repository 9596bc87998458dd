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
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // register the sqlite driver

	"github.com/stacklok/idhive/pkg/logger"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store on a SQLite database. Entities are stored as
// JSON documents with the columns needed for lookups, expiry sweeps, and
// conditional writes broken out alongside.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dsn and applies pending
// migrations. Use ":memory:" for an ephemeral database.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("sqlite dsn cannot be empty")
	}
	if dsn != ":memory:" && !strings.Contains(dsn, "?") {
		// WAL keeps readers unblocked during writes; the busy timeout
		// absorbs short write contention instead of failing.
		dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// between pooled connections.
	db.SetMaxOpenConns(1)

	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	logger.Infow("sqlite storage ready", "dsn", dsn)
	return &SQLiteStore{db: db}, nil
}

// Health pings the database.
func (s *SQLiteStore) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func marshalDoc(v any) ([]byte, error) {
	doc, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize entity: %w", err)
	}
	return doc, nil
}

func scanDoc[T any](row *sql.Row, entity string) (*T, error) {
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, entity)
		}
		return nil, fmt.Errorf("failed to read %s: %w", entity, err)
	}
	out := new(T)
	if err := json.Unmarshal(doc, out); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", entity, err)
	}
	return out, nil
}

// -----------------------
// ClientStore
// -----------------------

// GetClient returns the client visible to the tenant (tenant-bound or
// platform-global).
func (s *SQLiteStore) GetClient(ctx context.Context, tenantID, clientID string) (*Client, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT doc FROM clients WHERE client_id = ? AND tenant_id IN ('', ?)`,
		clientID, tenantID)
	return scanDoc[Client](row, "client")
}

// PutClient upserts a client and rebuilds its CORS origin rows in one
// transaction.
func (s *SQLiteStore) PutClient(ctx context.Context, client *Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client ID cannot be empty")
	}
	doc, err := marshalDoc(client)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO clients (client_id, tenant_id, doc) VALUES (?, ?, ?)
		 ON CONFLICT (client_id) DO UPDATE SET tenant_id = excluded.tenant_id, doc = excluded.doc`,
		client.ClientID, client.TenantID, doc); err != nil {
		return fmt.Errorf("failed to store client: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM client_origins WHERE client_id = ?`, client.ClientID); err != nil {
		return fmt.Errorf("failed to clear client origins: %w", err)
	}
	for _, origin := range client.AllowedCORSOrigins {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO client_origins (client_id, origin) VALUES (?, ?)`,
			client.ClientID, origin); err != nil {
			return fmt.Errorf("failed to store client origin: %w", err)
		}
	}
	return tx.Commit()
}

// DeleteClient removes a client and its origin rows.
func (s *SQLiteStore) DeleteClient(ctx context.Context, tenantID, clientID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM clients WHERE client_id = ? AND tenant_id IN ('', ?)`,
		clientID, tenantID)
	if err != nil {
		return fmt.Errorf("failed to delete client: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: client %s", ErrNotFound, clientID)
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM client_origins WHERE client_id = ?`, clientID)
	return err
}

// ListAllCORSOrigins returns the distinct CORS origins across all clients.
func (s *SQLiteStore) ListAllCORSOrigins(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT origin FROM client_origins ORDER BY origin`)
	if err != nil {
		return nil, fmt.Errorf("failed to list origins: %w", err)
	}
	defer rows.Close()

	var origins []string
	for rows.Next() {
		var origin string
		if err := rows.Scan(&origin); err != nil {
			return nil, err
		}
		origins = append(origins, origin)
	}
	return origins, rows.Err()
}

// -----------------------
// ResourceStore
// -----------------------

// FindResourcesByScopes resolves scope names, preferring tenant-bound
// definitions over platform ones.
func (s *SQLiteStore) FindResourcesByScopes(
	ctx context.Context, tenantID string, scopes []string,
) ([]*IdentityResource, []*APIScope, error) {
	var identity []*IdentityResource
	var api []*APIScope
	for _, scope := range scopes {
		row := s.db.QueryRowContext(ctx,
			`SELECT doc FROM identity_resources WHERE name = ? AND tenant_id IN ('', ?)
			 ORDER BY tenant_id DESC LIMIT 1`, scope, tenantID)
		res, err := scanDoc[IdentityResource](row, "identity resource")
		switch {
		case err == nil:
			identity = append(identity, res)
		case !errors.Is(err, ErrNotFound):
			return nil, nil, err
		}

		row = s.db.QueryRowContext(ctx,
			`SELECT doc FROM api_scopes WHERE name = ? AND tenant_id IN ('', ?)
			 ORDER BY tenant_id DESC LIMIT 1`, scope, tenantID)
		sc, err := scanDoc[APIScope](row, "api scope")
		switch {
		case err == nil:
			api = append(api, sc)
		case !errors.Is(err, ErrNotFound):
			return nil, nil, err
		}
	}
	return identity, api, nil
}

// PutIdentityResource upserts an identity resource.
func (s *SQLiteStore) PutIdentityResource(ctx context.Context, res *IdentityResource) error {
	if res == nil || res.Name == "" {
		return fmt.Errorf("resource name cannot be empty")
	}
	doc, err := marshalDoc(res)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO identity_resources (tenant_id, name, doc) VALUES (?, ?, ?)
		 ON CONFLICT (tenant_id, name) DO UPDATE SET doc = excluded.doc`,
		res.TenantID, res.Name, doc)
	return err
}

// PutAPIScope upserts an API scope.
func (s *SQLiteStore) PutAPIScope(ctx context.Context, scope *APIScope) error {
	if scope == nil || scope.Name == "" {
		return fmt.Errorf("scope name cannot be empty")
	}
	doc, err := marshalDoc(scope)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO api_scopes (tenant_id, name, doc) VALUES (?, ?, ?)
		 ON CONFLICT (tenant_id, name) DO UPDATE SET doc = excluded.doc`,
		scope.TenantID, scope.Name, doc)
	return err
}

// -----------------------
// GrantStore
// -----------------------

// StoreGrant persists a grant. The INSERT either commits before return or
// fails, so a returned handle is always redeemable.
func (s *SQLiteStore) StoreGrant(ctx context.Context, grant *PersistedGrant) error {
	if grant == nil || grant.Key == "" {
		return fmt.Errorf("grant key cannot be empty")
	}
	doc, err := marshalDoc(grant)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO grants (grant_key, tenant_id, session_id, expires_at, consumed_at, doc)
		 VALUES (?, ?, ?, ?, NULL, ?)`,
		grant.Key, grant.TenantID, grant.SessionID, grant.ExpiresAt.UnixNano(), doc)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: grant key", ErrAlreadyExists)
		}
		return fmt.Errorf("failed to store grant: %w", err)
	}
	return nil
}

// UpdateGrant rewrites an existing grant's document and expiry.
func (s *SQLiteStore) UpdateGrant(ctx context.Context, grant *PersistedGrant) error {
	if grant == nil || grant.Key == "" {
		return fmt.Errorf("grant key cannot be empty")
	}
	doc, err := marshalDoc(grant)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE grants SET doc = ?, expires_at = ? WHERE grant_key = ? AND tenant_id = ?`,
		doc, grant.ExpiresAt.UnixNano(), grant.Key, grant.TenantID)
	if err != nil {
		return fmt.Errorf("failed to update grant: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: grant", ErrNotFound)
	}
	return nil
}

// GetGrant returns a grant without consuming it.
func (s *SQLiteStore) GetGrant(ctx context.Context, tenantID, key string) (*PersistedGrant, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT doc FROM grants WHERE grant_key = ? AND tenant_id IN ('', ?)`,
		key, tenantID)
	grant, err := scanDoc[PersistedGrant](row, "grant")
	if err != nil {
		return nil, err
	}
	if time.Now().After(grant.ExpiresAt) {
		return nil, ErrExpired
	}
	return grant, nil
}

// ConsumeGrant redeems a grant exactly once. The conditional UPDATE on
// consumed_at IS NULL is the compare-and-set: the database serializes
// writers, so exactly one concurrent caller flips the row.
func (s *SQLiteStore) ConsumeGrant(ctx context.Context, tenantID, key string) (*PersistedGrant, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE grants SET consumed_at = ?
		 WHERE grant_key = ? AND tenant_id IN ('', ?) AND consumed_at IS NULL AND expires_at > ?`,
		now.UnixNano(), key, tenantID, now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to consume grant: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 1 {
		row := s.db.QueryRowContext(ctx,
			`SELECT doc FROM grants WHERE grant_key = ?`, key)
		return scanDoc[PersistedGrant](row, "grant")
	}

	// The CAS lost; classify why.
	var expiresAt int64
	var consumedAt sql.NullInt64
	err = s.db.QueryRowContext(ctx,
		`SELECT expires_at, consumed_at FROM grants WHERE grant_key = ? AND tenant_id IN ('', ?)`,
		key, tenantID).Scan(&expiresAt, &consumedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("%w: grant", ErrNotFound)
	case err != nil:
		return nil, fmt.Errorf("failed to read grant: %w", err)
	case consumedAt.Valid:
		return nil, ErrAlreadyConsumed
	default:
		return nil, ErrExpired
	}
}

// DeleteGrant removes a grant outright.
func (s *SQLiteStore) DeleteGrant(ctx context.Context, tenantID, key string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM grants WHERE grant_key = ? AND tenant_id IN ('', ?)`,
		key, tenantID)
	if err != nil {
		return fmt.Errorf("failed to delete grant: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: grant", ErrNotFound)
	}
	return nil
}

// ListGrantsBySession returns the unconsumed grants attached to a session.
func (s *SQLiteStore) ListGrantsBySession(ctx context.Context, tenantID, sessionID string) ([]*PersistedGrant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM grants
		 WHERE session_id = ? AND tenant_id IN ('', ?) AND consumed_at IS NULL`,
		sessionID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list grants: %w", err)
	}
	defer rows.Close()

	var out []*PersistedGrant
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		grant := &PersistedGrant{}
		if err := json.Unmarshal(doc, grant); err != nil {
			return nil, fmt.Errorf("failed to decode grant: %w", err)
		}
		out = append(out, grant)
	}
	return out, rows.Err()
}

// -----------------------
// ConsentStore
// -----------------------

// GetConsent returns the remembered consent for subject × client × tenant.
func (s *SQLiteStore) GetConsent(ctx context.Context, tenantID, subjectID, clientID string) (*Consent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT doc FROM consents WHERE tenant_id = ? AND subject_id = ? AND client_id = ?`,
		tenantID, subjectID, clientID)
	consent, err := scanDoc[Consent](row, "consent")
	if err != nil {
		return nil, err
	}
	if consent.ExpiresAt != nil && time.Now().After(*consent.ExpiresAt) {
		return nil, ErrExpired
	}
	return consent, nil
}

// PutConsent upserts a consent decision.
func (s *SQLiteStore) PutConsent(ctx context.Context, consent *Consent) error {
	if consent == nil || consent.SubjectID == "" || consent.ClientID == "" {
		return fmt.Errorf("consent subject and client cannot be empty")
	}
	doc, err := marshalDoc(consent)
	if err != nil {
		return err
	}
	var expiresAt sql.NullInt64
	if consent.ExpiresAt != nil {
		expiresAt = sql.NullInt64{Int64: consent.ExpiresAt.UnixNano(), Valid: true}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO consents (tenant_id, subject_id, client_id, expires_at, doc)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (tenant_id, subject_id, client_id)
		 DO UPDATE SET expires_at = excluded.expires_at, doc = excluded.doc`,
		consent.TenantID, consent.SubjectID, consent.ClientID, expiresAt, doc)
	return err
}

// DeleteConsent removes a remembered consent.
func (s *SQLiteStore) DeleteConsent(ctx context.Context, tenantID, subjectID, clientID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM consents WHERE tenant_id = ? AND subject_id = ? AND client_id = ?`,
		tenantID, subjectID, clientID)
	if err != nil {
		return fmt.Errorf("failed to delete consent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: consent", ErrNotFound)
	}
	return nil
}

// -----------------------
// SigningKeyStore
// -----------------------

// GetKey returns a signing key by ID.
func (s *SQLiteStore) GetKey(ctx context.Context, keyID string) (*SigningKey, error) {
	row := s.db.QueryRowContext(ctx, `SELECT doc FROM signing_keys WHERE key_id = ?`, keyID)
	return scanDoc[SigningKey](row, "key")
}

// ListKeys returns keys for a tenant, newest first.
func (s *SQLiteStore) ListKeys(ctx context.Context, tenantID string, use KeyUse) ([]*SigningKey, error) {
	query := `SELECT doc FROM signing_keys WHERE tenant_id = ?`
	args := []any{tenantID}
	if use != "" {
		query += ` AND key_use = ?`
		args = append(args, string(use))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer rows.Close()

	var out []*SigningKey
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		key := &SigningKey{}
		if err := json.Unmarshal(doc, key); err != nil {
			return nil, fmt.Errorf("failed to decode key: %w", err)
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

// PutKey upserts a signing key record.
func (s *SQLiteStore) PutKey(ctx context.Context, key *SigningKey) error {
	if key == nil || key.KeyID == "" {
		return fmt.Errorf("key ID cannot be empty")
	}
	doc, err := marshalDoc(key)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO signing_keys (key_id, tenant_id, key_use, created_at, doc)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (key_id) DO UPDATE SET
		   tenant_id = excluded.tenant_id, key_use = excluded.key_use,
		   created_at = excluded.created_at, doc = excluded.doc`,
		key.KeyID, key.TenantID, string(key.Use), key.CreatedAt.UnixNano(), doc)
	return err
}

// DeleteKey removes a signing key and its certificate metadata.
func (s *SQLiteStore) DeleteKey(ctx context.Context, keyID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM signing_keys WHERE key_id = ?`, keyID)
	if err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: key %s", ErrNotFound, keyID)
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM certificates WHERE key_id = ?`, keyID)
	return err
}

// PutCertificate upserts certificate metadata.
func (s *SQLiteStore) PutCertificate(ctx context.Context, cert *Certificate) error {
	if cert == nil || cert.KeyID == "" {
		return fmt.Errorf("certificate key ID cannot be empty")
	}
	doc, err := marshalDoc(cert)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO certificates (key_id, doc) VALUES (?, ?)
		 ON CONFLICT (key_id) DO UPDATE SET doc = excluded.doc`,
		cert.KeyID, doc)
	return err
}

// GetCertificate returns certificate metadata by key ID.
func (s *SQLiteStore) GetCertificate(ctx context.Context, keyID string) (*Certificate, error) {
	row := s.db.QueryRowContext(ctx, `SELECT doc FROM certificates WHERE key_id = ?`, keyID)
	return scanDoc[Certificate](row, "certificate")
}

// -----------------------
// SessionStore
// -----------------------

// GetSession returns a live session.
func (s *SQLiteStore) GetSession(ctx context.Context, tenantID, sessionID string) (*Session, error) {
	now := time.Now().UnixNano()
	row := s.db.QueryRowContext(ctx,
		`SELECT doc FROM sessions
		 WHERE tenant_id = ? AND session_id = ? AND idle_deadline > ? AND absolute_deadline > ?`,
		tenantID, sessionID, now, now)
	sess, err := scanDoc[Session](row, "session")
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	// Distinguish missing from expired for callers that care.
	var n int
	if scanErr := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE tenant_id = ? AND session_id = ?`,
		tenantID, sessionID).Scan(&n); scanErr == nil && n > 0 {
		return nil, ErrExpired
	}
	return nil, err
}

// PutSession upserts a session.
func (s *SQLiteStore) PutSession(ctx context.Context, session *Session) error {
	if session == nil || session.SessionID == "" {
		return fmt.Errorf("session ID cannot be empty")
	}
	doc, err := marshalDoc(session)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (tenant_id, session_id, idle_deadline, absolute_deadline, doc)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (tenant_id, session_id) DO UPDATE SET
		   idle_deadline = excluded.idle_deadline,
		   absolute_deadline = excluded.absolute_deadline, doc = excluded.doc`,
		session.TenantID, session.SessionID,
		session.IdleDeadline.UnixNano(), session.AbsoluteDeadline.UnixNano(), doc)
	return err
}

// DeleteSession removes a session.
func (s *SQLiteStore) DeleteSession(ctx context.Context, tenantID, sessionID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE tenant_id = ? AND session_id = ?`,
		tenantID, sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: session", ErrNotFound)
	}
	return nil
}

// TouchSession extends the idle deadline. The JSON document is patched so
// reads stay consistent with the indexed column.
func (s *SQLiteStore) TouchSession(ctx context.Context, tenantID, sessionID string, idleDeadline time.Time) error {
	sess, err := s.GetSession(ctx, tenantID, sessionID)
	if err != nil {
		return err
	}
	sess.IdleDeadline = idleDeadline
	return s.PutSession(ctx, sess)
}

// -----------------------
// JourneyPolicyStore
// -----------------------

// GetPolicy returns a policy by ID, preferring the tenant-bound definition.
func (s *SQLiteStore) GetPolicy(ctx context.Context, tenantID, policyID string) (*JourneyPolicy, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT doc FROM journey_policies WHERE policy_id = ? AND tenant_id IN ('', ?)
		 ORDER BY tenant_id DESC LIMIT 1`, policyID, tenantID)
	return scanDoc[JourneyPolicy](row, "policy")
}

// ListPolicies returns enabled policies in descending priority order.
func (s *SQLiteStore) ListPolicies(ctx context.Context, tenantID string, typ JourneyType) ([]*JourneyPolicy, error) {
	query := `SELECT doc FROM journey_policies
		 WHERE enabled = 1 AND tenant_id IN ('', ?)`
	args := []any{tenantID}
	if typ != "" {
		query += ` AND journey_type = ?`
		args = append(args, string(typ))
	}
	query += ` ORDER BY priority DESC, policy_id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list policies: %w", err)
	}
	defer rows.Close()

	var out []*JourneyPolicy
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		policy := &JourneyPolicy{}
		if err := json.Unmarshal(doc, policy); err != nil {
			return nil, fmt.Errorf("failed to decode policy: %w", err)
		}
		out = append(out, policy)
	}
	return out, rows.Err()
}

// PutPolicy upserts a journey policy.
func (s *SQLiteStore) PutPolicy(ctx context.Context, policy *JourneyPolicy) error {
	if policy == nil || policy.ID == "" {
		return fmt.Errorf("policy ID cannot be empty")
	}
	doc, err := marshalDoc(policy)
	if err != nil {
		return err
	}
	enabled := 0
	if policy.Enabled {
		enabled = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO journey_policies (tenant_id, policy_id, journey_type, enabled, priority, doc)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (tenant_id, policy_id) DO UPDATE SET
		   journey_type = excluded.journey_type, enabled = excluded.enabled,
		   priority = excluded.priority, doc = excluded.doc`,
		policy.TenantID, policy.ID, string(policy.Type), enabled, policy.Priority, doc)
	return err
}

// DeletePolicy removes a journey policy.
func (s *SQLiteStore) DeletePolicy(ctx context.Context, tenantID, policyID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM journey_policies WHERE tenant_id = ? AND policy_id = ?`,
		tenantID, policyID)
	if err != nil {
		return fmt.Errorf("failed to delete policy: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: policy %s", ErrNotFound, policyID)
	}
	return nil
}

// -----------------------
// JourneyStateStore
// -----------------------

// GetState returns a journey state.
func (s *SQLiteStore) GetState(ctx context.Context, tenantID, journeyID string) (*JourneyState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT doc FROM journey_states WHERE tenant_id = ? AND journey_id = ?`,
		tenantID, journeyID)
	return scanDoc[JourneyState](row, "journey")
}

// PutState writes the state unconditionally.
func (s *SQLiteStore) PutState(ctx context.Context, state *JourneyState) error {
	if state == nil || state.ID == "" {
		return fmt.Errorf("journey ID cannot be empty")
	}
	doc, err := marshalDoc(state)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO journey_states (tenant_id, journey_id, last_activity_at, doc)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (tenant_id, journey_id) DO UPDATE SET
		   last_activity_at = excluded.last_activity_at, doc = excluded.doc`,
		state.TenantID, state.ID, state.LastActivityAt.UnixNano(), doc)
	return err
}

// UpdateState writes the state only if last_activity_at is unchanged,
// returning ErrConflict when a concurrent writer got there first.
func (s *SQLiteStore) UpdateState(ctx context.Context, state *JourneyState, expectedActivity time.Time) error {
	if state == nil || state.ID == "" {
		return fmt.Errorf("journey ID cannot be empty")
	}
	doc, err := marshalDoc(state)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE journey_states SET last_activity_at = ?, doc = ?
		 WHERE tenant_id = ? AND journey_id = ? AND last_activity_at = ?`,
		state.LastActivityAt.UnixNano(), doc,
		state.TenantID, state.ID, expectedActivity.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to update journey state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var count int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM journey_states WHERE tenant_id = ? AND journey_id = ?`,
		state.TenantID, state.ID).Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("%w: journey %s", ErrNotFound, state.ID)
	}
	return fmt.Errorf("%w: journey state changed concurrently", ErrConflict)
}

// DeleteState removes a journey state.
func (s *SQLiteStore) DeleteState(ctx context.Context, tenantID, journeyID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM journey_states WHERE tenant_id = ? AND journey_id = ?`,
		tenantID, journeyID)
	if err != nil {
		return fmt.Errorf("failed to delete journey state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: journey %s", ErrNotFound, journeyID)
	}
	return nil
}

// -----------------------
// ProtocolStateStore
// -----------------------

// StoreProtocolState persists a protocol correlation record.
func (s *SQLiteStore) StoreProtocolState(ctx context.Context, state *ProtocolState) error {
	if state == nil || state.ID == "" {
		return fmt.Errorf("protocol state ID cannot be empty")
	}
	doc, err := marshalDoc(state)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO protocol_states (tenant_id, state_id, expires_at, doc) VALUES (?, ?, ?, ?)`,
		state.TenantID, state.ID, state.ExpiresAt.UnixNano(), doc)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: protocol state", ErrAlreadyExists)
		}
		return fmt.Errorf("failed to store protocol state: %w", err)
	}
	return nil
}

// ConsumeProtocolState returns and deletes the record in one step.
func (s *SQLiteStore) ConsumeProtocolState(ctx context.Context, tenantID, id string) (*ProtocolState, error) {
	row := s.db.QueryRowContext(ctx,
		`DELETE FROM protocol_states WHERE tenant_id = ? AND state_id = ? RETURNING doc`,
		tenantID, id)
	state, err := scanDoc[ProtocolState](row, "protocol state")
	if err != nil {
		return nil, err
	}
	if time.Now().After(state.ExpiresAt) {
		return nil, ErrExpired
	}
	return state, nil
}

// -----------------------
// UserStore
// -----------------------

// GetUser returns a user by internal ID.
func (s *SQLiteStore) GetUser(ctx context.Context, tenantID, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT doc FROM users WHERE tenant_id = ? AND user_id = ?`, tenantID, id)
	return scanDoc[User](row, "user")
}

// GetUserByUsername returns a user by username, case-insensitively.
func (s *SQLiteStore) GetUserByUsername(ctx context.Context, tenantID, username string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT doc FROM users WHERE tenant_id = ? AND username_lower = ?`,
		tenantID, strings.ToLower(username))
	return scanDoc[User](row, "user")
}

// ListUsers returns the tenant's users ordered by username.
func (s *SQLiteStore) ListUsers(ctx context.Context, tenantID string) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM users WHERE tenant_id = ? ORDER BY username_lower`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var out []*User
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		user := &User{}
		if err := json.Unmarshal(doc, user); err != nil {
			return nil, fmt.Errorf("failed to decode user: %w", err)
		}
		out = append(out, user)
	}
	return out, rows.Err()
}

// PutUser upserts a user.
func (s *SQLiteStore) PutUser(ctx context.Context, user *User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("user ID cannot be empty")
	}
	doc, err := marshalDoc(user)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (tenant_id, user_id, username_lower, doc) VALUES (?, ?, ?, ?)
		 ON CONFLICT (tenant_id, user_id) DO UPDATE SET
		   username_lower = excluded.username_lower, doc = excluded.doc`,
		user.TenantID, user.ID, strings.ToLower(user.Username), doc)
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("%w: username %s", ErrAlreadyExists, user.Username)
	}
	return err
}

// DeleteUser removes a user.
func (s *SQLiteStore) DeleteUser(ctx context.Context, tenantID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM users WHERE tenant_id = ? AND user_id = ?`, tenantID, id)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: user", ErrNotFound)
	}
	return nil
}

// -----------------------
// RoleStore
// -----------------------

// GetRole returns a role by name.
func (s *SQLiteStore) GetRole(ctx context.Context, tenantID, name string) (*Role, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT doc FROM roles WHERE tenant_id = ? AND name = ?`, tenantID, name)
	return scanDoc[Role](row, "role")
}

// PutRole upserts a role.
func (s *SQLiteStore) PutRole(ctx context.Context, role *Role) error {
	if role == nil || role.Name == "" {
		return fmt.Errorf("role name cannot be empty")
	}
	doc, err := marshalDoc(role)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO roles (tenant_id, name, doc) VALUES (?, ?, ?)
		 ON CONFLICT (tenant_id, name) DO UPDATE SET doc = excluded.doc`,
		role.TenantID, role.Name, doc)
	return err
}

// ListRoles returns the roles for a tenant sorted by name.
func (s *SQLiteStore) ListRoles(ctx context.Context, tenantID string) ([]*Role, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM roles WHERE tenant_id = ? ORDER BY name`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	defer rows.Close()

	var out []*Role
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		role := &Role{}
		if err := json.Unmarshal(doc, role); err != nil {
			return nil, fmt.Errorf("failed to decode role: %w", err)
		}
		out = append(out, role)
	}
	return out, rows.Err()
}

// DeleteRole removes a role.
func (s *SQLiteStore) DeleteRole(ctx context.Context, tenantID, name string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM roles WHERE tenant_id = ? AND name = ?`, tenantID, name)
	if err != nil {
		return fmt.Errorf("failed to delete role: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: role %s", ErrNotFound, name)
	}
	return nil
}

// -----------------------
// TenantStore
// -----------------------

// GetTenantRecord returns a tenant by ID.
func (s *SQLiteStore) GetTenantRecord(ctx context.Context, id string) (*TenantRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT doc FROM tenants WHERE tenant_id = ?`, id)
	return scanDoc[TenantRecord](row, "tenant")
}

// GetTenantRecordByHost returns the tenant mapped to a custom domain.
func (s *SQLiteStore) GetTenantRecordByHost(ctx context.Context, host string) (*TenantRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT doc FROM tenants WHERE custom_domain = ? AND custom_domain != ''`, host)
	return scanDoc[TenantRecord](row, "tenant")
}

// PutTenantRecord upserts a tenant record.
func (s *SQLiteStore) PutTenantRecord(ctx context.Context, rec *TenantRecord) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("tenant ID cannot be empty")
	}
	doc, err := marshalDoc(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tenants (tenant_id, custom_domain, doc) VALUES (?, ?, ?)
		 ON CONFLICT (tenant_id) DO UPDATE SET
		   custom_domain = excluded.custom_domain, doc = excluded.doc`,
		rec.ID, rec.CustomDomain, doc)
	return err
}

// SweepExpired deletes expired grants, protocol states, and sessions.
// Intended to run periodically from the server's maintenance loop.
func (s *SQLiteStore) SweepExpired(ctx context.Context) error {
	now := time.Now().UnixNano()
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM grants WHERE expires_at <= ?`, now); err != nil {
		return fmt.Errorf("failed to sweep grants: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM protocol_states WHERE expires_at <= ?`, now); err != nil {
		return fmt.Errorf("failed to sweep protocol states: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE absolute_deadline <= ? OR idle_deadline <= ?`, now, now); err != nil {
		return fmt.Errorf("failed to sweep sessions: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether err is a SQLite uniqueness violation.
// The modernc driver does not export typed errors, so match the message.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint")
}

// Compile-time interface compliance check.
var _ Store = (*SQLiteStore)(nil)
