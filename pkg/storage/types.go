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

// Package storage defines the persisted entities of the authentication core
// and the capability interfaces over them. Implementations: in-memory (tests
// and development), SQLite, and Redis for the short-lived correlation state.
package storage

import (
	"time"
)

// GrantType enumerates the persisted grant types. Grants are one-shot unless
// their type explicitly permits reuse (consent, ciba_request while pending).
type GrantType string

// Persisted grant types.
const (
	GrantAuthorizationCode GrantType = "authorization_code"
	GrantRefreshToken      GrantType = "refresh_token"
	GrantReferenceToken    GrantType = "reference_token"
	GrantDeviceCode        GrantType = "device_code"
	GrantUserCode          GrantType = "user_code"
	GrantConsent           GrantType = "consent"
	GrantCIBARequest       GrantType = "ciba_request"
)

// Client is a registered OAuth/OIDC relying party.
type Client struct {
	ClientID    string `json:"client_id"`
	DisplayName string `json:"display_name,omitempty"`

	// TenantID binds the client to a tenant. Empty means platform-global.
	TenantID string `json:"tenant_id,omitempty"`

	// SecretHashes holds bcrypt hashes of the client secrets. Empty for
	// public clients.
	SecretHashes []string `json:"secret_hashes,omitempty"`

	Public bool `json:"public"`

	AllowedGrantTypes      []string `json:"allowed_grant_types"`
	RedirectURIs           []string `json:"redirect_uris"`
	PostLogoutRedirectURIs []string `json:"post_logout_redirect_uris,omitempty"`
	AllowedCORSOrigins     []string `json:"allowed_cors_origins,omitempty"`
	AllowedScopes          []string `json:"allowed_scopes"`

	// Lifetimes in seconds; zero falls back to tenant, then platform defaults.
	AccessTokenLifetime  int `json:"access_token_lifetime,omitempty"`
	IDTokenLifetime      int `json:"id_token_lifetime,omitempty"`
	RefreshTokenLifetime int `json:"refresh_token_lifetime,omitempty"`

	RequireConsent       bool `json:"require_consent"`
	AllowRememberConsent bool `json:"allow_remember_consent"`
	// ConsentLifetime in seconds; zero means remembered consent never expires.
	ConsentLifetime int `json:"consent_lifetime,omitempty"`

	// AllowPlainPKCE permits the "plain" code_challenge_method. S256 is
	// always accepted.
	AllowPlainPKCE bool `json:"allow_plain_pkce,omitempty"`

	// CIBAEnabled allows the client to start backchannel authentication
	// requests.
	CIBAEnabled bool `json:"ciba_enabled,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IdentityResource groups a set of user claims under a scope name, e.g.
// "profile" covering name/family_name/given_name.
type IdentityResource struct {
	Name        string   `json:"name"`
	DisplayName string   `json:"display_name,omitempty"`
	Description string   `json:"description,omitempty"`
	Required    bool     `json:"required"`
	Emphasize   bool     `json:"emphasize"`
	ClaimTypes  []string `json:"claim_types"`
	TenantID    string   `json:"tenant_id,omitempty"`
}

// APIScope authorizes access to resource servers.
type APIScope struct {
	Name        string   `json:"name"`
	DisplayName string   `json:"display_name,omitempty"`
	Description string   `json:"description,omitempty"`
	Required    bool     `json:"required"`
	Emphasize   bool     `json:"emphasize"`
	ClaimTypes  []string `json:"claim_types,omitempty"`
	TenantID    string   `json:"tenant_id,omitempty"`
}

// KeyUse distinguishes signing keys from encryption keys.
type KeyUse string

// Key uses.
const (
	KeyUseSigning    KeyUse = "signing"
	KeyUseEncryption KeyUse = "encryption"
)

// KeyType enumerates supported key families.
type KeyType string

// Key types.
const (
	KeyTypeRSA       KeyType = "RSA"
	KeyTypeEC        KeyType = "EC"
	KeyTypeSymmetric KeyType = "Symmetric"
)

// SigningKey is persisted signing or encryption key material. Private key
// bytes are stored encrypted by the encryption service, or referenced by a
// vault URI; never both.
type SigningKey struct {
	KeyID    string  `json:"key_id"`
	TenantID string  `json:"tenant_id,omitempty"`
	Use      KeyUse  `json:"use"`
	KeyType  KeyType `json:"key_type"`

	// Algorithm is the JWS algorithm, e.g. RS256, ES256, HS256.
	Algorithm string `json:"algorithm"`

	// ProviderType records which key material provider generated the key so
	// later operations route to the same provider.
	ProviderType string `json:"provider_type"`

	// PublicKeyData is base64 DER (SPKI) for asymmetric keys, empty for
	// symmetric.
	PublicKeyData string `json:"public_key_data,omitempty"`

	// EncryptedPrivateKeyData is the encryption-service ciphertext of the
	// DER private key (PKCS#1 for RSA, SEC1 for EC) or of the raw symmetric
	// key bytes.
	EncryptedPrivateKeyData string `json:"encrypted_private_key_data,omitempty"`

	// KeyVaultURI references externally held material instead of
	// EncryptedPrivateKeyData.
	KeyVaultURI string `json:"key_vault_uri,omitempty"`

	NotBefore time.Time `json:"not_before"`
	NotAfter  time.Time `json:"not_after"`
	Active    bool      `json:"active"`

	// X5t thumbprints are present when the key carries a certificate.
	X5tSHA1   string `json:"x5t,omitempty"`
	X5tSHA256 string `json:"x5t_s256,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Certificate is the metadata of X.509 material, distinct from plain signing
// keys.
type Certificate struct {
	KeyID            string    `json:"key_id"`
	TenantID         string    `json:"tenant_id,omitempty"`
	SubjectDN        string    `json:"subject_dn"`
	IssuerDN         string    `json:"issuer_dn"`
	SerialNumber     string    `json:"serial_number"`
	ThumbprintSHA1   string    `json:"thumbprint_sha1"`
	ThumbprintSHA256 string    `json:"thumbprint_sha256"`
	SubjectAltNames  []string  `json:"subject_alt_names,omitempty"`
	KeyUsageFlags    int       `json:"key_usage_flags"`
	CertificateData  string    `json:"certificate_data"` // base64 DER
	NotBefore        time.Time `json:"not_before"`
	NotAfter         time.Time `json:"not_after"`
	CreatedAt        time.Time `json:"created_at"`
}

// PersistedGrant is an opaque handle to a grant record. The handle (Key) is
// the only identifier a client ever holds.
type PersistedGrant struct {
	// Key is the opaque grant handle. Unique across all grant types.
	Key string `json:"key"`

	Type      GrantType `json:"type"`
	SubjectID string    `json:"subject_id,omitempty"` // empty for client-credentials
	ClientID  string    `json:"client_id"`
	TenantID  string    `json:"tenant_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Scopes    []string  `json:"scopes"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`

	// Payload is the serialized grant body (claims, PKCE challenge, nonce,
	// redirect URI, ...), shape owned by the token service.
	Payload []byte `json:"payload"`

	// ConsumedAt marks one-shot redemption. Nil until consumed.
	ConsumedAt *time.Time `json:"consumed_at,omitempty"`
}

// Consent is a remembered scope grant for subject × client × tenant.
type Consent struct {
	SubjectID string     `json:"subject_id"`
	ClientID  string     `json:"client_id"`
	TenantID  string     `json:"tenant_id,omitempty"`
	Scopes    []string   `json:"scopes"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"` // nil = never
}

// Session is an authenticated-user session.
type Session struct {
	SessionID string    `json:"session_id"`
	SubjectID string    `json:"subject_id"`
	TenantID  string    `json:"tenant_id,omitempty"`
	AuthTime  time.Time `json:"auth_time"`
	AMR       []string  `json:"amr,omitempty"`
	ACR       string    `json:"acr,omitempty"`

	IdleDeadline     time.Time `json:"idle_deadline"`
	AbsoluteDeadline time.Time `json:"absolute_deadline"`

	// SSOMode controls whether the session satisfies later SignIn journeys
	// without re-authentication.
	SSOMode string `json:"sso_mode,omitempty"`
}

// User is a local user account. Kept minimal: the user service behind the
// step handlers owns profile semantics.
type User struct {
	ID           string            `json:"id"`
	TenantID     string            `json:"tenant_id,omitempty"`
	Username     string            `json:"username"`
	Email        string            `json:"email,omitempty"`
	PasswordHash string            `json:"password_hash,omitempty"`
	MFAEnabled   bool              `json:"mfa_enabled"`
	TOTPSecret   string            `json:"totp_secret,omitempty"`
	PhoneNumber  string            `json:"phone_number,omitempty"`
	Claims       map[string]string `json:"claims,omitempty"`
	Roles        []string          `json:"roles,omitempty"`

	// WebAuthn credential bookkeeping.
	Credentials []WebAuthnCredential `json:"credentials,omitempty"`

	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WebAuthnCredential is a registered FIDO2 authenticator.
type WebAuthnCredential struct {
	CredentialID  string    `json:"credential_id"` // base64url
	PublicKeyCOSE []byte    `json:"public_key_cose"`
	SignCount     uint32    `json:"sign_count"`
	RPID          string    `json:"rp_id"`
	CreatedAt     time.Time `json:"created_at"`
}

// Role is an administrative role definition.
type Role struct {
	Name     string      `json:"name"`
	TenantID string      `json:"tenant_id,omitempty"`
	Claims   []RoleClaim `json:"claims,omitempty"`
}

// RoleClaim is a claim granted by a role.
type RoleClaim struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// JourneyType enumerates the built-in journey policy types.
type JourneyType string

// Journey policy types.
const (
	JourneySignIn        JourneyType = "SignIn"
	JourneySignUp        JourneyType = "SignUp"
	JourneyPasswordReset JourneyType = "PasswordReset"
	JourneyProfileEdit   JourneyType = "ProfileEdit"
	JourneyWaitlist      JourneyType = "Waitlist"
	JourneyContactForm   JourneyType = "ContactForm"
	JourneySurvey        JourneyType = "Survey"
	JourneyFeedback      JourneyType = "Feedback"
	JourneyCustom        JourneyType = "Custom"
)

// OutputClaim maps journey data to an emitted claim when a journey completes.
type OutputClaim struct {
	// ClaimType is the emitted claim name.
	ClaimType string `json:"claim_type"`

	// Source is the journey-data key (or collected claim) the value comes
	// from.
	Source string `json:"source"`

	// DefaultValue is used when the source is unresolved; empty means the
	// claim is omitted.
	DefaultValue string `json:"default_value,omitempty"`
}

// PolicyStep is a single node of a journey policy.
type PolicyStep struct {
	ID          string `json:"id"`
	Type        string `json:"type"` // step handler registry key
	Order       int    `json:"order"`
	DisplayName string `json:"display_name,omitempty"`

	// Config is the handler-specific configuration map.
	Config map[string]any `json:"config,omitempty"`

	// Conditions are CEL predicates over the journey context; all must hold
	// or the step is skipped.
	Conditions []string `json:"conditions,omitempty"`

	// OnSuccess / OnFailure are explicit next-step targets. Empty falls back
	// to the default ordering (success) or journey failure.
	OnSuccess string `json:"on_success,omitempty"`
	OnFailure string `json:"on_failure,omitempty"`

	// Branches maps a branch name designated by step output to a target
	// step ID.
	Branches map[string]string `json:"branches,omitempty"`

	// TimeoutSeconds overrides the policy default step timeout when > 0.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`

	MaxRetries      int  `json:"max_retries,omitempty"`
	SkipIfCompleted bool `json:"skip_if_completed,omitempty"`

	RequiredClaims []string `json:"required_claims,omitempty"`
	OutputClaims   []string `json:"output_claims,omitempty"`
}

// JourneyPolicy is the declarative definition of a journey.
type JourneyPolicy struct {
	ID       string      `json:"id"`
	TenantID string      `json:"tenant_id,omitempty"`
	Type     JourneyType `json:"type"`
	Enabled  bool        `json:"enabled"`

	// Priority orders candidate policies; highest enabled match wins.
	Priority int `json:"priority"`

	Steps []PolicyStep `json:"steps"`

	// MatchConditions are CEL predicates over the start context; all must
	// hold for the policy to match.
	MatchConditions []string `json:"match_conditions,omitempty"`

	OutputClaims []OutputClaim `json:"output_claims,omitempty"`

	// SessionSSOMode configures the session issued at completion.
	SessionSSOMode string `json:"session_sso_mode,omitempty"`

	// UIConfig is passed through to view models; the core does not
	// interpret it.
	UIConfig map[string]any `json:"ui_config,omitempty"`

	// DefaultStepTimeoutSeconds applies where a step has no override.
	// Zero falls back to the platform default (300s).
	DefaultStepTimeoutSeconds int `json:"default_step_timeout_seconds,omitempty"`

	// MaxJourneySeconds bounds total journey duration. Zero falls back to
	// the platform default (30 minutes).
	MaxJourneySeconds int `json:"max_journey_seconds,omitempty"`

	RequiresAuthentication bool `json:"requires_authentication,omitempty"`

	// Data-collection settings.
	PersistSubmissions   bool     `json:"persist_submissions,omitempty"`
	DuplicateCheckFields []string `json:"duplicate_check_fields,omitempty"`
}

// JourneyStatus enumerates journey state machine states.
type JourneyStatus string

// Journey states. Completed, Failed, Expired, and Cancelled are terminal.
const (
	JourneyInProgress    JourneyStatus = "InProgress"
	JourneyAwaitingInput JourneyStatus = "AwaitingInput"
	JourneyCompleted     JourneyStatus = "Completed"
	JourneyFailed        JourneyStatus = "Failed"
	JourneyExpired       JourneyStatus = "Expired"
	JourneyCancelled     JourneyStatus = "Cancelled"
)

// Terminal reports whether the status permits no further transitions.
func (s JourneyStatus) Terminal() bool {
	switch s {
	case JourneyCompleted, JourneyFailed, JourneyExpired, JourneyCancelled:
		return true
	default:
		return false
	}
}

// JourneyError captures the failure recorded on a journey state.
type JourneyError struct {
	Code        string `json:"code"`
	Description string `json:"description,omitempty"`
}

// JourneyState is the persisted state of one journey execution. The
// orchestrator is its only writer.
type JourneyState struct {
	ID            string        `json:"id"`
	PolicyID      string        `json:"policy_id"`
	TenantID      string        `json:"tenant_id,omitempty"`
	ClientID      string        `json:"client_id,omitempty"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	CurrentStepID string        `json:"current_step_id"`
	Status        JourneyStatus `json:"status"`

	// UserID is set once a step authenticates the principal.
	UserID string `json:"user_id,omitempty"`

	// JourneyData accumulates step outputs keyed by string.
	JourneyData map[string]any `json:"journey_data,omitempty"`

	// UserInput holds the last-received inputs, read-only for handlers.
	UserInput map[string]any `json:"user_input,omitempty"`

	CompletedSteps []string       `json:"completed_steps,omitempty"`
	RetryCounts    map[string]int `json:"retry_counts,omitempty"`

	StartedAt      time.Time     `json:"started_at"`
	ExpiresAt      time.Time     `json:"expires_at"`
	LastActivityAt time.Time     `json:"last_activity_at"`
	Error          *JourneyError `json:"error,omitempty"`
}

// StepCompleted reports whether the given step ID has completed.
func (s *JourneyState) StepCompleted(stepID string) bool {
	for _, id := range s.CompletedSteps {
		if id == stepID {
			return true
		}
	}
	return false
}

// DefaultProtocolStateTTL bounds how long protocol correlation state lives.
const DefaultProtocolStateTTL = 10 * time.Minute

// ProtocolState correlates a protocol request with the journey launched to
// satisfy it. Created by a protocol endpoint, consumed exactly once when the
// journey finishes.
type ProtocolState struct {
	ID           string            `json:"id"`
	ProtocolName string            `json:"protocol_name"` // "oidc", "saml"
	Request      []byte            `json:"request"`       // serialized original request
	ClientID     string            `json:"client_id,omitempty"`
	TenantID     string            `json:"tenant_id,omitempty"`
	EndpointType string            `json:"endpoint_type"` // "authorize", "sso", ...
	Properties   map[string]string `json:"properties,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	ExpiresAt    time.Time         `json:"expires_at"`
}
