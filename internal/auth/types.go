package auth

import "time"

const (
	IdentityStatusActive   = "active"
	IdentityStatusDisabled = "disabled"
)

// Identity represents a human user or a service account. Identities are
// soft-deactivated, never deleted, so audit history stays intact.
type Identity struct {
	ID             string    `json:"id"`
	Username       string    `json:"username"`
	Email          string    `json:"email"`
	PasswordHash   string    `json:"-"`
	Status         string    `json:"status"`
	ServiceAccount bool      `json:"service_account"`
	MFAEnabled     bool      `json:"mfa_enabled"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	LastSeenAt     time.Time `json:"last_seen_at"`
}

// Active reports whether the identity may authenticate.
func (i *Identity) Active() bool { return i != nil && i.Status == IdentityStatusActive }

// Group is a named collection of identities. Roles assigned to a group apply
// to every member.
type Group struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Role bundles permissions. Roles may inherit from other roles; the
// inheritance edges form a DAG enforced at assignment time.
type Role struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// SubjectKind distinguishes grant subjects.
type SubjectKind string

const (
	SubjectIdentity SubjectKind = "identity"
	SubjectGroup    SubjectKind = "group"
)

// ResourceGrant is a CAN_ACCESS edge from an identity or group to a concrete
// resource, carrying the set of permitted actions. Grants are purely
// additive: there is no deny edge, and absence of a grant is the only deny
// state.
type ResourceGrant struct {
	ID          string      `json:"id"`
	SubjectKind SubjectKind `json:"subject_kind"`
	SubjectID   string      `json:"subject_id"`
	ResourceID  string      `json:"resource_id"`
	Actions     []string    `json:"actions"`
	CreatedAt   time.Time   `json:"created_at"`
}

// TokenKind labels the two bearer token flavors.
type TokenKind string

const (
	TokenKindAccess  TokenKind = "access"
	TokenKindRefresh TokenKind = "refresh"
)

// TokenMetadata is the stored record for one issued token, keyed by JTI.
// Rows are only ever mutated to flip the revoked flag and are retained for
// replay detection.
type TokenMetadata struct {
	JTI        string     `json:"jti"`
	IdentityID string     `json:"identity_id"`
	Kind       TokenKind  `json:"kind"`
	FamilyID   string     `json:"family_id"`
	IssuedAt   time.Time  `json:"issued_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	Revoked    bool       `json:"revoked"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

// TokenPair is the result of issuance or rotation.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// APIKey is a long-lived credential for non-interactive callers. The secret
// is stored as a one-way hash and shown exactly once at creation.
type APIKey struct {
	ID         string     `json:"id"`
	IdentityID string     `json:"identity_id"`
	Name       string     `json:"name,omitempty"`
	SecretHash string     `json:"-"`
	Scope      []string   `json:"scope,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	Revoked    bool       `json:"revoked"`
	CreatedAt  time.Time  `json:"created_at"`
}

// ClientMeta captures request-level context recorded on sessions and audit
// events.
type ClientMeta struct {
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// Session tracks one interactive login. The token family issued at login is
// tied to the session so evicting a session invalidates its refresh tokens.
type Session struct {
	ID             string     `json:"id"`
	IdentityID     string     `json:"identity_id"`
	TokenFamilyID  string     `json:"-"`
	CreatedAt      time.Time  `json:"created_at"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	Client         ClientMeta `json:"client"`
}

// OAuthIdentity links a provider subject to a local identity. Unique on
// (provider, subject). Provider tokens are encrypted at rest.
type OAuthIdentity struct {
	Provider        string    `json:"provider"`
	Subject         string    `json:"subject"`
	IdentityID      string    `json:"identity_id"`
	EncryptedTokens []byte    `json:"-"`
	CreatedAt       time.Time `json:"created_at"`
}

// TOTPSecret holds an identity's second-factor enrollment. The secret is
// staged at enrollment and only enabled after the first valid code.
type TOTPSecret struct {
	IdentityID  string     `json:"identity_id"`
	Secret      string     `json:"-"`
	Enabled     bool       `json:"enabled"`
	CreatedAt   time.Time  `json:"created_at"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
}

// AuditSeverity ranks audit events.
type AuditSeverity string

const (
	AuditInfo     AuditSeverity = "info"
	AuditWarning  AuditSeverity = "warning"
	AuditCritical AuditSeverity = "critical"
)

// AuditEvent is append-only and immutable once written. ActorID is empty for
// anonymous failures.
type AuditEvent struct {
	ID         string            `json:"id"`
	OccurredAt time.Time         `json:"occurred_at"`
	ActorID    string            `json:"actor_id,omitempty"`
	Kind       string            `json:"kind"`
	Outcome    string            `json:"outcome"`
	Severity   AuditSeverity     `json:"severity"`
	Client     ClientMeta        `json:"client"`
	ResourceID string            `json:"resource_id,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`
}
