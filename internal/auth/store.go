package auth

import (
	"context"
	"time"
)

// Store is the graph-shaped credential store: nodes are identities, groups,
// roles and resources; edges are memberships, role assignments, role
// inheritance and CAN_ACCESS grants. Any backend with transactions and
// indexed lookups suffices; internal/store/pg realizes it over PostgreSQL
// adjacency tables.
type Store interface {
	Identities() IdentityStore
	Groups() GroupStore
	Roles() RoleStore
	Grants() GrantStore
	Tokens() TokenStore
	APIKeys() APIKeyStore
	Sessions() SessionStore
	OAuth() OAuthStore
	MFA() MFAStore
	Audit() AuditStore
}

// IdentityStore manages identity nodes. Identities are deactivated, never
// removed.
type IdentityStore interface {
	Create(ctx context.Context, identity *Identity) error
	Find(ctx context.Context, id string) (*Identity, error)
	FindByUsername(ctx context.Context, username string) (*Identity, error)
	FindByEmail(ctx context.Context, email string) (*Identity, error)
	UpdatePassword(ctx context.Context, id, passwordHash string) error
	SetStatus(ctx context.Context, id, status string) error
	// TouchLastSeen updates last_seen_at only when the stored value is older
	// than the threshold, bounding write amplification on hot identities.
	TouchLastSeen(ctx context.Context, id string, at time.Time, olderThan time.Duration) error

	SavePasswordReset(ctx context.Context, identityID, tokenHash string, expiresAt time.Time) error
	// ConsumePasswordReset atomically claims an unused, unexpired reset token
	// and returns the owning identity id.
	ConsumePasswordReset(ctx context.Context, tokenHash string, now time.Time) (string, error)
}

// GroupStore manages group nodes and membership edges.
type GroupStore interface {
	Create(ctx context.Context, group *Group) error
	Find(ctx context.Context, id string) (*Group, error)
	AddMember(ctx context.Context, groupID, identityID string) error
	RemoveMember(ctx context.Context, groupID, identityID string) error
	GroupsOf(ctx context.Context, identityID string) ([]Group, error)
}

// RoleStore manages role nodes, assignment edges and inheritance edges.
type RoleStore interface {
	Create(ctx context.Context, role *Role) error
	Find(ctx context.Context, id string) (*Role, error)
	FindByName(ctx context.Context, name string) (*Role, error)

	AssignToIdentity(ctx context.Context, roleID, identityID string) error
	AssignToGroup(ctx context.Context, roleID, groupID string) error
	Unassign(ctx context.Context, roleID, subjectID string) error

	// DirectRoleIDs returns roles assigned straight to the identity.
	DirectRoleIDs(ctx context.Context, identityID string) ([]string, error)
	// RoleIDsForGroups returns roles assigned to any of the given groups.
	RoleIDsForGroups(ctx context.Context, groupIDs []string) ([]string, error)
	// ParentRoleIDs returns the inheritance parents of the given roles, one
	// traversal step. The resolver drives the bounded-depth walk.
	ParentRoleIDs(ctx context.Context, roleIDs []string) ([]string, error)
	// AddParent records an inheritance edge child -> parent. The caller is
	// responsible for cycle rejection before the write.
	AddParent(ctx context.Context, childID, parentID string) error
	RemoveParent(ctx context.Context, childID, parentID string) error

	SetPermissions(ctx context.Context, roleID string, permissions []string) error
	PermissionsForRoles(ctx context.Context, roleIDs []string) ([]string, error)
}

// GrantStore manages CAN_ACCESS edges. Grants only ever widen access.
type GrantStore interface {
	Upsert(ctx context.Context, grant *ResourceGrant) error
	Delete(ctx context.Context, subjectID, resourceID string) error
	// ActionsFor returns the union of granted actions from any of the
	// subjects (an identity and its groups) to the resource.
	ActionsFor(ctx context.Context, subjectIDs []string, resourceID string) ([]string, error)
}

// TokenStore persists token metadata keyed by JTI. Rotation and revocation
// rely on the store's conditional-update semantics rather than application
// locks, so operations on distinct tokens never contend.
type TokenStore interface {
	// CreatePair inserts metadata for a freshly issued access+refresh pair in
	// one transaction.
	CreatePair(ctx context.Context, access, refresh *TokenMetadata) error
	Find(ctx context.Context, jti string) (*TokenMetadata, error)
	// Rotate atomically revokes the old refresh token and inserts the new
	// pair. If the old token is already revoked it returns
	// ErrTokenReuseDetected without writing the new pair; if it does not
	// exist it returns ErrNotFound.
	Rotate(ctx context.Context, oldJTI string, access, refresh *TokenMetadata) error
	Revoke(ctx context.Context, jti string) error
	RevokeFamily(ctx context.Context, familyID string) error
	RevokeAllForIdentity(ctx context.Context, identityID string) error
}

// APIKeyStore manages long-lived keys.
type APIKeyStore interface {
	Create(ctx context.Context, key *APIKey) error
	Find(ctx context.Context, id string) (*APIKey, error)
	ListByIdentity(ctx context.Context, identityID string) ([]APIKey, error)
	ReplaceSecret(ctx context.Context, id, secretHash string) error
	Revoke(ctx context.Context, id string) error
	TouchLastUsed(ctx context.Context, id string, at time.Time) error
}

// SessionStore tracks interactive sessions and enforces the per-identity cap
// inside the insert transaction.
type SessionStore interface {
	// Create inserts the session and evicts the oldest sessions beyond
	// maxPerIdentity, revoking the evicted sessions' token families in the
	// same transaction. Evicted sessions are returned for auditing.
	Create(ctx context.Context, session *Session, maxPerIdentity int) ([]Session, error)
	Find(ctx context.Context, id string) (*Session, error)
	Delete(ctx context.Context, id string) error
	// DeleteByFamily removes the session tied to a token family. Used by
	// logout, which identifies the session through the refresh token.
	DeleteByFamily(ctx context.Context, familyID string) error
	DeleteAllForIdentity(ctx context.Context, identityID string) error
	ListByIdentity(ctx context.Context, identityID string) ([]Session, error)
	Touch(ctx context.Context, id string, at time.Time) error
}

// OAuthStore manages provider links and single-use CSRF states.
type OAuthStore interface {
	Link(ctx context.Context, link *OAuthIdentity) error
	FindBySubject(ctx context.Context, provider, subject string) (*OAuthIdentity, error)
	SaveProviderTokens(ctx context.Context, provider, subject string, encrypted []byte) error

	SaveState(ctx context.Context, state, provider string, expiresAt time.Time) error
	// ConsumeState atomically claims an unexpired state and returns its
	// provider. A second consume of the same state fails with ErrNotFound.
	ConsumeState(ctx context.Context, state string, now time.Time) (string, error)
}

// MFAStore manages TOTP secrets and single-use backup codes.
type MFAStore interface {
	SaveSecret(ctx context.Context, secret *TOTPSecret) error
	FindSecret(ctx context.Context, identityID string) (*TOTPSecret, error)
	Enable(ctx context.Context, identityID string, at time.Time) error
	Disable(ctx context.Context, identityID string) error
	ReplaceBackupCodes(ctx context.Context, identityID string, codeHashes []string) error
	// ConsumeBackupCode atomically marks an unused code as used. Returns
	// ErrNotFound when no unused code matches, which callers surface as
	// ErrMFAInvalidCode.
	ConsumeBackupCode(ctx context.Context, identityID, codeHash string, at time.Time) error
}

// AuditStore appends immutable events. The application never updates or
// deletes rows.
type AuditStore interface {
	Append(ctx context.Context, event *AuditEvent) error
	// List returns events newest first. A zero before means "from now".
	List(ctx context.Context, limit int, before time.Time) ([]AuditEvent, error)
}
