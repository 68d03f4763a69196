package auth

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"
)

// memStore is an in-memory Store shared by the package tests. It mirrors the
// conditional semantics the services depend on: rotation races, single-use
// consumption and in-transaction session eviction.
type memStore struct {
	mu sync.Mutex

	identities map[string]*Identity
	resets     map[string]*memReset

	groups  map[string]*Group
	members map[string]map[string]struct{}

	roles       map[string]*Role
	idRoles     map[string][]string
	groupRoles  map[string][]string
	roleParents map[string][]string
	rolePerms   map[string][]string

	grants map[string]*ResourceGrant

	tokens map[string]*TokenMetadata

	apikeys map[string]*APIKey

	sessions map[string]*Session

	links  map[string]*OAuthIdentity
	states map[string]*memState

	totp    map[string]*TOTPSecret
	backups map[string]map[string]*time.Time

	events []AuditEvent
}

type memReset struct {
	identityID string
	expiresAt  time.Time
	used       bool
}

type memState struct {
	provider  string
	expiresAt time.Time
	consumed  bool
}

func newMemStore() *memStore {
	return &memStore{
		identities:  make(map[string]*Identity),
		resets:      make(map[string]*memReset),
		groups:      make(map[string]*Group),
		members:     make(map[string]map[string]struct{}),
		roles:       make(map[string]*Role),
		idRoles:     make(map[string][]string),
		groupRoles:  make(map[string][]string),
		roleParents: make(map[string][]string),
		rolePerms:   make(map[string][]string),
		grants:      make(map[string]*ResourceGrant),
		tokens:      make(map[string]*TokenMetadata),
		apikeys:     make(map[string]*APIKey),
		sessions:    make(map[string]*Session),
		links:       make(map[string]*OAuthIdentity),
		states:      make(map[string]*memState),
		totp:        make(map[string]*TOTPSecret),
		backups:     make(map[string]map[string]*time.Time),
	}
}

var _ Store = (*memStore)(nil)

func (s *memStore) Identities() IdentityStore { return &memIdentities{s} }
func (s *memStore) Groups() GroupStore        { return &memGroups{s} }
func (s *memStore) Roles() RoleStore          { return &memRoles{s} }
func (s *memStore) Grants() GrantStore        { return &memGrants{s} }
func (s *memStore) Tokens() TokenStore        { return &memTokens{s} }
func (s *memStore) APIKeys() APIKeyStore      { return &memAPIKeys{s} }
func (s *memStore) Sessions() SessionStore    { return &memSessions{s} }
func (s *memStore) OAuth() OAuthStore         { return &memOAuth{s} }
func (s *memStore) MFA() MFAStore             { return &memMFA{s} }
func (s *memStore) Audit() AuditStore         { return &memAudit{s} }

// --- identities ---

type memIdentities struct{ s *memStore }

func (m *memIdentities) Create(_ context.Context, identity *Identity) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.identities[identity.ID]; ok {
		return ErrConflict
	}
	for _, existing := range m.s.identities {
		if existing.Username == identity.Username {
			return ErrConflict
		}
		if identity.Email != "" && existing.Email == identity.Email {
			return ErrConflict
		}
	}
	clone := *identity
	m.s.identities[identity.ID] = &clone
	return nil
}

func (m *memIdentities) Find(_ context.Context, id string) (*Identity, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	identity, ok := m.s.identities[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *identity
	return &clone, nil
}

func (m *memIdentities) FindByUsername(_ context.Context, username string) (*Identity, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for _, identity := range m.s.identities {
		if identity.Username == username {
			clone := *identity
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memIdentities) FindByEmail(_ context.Context, email string) (*Identity, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for _, identity := range m.s.identities {
		if identity.Email != "" && identity.Email == email {
			clone := *identity
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memIdentities) UpdatePassword(_ context.Context, id, passwordHash string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	identity, ok := m.s.identities[id]
	if !ok {
		return ErrNotFound
	}
	identity.PasswordHash = passwordHash
	return nil
}

func (m *memIdentities) SetStatus(_ context.Context, id, status string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	identity, ok := m.s.identities[id]
	if !ok {
		return ErrNotFound
	}
	identity.Status = status
	return nil
}

func (m *memIdentities) TouchLastSeen(_ context.Context, id string, at time.Time, olderThan time.Duration) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	identity, ok := m.s.identities[id]
	if !ok {
		return nil
	}
	if identity.LastSeenAt.IsZero() || identity.LastSeenAt.Before(at.Add(-olderThan)) {
		identity.LastSeenAt = at
	}
	return nil
}

func (m *memIdentities) SavePasswordReset(_ context.Context, identityID, tokenHash string, expiresAt time.Time) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.resets[tokenHash] = &memReset{identityID: identityID, expiresAt: expiresAt}
	return nil
}

func (m *memIdentities) ConsumePasswordReset(_ context.Context, tokenHash string, now time.Time) (string, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	reset, ok := m.s.resets[tokenHash]
	if !ok || reset.used || !reset.expiresAt.After(now) {
		return "", ErrNotFound
	}
	reset.used = true
	return reset.identityID, nil
}

// --- groups ---

type memGroups struct{ s *memStore }

func (m *memGroups) Create(_ context.Context, group *Group) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.groups[group.ID]; ok {
		return ErrConflict
	}
	clone := *group
	m.s.groups[group.ID] = &clone
	return nil
}

func (m *memGroups) Find(_ context.Context, id string) (*Group, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	group, ok := m.s.groups[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *group
	return &clone, nil
}

func (m *memGroups) AddMember(_ context.Context, groupID, identityID string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.groups[groupID]; !ok {
		return ErrNotFound
	}
	if m.s.members[groupID] == nil {
		m.s.members[groupID] = make(map[string]struct{})
	}
	m.s.members[groupID][identityID] = struct{}{}
	return nil
}

func (m *memGroups) RemoveMember(_ context.Context, groupID, identityID string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	members, ok := m.s.members[groupID]
	if !ok {
		return ErrNotFound
	}
	if _, ok := members[identityID]; !ok {
		return ErrNotFound
	}
	delete(members, identityID)
	return nil
}

func (m *memGroups) GroupsOf(_ context.Context, identityID string) ([]Group, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []Group
	for groupID, members := range m.s.members {
		if _, ok := members[identityID]; ok {
			out = append(out, *m.s.groups[groupID])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- roles ---

type memRoles struct{ s *memStore }

func (m *memRoles) Create(_ context.Context, role *Role) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.roles[role.ID]; ok {
		return ErrConflict
	}
	clone := *role
	m.s.roles[role.ID] = &clone
	return nil
}

func (m *memRoles) Find(_ context.Context, id string) (*Role, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	role, ok := m.s.roles[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *role
	return &clone, nil
}

func (m *memRoles) FindByName(_ context.Context, name string) (*Role, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for _, role := range m.s.roles {
		if role.Name == name {
			clone := *role
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memRoles) AssignToIdentity(_ context.Context, roleID, identityID string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.roles[roleID]; !ok {
		return ErrNotFound
	}
	if !slices.Contains(m.s.idRoles[identityID], roleID) {
		m.s.idRoles[identityID] = append(m.s.idRoles[identityID], roleID)
	}
	return nil
}

func (m *memRoles) AssignToGroup(_ context.Context, roleID, groupID string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.roles[roleID]; !ok {
		return ErrNotFound
	}
	if !slices.Contains(m.s.groupRoles[groupID], roleID) {
		m.s.groupRoles[groupID] = append(m.s.groupRoles[groupID], roleID)
	}
	return nil
}

func (m *memRoles) Unassign(_ context.Context, roleID, subjectID string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for _, assigned := range []map[string][]string{m.s.idRoles, m.s.groupRoles} {
		if i := slices.Index(assigned[subjectID], roleID); i >= 0 {
			assigned[subjectID] = slices.Delete(assigned[subjectID], i, i+1)
			return nil
		}
	}
	return ErrNotFound
}

func (m *memRoles) DirectRoleIDs(_ context.Context, identityID string) ([]string, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	return slices.Clone(m.s.idRoles[identityID]), nil
}

func (m *memRoles) RoleIDsForGroups(_ context.Context, groupIDs []string) ([]string, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []string
	for _, groupID := range groupIDs {
		out = append(out, m.s.groupRoles[groupID]...)
	}
	return out, nil
}

func (m *memRoles) ParentRoleIDs(_ context.Context, roleIDs []string) ([]string, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []string
	for _, roleID := range roleIDs {
		out = append(out, m.s.roleParents[roleID]...)
	}
	return out, nil
}

func (m *memRoles) AddParent(_ context.Context, childID, parentID string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.roles[childID]; !ok {
		return ErrNotFound
	}
	if _, ok := m.s.roles[parentID]; !ok {
		return ErrNotFound
	}
	if !slices.Contains(m.s.roleParents[childID], parentID) {
		m.s.roleParents[childID] = append(m.s.roleParents[childID], parentID)
	}
	return nil
}

func (m *memRoles) RemoveParent(_ context.Context, childID, parentID string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if i := slices.Index(m.s.roleParents[childID], parentID); i >= 0 {
		m.s.roleParents[childID] = slices.Delete(m.s.roleParents[childID], i, i+1)
		return nil
	}
	return ErrNotFound
}

func (m *memRoles) SetPermissions(_ context.Context, roleID string, permissions []string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.roles[roleID]; !ok {
		return ErrNotFound
	}
	m.s.rolePerms[roleID] = slices.Clone(permissions)
	return nil
}

func (m *memRoles) PermissionsForRoles(_ context.Context, roleIDs []string) ([]string, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []string
	for _, roleID := range roleIDs {
		out = append(out, m.s.rolePerms[roleID]...)
	}
	return out, nil
}

// --- grants ---

type memGrants struct{ s *memStore }

func grantKey(subjectID, resourceID string) string {
	return subjectID + "\x00" + resourceID
}

func (m *memGrants) Upsert(_ context.Context, grant *ResourceGrant) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	clone := *grant
	m.s.grants[grantKey(grant.SubjectID, grant.ResourceID)] = &clone
	return nil
}

func (m *memGrants) Delete(_ context.Context, subjectID, resourceID string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	key := grantKey(subjectID, resourceID)
	if _, ok := m.s.grants[key]; !ok {
		return ErrNotFound
	}
	delete(m.s.grants, key)
	return nil
}

func (m *memGrants) ActionsFor(_ context.Context, subjectIDs []string, resourceID string) ([]string, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	seen := make(map[string]struct{})
	var out []string
	for _, subjectID := range subjectIDs {
		grant, ok := m.s.grants[grantKey(subjectID, resourceID)]
		if !ok {
			continue
		}
		for _, action := range grant.Actions {
			if _, dup := seen[action]; dup {
				continue
			}
			seen[action] = struct{}{}
			out = append(out, action)
		}
	}
	return out, nil
}

// --- tokens ---

type memTokens struct{ s *memStore }

func (m *memTokens) CreatePair(_ context.Context, access, refresh *TokenMetadata) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for _, meta := range []*TokenMetadata{access, refresh} {
		if _, ok := m.s.tokens[meta.JTI]; ok {
			return ErrConflict
		}
		clone := *meta
		m.s.tokens[meta.JTI] = &clone
	}
	return nil
}

func (m *memTokens) Find(_ context.Context, jti string) (*TokenMetadata, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	meta, ok := m.s.tokens[jti]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *meta
	return &clone, nil
}

func (m *memTokens) Rotate(_ context.Context, oldJTI string, access, refresh *TokenMetadata) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	old, ok := m.s.tokens[oldJTI]
	if !ok || old.Kind != TokenKindRefresh {
		return ErrNotFound
	}
	if old.Revoked {
		return ErrTokenReuseDetected
	}
	old.Revoked = true
	for _, meta := range []*TokenMetadata{access, refresh} {
		clone := *meta
		m.s.tokens[meta.JTI] = &clone
	}
	return nil
}

func (m *memTokens) Revoke(_ context.Context, jti string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	meta, ok := m.s.tokens[jti]
	if !ok {
		return ErrNotFound
	}
	meta.Revoked = true
	return nil
}

func (m *memTokens) RevokeFamily(_ context.Context, familyID string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.revokeFamilyLocked(familyID)
	return nil
}

func (m *memTokens) revokeFamilyLocked(familyID string) {
	for _, meta := range m.s.tokens {
		if meta.FamilyID == familyID {
			meta.Revoked = true
		}
	}
}

func (m *memTokens) RevokeAllForIdentity(_ context.Context, identityID string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for _, meta := range m.s.tokens {
		if meta.IdentityID == identityID {
			meta.Revoked = true
		}
	}
	return nil
}

// --- api keys ---

type memAPIKeys struct{ s *memStore }

func (m *memAPIKeys) Create(_ context.Context, key *APIKey) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.apikeys[key.ID]; ok {
		return ErrConflict
	}
	clone := *key
	m.s.apikeys[key.ID] = &clone
	return nil
}

func (m *memAPIKeys) Find(_ context.Context, id string) (*APIKey, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	key, ok := m.s.apikeys[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *key
	return &clone, nil
}

func (m *memAPIKeys) ListByIdentity(_ context.Context, identityID string) ([]APIKey, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []APIKey
	for _, key := range m.s.apikeys {
		if key.IdentityID == identityID {
			out = append(out, *key)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memAPIKeys) ReplaceSecret(_ context.Context, id, secretHash string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	key, ok := m.s.apikeys[id]
	if !ok || key.Revoked {
		return ErrNotFound
	}
	key.SecretHash = secretHash
	return nil
}

func (m *memAPIKeys) Revoke(_ context.Context, id string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	key, ok := m.s.apikeys[id]
	if !ok {
		return ErrNotFound
	}
	key.Revoked = true
	return nil
}

func (m *memAPIKeys) TouchLastUsed(_ context.Context, id string, at time.Time) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	key, ok := m.s.apikeys[id]
	if !ok {
		return ErrNotFound
	}
	key.LastUsedAt = &at
	return nil
}

// --- sessions ---

type memSessions struct{ s *memStore }

func (m *memSessions) Create(_ context.Context, session *Session, maxPerIdentity int) ([]Session, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	clone := *session
	m.s.sessions[session.ID] = &clone

	open := m.listLocked(session.IdentityID)
	if maxPerIdentity <= 0 || len(open) <= maxPerIdentity {
		return nil, nil
	}
	evicted := open[:len(open)-maxPerIdentity]
	for _, ev := range evicted {
		delete(m.s.sessions, ev.ID)
		(&memTokens{m.s}).revokeFamilyLocked(ev.TokenFamilyID)
	}
	return evicted, nil
}

func (m *memSessions) listLocked(identityID string) []Session {
	var out []Session
	for _, session := range m.s.sessions {
		if session.IdentityID == identityID {
			out = append(out, *session)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (m *memSessions) Find(_ context.Context, id string) (*Session, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	session, ok := m.s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *session
	return &clone, nil
}

func (m *memSessions) Delete(_ context.Context, id string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(m.s.sessions, id)
	return nil
}

func (m *memSessions) DeleteByFamily(_ context.Context, familyID string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for id, session := range m.s.sessions {
		if session.TokenFamilyID == familyID {
			delete(m.s.sessions, id)
			return nil
		}
	}
	return ErrNotFound
}

func (m *memSessions) DeleteAllForIdentity(_ context.Context, identityID string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for id, session := range m.s.sessions {
		if session.IdentityID == identityID {
			delete(m.s.sessions, id)
		}
	}
	return nil
}

func (m *memSessions) ListByIdentity(_ context.Context, identityID string) ([]Session, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	return m.listLocked(identityID), nil
}

func (m *memSessions) Touch(_ context.Context, id string, at time.Time) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	session, ok := m.s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	session.LastActivityAt = at
	return nil
}

// --- oauth ---

type memOAuth struct{ s *memStore }

func linkKey(provider, subject string) string { return provider + "\x00" + subject }

func (m *memOAuth) Link(_ context.Context, link *OAuthIdentity) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	key := linkKey(link.Provider, link.Subject)
	if _, ok := m.s.links[key]; ok {
		return ErrConflict
	}
	clone := *link
	m.s.links[key] = &clone
	return nil
}

func (m *memOAuth) FindBySubject(_ context.Context, provider, subject string) (*OAuthIdentity, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	link, ok := m.s.links[linkKey(provider, subject)]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *link
	return &clone, nil
}

func (m *memOAuth) SaveProviderTokens(_ context.Context, provider, subject string, encrypted []byte) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	link, ok := m.s.links[linkKey(provider, subject)]
	if !ok {
		return ErrNotFound
	}
	link.EncryptedTokens = slices.Clone(encrypted)
	return nil
}

func (m *memOAuth) SaveState(_ context.Context, state, provider string, expiresAt time.Time) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.states[state] = &memState{provider: provider, expiresAt: expiresAt}
	return nil
}

func (m *memOAuth) ConsumeState(_ context.Context, state string, now time.Time) (string, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	rec, ok := m.s.states[state]
	if !ok || rec.consumed || !rec.expiresAt.After(now) {
		return "", ErrNotFound
	}
	rec.consumed = true
	return rec.provider, nil
}

// --- mfa ---

type memMFA struct{ s *memStore }

func (m *memMFA) SaveSecret(_ context.Context, secret *TOTPSecret) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	clone := *secret
	clone.Enabled = false
	clone.ConfirmedAt = nil
	m.s.totp[secret.IdentityID] = &clone
	return nil
}

func (m *memMFA) FindSecret(_ context.Context, identityID string) (*TOTPSecret, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	secret, ok := m.s.totp[identityID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *secret
	return &clone, nil
}

func (m *memMFA) Enable(_ context.Context, identityID string, at time.Time) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	secret, ok := m.s.totp[identityID]
	if !ok {
		return ErrNotFound
	}
	secret.Enabled = true
	secret.ConfirmedAt = &at
	return nil
}

func (m *memMFA) Disable(_ context.Context, identityID string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.totp[identityID]; !ok {
		return ErrNotFound
	}
	delete(m.s.totp, identityID)
	return nil
}

func (m *memMFA) ReplaceBackupCodes(_ context.Context, identityID string, codeHashes []string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	codes := make(map[string]*time.Time, len(codeHashes))
	for _, hash := range codeHashes {
		codes[hash] = nil
	}
	m.s.backups[identityID] = codes
	return nil
}

func (m *memMFA) ConsumeBackupCode(_ context.Context, identityID, codeHash string, at time.Time) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	codes, ok := m.s.backups[identityID]
	if !ok {
		return ErrNotFound
	}
	used, ok := codes[codeHash]
	if !ok || used != nil {
		return ErrNotFound
	}
	codes[codeHash] = &at
	return nil
}

// --- audit ---

type memAudit struct{ s *memStore }

func (m *memAudit) Append(_ context.Context, event *AuditEvent) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.events = append(m.s.events, *event)
	return nil
}

func (m *memAudit) List(_ context.Context, limit int, before time.Time) ([]AuditEvent, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	out := make([]AuditEvent, 0, len(m.s.events))
	for _, event := range m.s.events {
		if !before.IsZero() && !event.OccurredAt.Before(before) {
			continue
		}
		out = append(out, event)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OccurredAt.After(out[j].OccurredAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// addRole seeds a role with permissions, bypassing the HTTP surface.
func (s *memStore) addRole(id string, perms ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roles[id] = &Role{ID: id, Name: id}
	s.rolePerms[id] = perms
}

func (s *memStore) mustAssignRole(roleID, identityID string) {
	if err := s.Roles().AssignToIdentity(context.Background(), roleID, identityID); err != nil {
		panic(fmt.Sprintf("assign role %s: %v", roleID, err))
	}
}
