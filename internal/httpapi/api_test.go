package httpapi

import (
	"context"
	"net/http"
	"slices"
	"sort"
	"sync"
	"testing"
	"time"

	"authcore.org/internal/auth"
)

// fakeStore is a minimal in-memory auth.Store backing the handler tests.
type fakeStore struct {
	mu sync.Mutex

	identities map[string]*auth.Identity
	resets     map[string]fakeReset
	tokens     map[string]*auth.TokenMetadata
	sessions   map[string]*auth.Session
	apikeys    map[string]*auth.APIKey

	roles      map[string]*auth.Role
	idRoles    map[string][]string
	groupRoles map[string][]string
	parents    map[string][]string
	rolePerms  map[string][]string
	groups     map[string]*auth.Group
	members    map[string]map[string]struct{}
	grants     map[string]*auth.ResourceGrant

	totp    map[string]*auth.TOTPSecret
	backups map[string]map[string]bool

	events []auth.AuditEvent
}

type fakeReset struct {
	identityID string
	expiresAt  time.Time
	used       bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		identities: make(map[string]*auth.Identity),
		resets:     make(map[string]fakeReset),
		tokens:     make(map[string]*auth.TokenMetadata),
		sessions:   make(map[string]*auth.Session),
		apikeys:    make(map[string]*auth.APIKey),
		roles:      make(map[string]*auth.Role),
		idRoles:    make(map[string][]string),
		groupRoles: make(map[string][]string),
		parents:    make(map[string][]string),
		rolePerms:  make(map[string][]string),
		groups:     make(map[string]*auth.Group),
		members:    make(map[string]map[string]struct{}),
		grants:     make(map[string]*auth.ResourceGrant),
		totp:       make(map[string]*auth.TOTPSecret),
		backups:    make(map[string]map[string]bool),
	}
}

var _ auth.Store = (*fakeStore)(nil)

func (s *fakeStore) Identities() auth.IdentityStore { return (*fakeIdentities)(s) }
func (s *fakeStore) Groups() auth.GroupStore        { return (*fakeGroups)(s) }
func (s *fakeStore) Roles() auth.RoleStore          { return (*fakeRoles)(s) }
func (s *fakeStore) Grants() auth.GrantStore        { return (*fakeGrants)(s) }
func (s *fakeStore) Tokens() auth.TokenStore        { return (*fakeTokens)(s) }
func (s *fakeStore) APIKeys() auth.APIKeyStore      { return (*fakeAPIKeys)(s) }
func (s *fakeStore) Sessions() auth.SessionStore    { return (*fakeSessions)(s) }
func (s *fakeStore) OAuth() auth.OAuthStore         { return (*fakeOAuth)(s) }
func (s *fakeStore) MFA() auth.MFAStore             { return (*fakeMFA)(s) }
func (s *fakeStore) Audit() auth.AuditStore         { return (*fakeAudit)(s) }

type fakeIdentities fakeStore

func (f *fakeIdentities) Create(_ context.Context, identity *auth.Identity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.identities {
		if existing.Username == identity.Username {
			return auth.ErrConflict
		}
	}
	clone := *identity
	f.identities[identity.ID] = &clone
	return nil
}

func (f *fakeIdentities) Find(_ context.Context, id string) (*auth.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	identity, ok := f.identities[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	clone := *identity
	return &clone, nil
}

func (f *fakeIdentities) FindByUsername(_ context.Context, username string) (*auth.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, identity := range f.identities {
		if identity.Username == username {
			clone := *identity
			return &clone, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (f *fakeIdentities) FindByEmail(_ context.Context, email string) (*auth.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, identity := range f.identities {
		if identity.Email == email {
			clone := *identity
			return &clone, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (f *fakeIdentities) UpdatePassword(_ context.Context, id, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	identity, ok := f.identities[id]
	if !ok {
		return auth.ErrNotFound
	}
	identity.PasswordHash = hash
	return nil
}

func (f *fakeIdentities) SetStatus(_ context.Context, id, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	identity, ok := f.identities[id]
	if !ok {
		return auth.ErrNotFound
	}
	identity.Status = status
	return nil
}

func (f *fakeIdentities) TouchLastSeen(context.Context, string, time.Time, time.Duration) error {
	return nil
}

func (f *fakeIdentities) SavePasswordReset(_ context.Context, identityID, tokenHash string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets[tokenHash] = fakeReset{identityID: identityID, expiresAt: expiresAt}
	return nil
}

func (f *fakeIdentities) ConsumePasswordReset(_ context.Context, tokenHash string, now time.Time) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	reset, ok := f.resets[tokenHash]
	if !ok || reset.used || !reset.expiresAt.After(now) {
		return "", auth.ErrNotFound
	}
	reset.used = true
	f.resets[tokenHash] = reset
	return reset.identityID, nil
}

type fakeGroups fakeStore

func (f *fakeGroups) Create(_ context.Context, group *auth.Group) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.groups[group.ID]; ok {
		return auth.ErrConflict
	}
	clone := *group
	f.groups[group.ID] = &clone
	return nil
}

func (f *fakeGroups) Find(_ context.Context, id string) (*auth.Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	group, ok := f.groups[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	clone := *group
	return &clone, nil
}

func (f *fakeGroups) AddMember(_ context.Context, groupID, identityID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.groups[groupID]; !ok {
		return auth.ErrNotFound
	}
	if f.members[groupID] == nil {
		f.members[groupID] = make(map[string]struct{})
	}
	f.members[groupID][identityID] = struct{}{}
	return nil
}

func (f *fakeGroups) RemoveMember(_ context.Context, groupID, identityID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	members, ok := f.members[groupID]
	if !ok {
		return auth.ErrNotFound
	}
	delete(members, identityID)
	return nil
}

func (f *fakeGroups) GroupsOf(_ context.Context, identityID string) ([]auth.Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []auth.Group
	for groupID, members := range f.members {
		if _, ok := members[identityID]; ok {
			out = append(out, *f.groups[groupID])
		}
	}
	return out, nil
}

type fakeRoles fakeStore

func (f *fakeRoles) Create(_ context.Context, role *auth.Role) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.roles[role.ID]; ok {
		return auth.ErrConflict
	}
	clone := *role
	f.roles[role.ID] = &clone
	return nil
}

func (f *fakeRoles) Find(_ context.Context, id string) (*auth.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	role, ok := f.roles[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	clone := *role
	return &clone, nil
}

func (f *fakeRoles) FindByName(_ context.Context, name string) (*auth.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, role := range f.roles {
		if role.Name == name {
			clone := *role
			return &clone, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (f *fakeRoles) AssignToIdentity(_ context.Context, roleID, identityID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.roles[roleID]; !ok {
		return auth.ErrNotFound
	}
	f.idRoles[identityID] = append(f.idRoles[identityID], roleID)
	return nil
}

func (f *fakeRoles) AssignToGroup(_ context.Context, roleID, groupID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.roles[roleID]; !ok {
		return auth.ErrNotFound
	}
	f.groupRoles[groupID] = append(f.groupRoles[groupID], roleID)
	return nil
}

func (f *fakeRoles) Unassign(_ context.Context, roleID, subjectID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i := slices.Index(f.idRoles[subjectID], roleID); i >= 0 {
		f.idRoles[subjectID] = slices.Delete(f.idRoles[subjectID], i, i+1)
		return nil
	}
	return auth.ErrNotFound
}

func (f *fakeRoles) DirectRoleIDs(_ context.Context, identityID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.idRoles[identityID]), nil
}

func (f *fakeRoles) RoleIDsForGroups(_ context.Context, groupIDs []string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, groupID := range groupIDs {
		out = append(out, f.groupRoles[groupID]...)
	}
	return out, nil
}

func (f *fakeRoles) ParentRoleIDs(_ context.Context, roleIDs []string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, roleID := range roleIDs {
		out = append(out, f.parents[roleID]...)
	}
	return out, nil
}

func (f *fakeRoles) AddParent(_ context.Context, childID, parentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.parents[childID] = append(f.parents[childID], parentID)
	return nil
}

func (f *fakeRoles) RemoveParent(_ context.Context, childID, parentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i := slices.Index(f.parents[childID], parentID); i >= 0 {
		f.parents[childID] = slices.Delete(f.parents[childID], i, i+1)
		return nil
	}
	return auth.ErrNotFound
}

func (f *fakeRoles) SetPermissions(_ context.Context, roleID string, permissions []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.roles[roleID]; !ok {
		return auth.ErrNotFound
	}
	f.rolePerms[roleID] = slices.Clone(permissions)
	return nil
}

func (f *fakeRoles) PermissionsForRoles(_ context.Context, roleIDs []string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, roleID := range roleIDs {
		out = append(out, f.rolePerms[roleID]...)
	}
	return out, nil
}

type fakeGrants fakeStore

func (f *fakeGrants) Upsert(_ context.Context, grant *auth.ResourceGrant) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *grant
	f.grants[grant.SubjectID+"\x00"+grant.ResourceID] = &clone
	return nil
}

func (f *fakeGrants) Delete(_ context.Context, subjectID, resourceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := subjectID + "\x00" + resourceID
	if _, ok := f.grants[key]; !ok {
		return auth.ErrNotFound
	}
	delete(f.grants, key)
	return nil
}

func (f *fakeGrants) ActionsFor(_ context.Context, subjectIDs []string, resourceID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, subjectID := range subjectIDs {
		if grant, ok := f.grants[subjectID+"\x00"+resourceID]; ok {
			out = append(out, grant.Actions...)
		}
	}
	return out, nil
}

type fakeTokens fakeStore

func (f *fakeTokens) CreatePair(_ context.Context, access, refresh *auth.TokenMetadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, meta := range []*auth.TokenMetadata{access, refresh} {
		clone := *meta
		f.tokens[meta.JTI] = &clone
	}
	return nil
}

func (f *fakeTokens) Find(_ context.Context, jti string) (*auth.TokenMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	meta, ok := f.tokens[jti]
	if !ok {
		return nil, auth.ErrNotFound
	}
	clone := *meta
	return &clone, nil
}

func (f *fakeTokens) Rotate(_ context.Context, oldJTI string, access, refresh *auth.TokenMetadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	old, ok := f.tokens[oldJTI]
	if !ok || old.Kind != auth.TokenKindRefresh {
		return auth.ErrNotFound
	}
	if old.Revoked {
		return auth.ErrTokenReuseDetected
	}
	old.Revoked = true
	for _, meta := range []*auth.TokenMetadata{access, refresh} {
		clone := *meta
		f.tokens[meta.JTI] = &clone
	}
	return nil
}

func (f *fakeTokens) Revoke(_ context.Context, jti string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	meta, ok := f.tokens[jti]
	if !ok {
		return auth.ErrNotFound
	}
	meta.Revoked = true
	return nil
}

func (f *fakeTokens) RevokeFamily(_ context.Context, familyID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, meta := range f.tokens {
		if meta.FamilyID == familyID {
			meta.Revoked = true
		}
	}
	return nil
}

func (f *fakeTokens) RevokeAllForIdentity(_ context.Context, identityID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, meta := range f.tokens {
		if meta.IdentityID == identityID {
			meta.Revoked = true
		}
	}
	return nil
}

type fakeAPIKeys fakeStore

func (f *fakeAPIKeys) Create(_ context.Context, key *auth.APIKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *key
	f.apikeys[key.ID] = &clone
	return nil
}

func (f *fakeAPIKeys) Find(_ context.Context, id string) (*auth.APIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key, ok := f.apikeys[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	clone := *key
	return &clone, nil
}

func (f *fakeAPIKeys) ListByIdentity(_ context.Context, identityID string) ([]auth.APIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []auth.APIKey
	for _, key := range f.apikeys {
		if key.IdentityID == identityID {
			out = append(out, *key)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeAPIKeys) ReplaceSecret(_ context.Context, id, secretHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key, ok := f.apikeys[id]
	if !ok || key.Revoked {
		return auth.ErrNotFound
	}
	key.SecretHash = secretHash
	return nil
}

func (f *fakeAPIKeys) Revoke(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key, ok := f.apikeys[id]
	if !ok {
		return auth.ErrNotFound
	}
	key.Revoked = true
	return nil
}

func (f *fakeAPIKeys) TouchLastUsed(_ context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if key, ok := f.apikeys[id]; ok {
		key.LastUsedAt = &at
	}
	return nil
}

type fakeSessions fakeStore

func (f *fakeSessions) Create(_ context.Context, session *auth.Session, maxPerIdentity int) ([]auth.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *session
	f.sessions[session.ID] = &clone
	var open []auth.Session
	for _, existing := range f.sessions {
		if existing.IdentityID == session.IdentityID {
			open = append(open, *existing)
		}
	}
	if maxPerIdentity <= 0 || len(open) <= maxPerIdentity {
		return nil, nil
	}
	sort.Slice(open, func(i, j int) bool { return open[i].CreatedAt.Before(open[j].CreatedAt) })
	evicted := open[:len(open)-maxPerIdentity]
	for _, ev := range evicted {
		delete(f.sessions, ev.ID)
		for _, meta := range f.tokens {
			if meta.FamilyID == ev.TokenFamilyID {
				meta.Revoked = true
			}
		}
	}
	return evicted, nil
}

func (f *fakeSessions) Find(_ context.Context, id string) (*auth.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	session, ok := f.sessions[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	clone := *session
	return &clone, nil
}

func (f *fakeSessions) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[id]; !ok {
		return auth.ErrNotFound
	}
	delete(f.sessions, id)
	return nil
}

func (f *fakeSessions) DeleteByFamily(_ context.Context, familyID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, session := range f.sessions {
		if session.TokenFamilyID == familyID {
			delete(f.sessions, id)
			return nil
		}
	}
	return auth.ErrNotFound
}

func (f *fakeSessions) DeleteAllForIdentity(_ context.Context, identityID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, session := range f.sessions {
		if session.IdentityID == identityID {
			delete(f.sessions, id)
		}
	}
	return nil
}

func (f *fakeSessions) ListByIdentity(_ context.Context, identityID string) ([]auth.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []auth.Session
	for _, session := range f.sessions {
		if session.IdentityID == identityID {
			out = append(out, *session)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (f *fakeSessions) Touch(_ context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if session, ok := f.sessions[id]; ok {
		session.LastActivityAt = at
	}
	return nil
}

type fakeOAuth fakeStore

func (f *fakeOAuth) Link(context.Context, *auth.OAuthIdentity) error { return nil }
func (f *fakeOAuth) FindBySubject(context.Context, string, string) (*auth.OAuthIdentity, error) {
	return nil, auth.ErrNotFound
}
func (f *fakeOAuth) SaveProviderTokens(context.Context, string, string, []byte) error { return nil }
func (f *fakeOAuth) SaveState(context.Context, string, string, time.Time) error       { return nil }
func (f *fakeOAuth) ConsumeState(context.Context, string, time.Time) (string, error) {
	return "", auth.ErrNotFound
}

type fakeMFA fakeStore

func (f *fakeMFA) SaveSecret(_ context.Context, secret *auth.TOTPSecret) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *secret
	clone.Enabled = false
	f.totp[secret.IdentityID] = &clone
	return nil
}

func (f *fakeMFA) FindSecret(_ context.Context, identityID string) (*auth.TOTPSecret, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	secret, ok := f.totp[identityID]
	if !ok {
		return nil, auth.ErrNotFound
	}
	clone := *secret
	return &clone, nil
}

func (f *fakeMFA) Enable(_ context.Context, identityID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	secret, ok := f.totp[identityID]
	if !ok {
		return auth.ErrNotFound
	}
	secret.Enabled = true
	secret.ConfirmedAt = &at
	return nil
}

func (f *fakeMFA) Disable(_ context.Context, identityID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.totp[identityID]; !ok {
		return auth.ErrNotFound
	}
	delete(f.totp, identityID)
	return nil
}

func (f *fakeMFA) ReplaceBackupCodes(_ context.Context, identityID string, codeHashes []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	codes := make(map[string]bool, len(codeHashes))
	for _, hash := range codeHashes {
		codes[hash] = false
	}
	f.backups[identityID] = codes
	return nil
}

func (f *fakeMFA) ConsumeBackupCode(_ context.Context, identityID, codeHash string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	codes, ok := f.backups[identityID]
	if !ok {
		return auth.ErrNotFound
	}
	used, ok := codes[codeHash]
	if !ok || used {
		return auth.ErrNotFound
	}
	codes[codeHash] = true
	return nil
}

type fakeAudit fakeStore

func (f *fakeAudit) Append(_ context.Context, event *auth.AuditEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, *event)
	return nil
}

func (f *fakeAudit) List(_ context.Context, limit int, before time.Time) ([]auth.AuditEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]auth.AuditEvent, 0, len(f.events))
	for _, event := range f.events {
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

// testServer bundles the wired handler with its collaborators.
type testServer struct {
	store   *fakeStore
	svc     *auth.Service
	handler http.Handler
}

func newTestServer(t *testing.T, opts ...Option) *testServer {
	t.Helper()
	store := newFakeStore()

	tokens, err := auth.NewTokenService(store.Tokens(), store.Identities(), []byte("test-secret-0123456789abcdef"))
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	resolver, err := auth.NewResolver(store.Roles(), store.Groups(), store.Grants())
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	sessions, err := auth.NewSessionManager(store.Sessions())
	if err != nil {
		t.Fatalf("NewSessionManager: %v", err)
	}
	apikeys, err := auth.NewAPIKeyService(store.APIKeys())
	if err != nil {
		t.Fatalf("NewAPIKeyService: %v", err)
	}
	mfa, err := auth.NewMFAService(store.MFA())
	if err != nil {
		t.Fatalf("NewMFAService: %v", err)
	}
	svc, err := auth.NewService(store, tokens, resolver, sessions, apikeys, mfa)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	api := New(svc, ReadyProbe{}, "test", opts...)
	return &testServer{store: store, svc: svc, handler: api.Handler()}
}

// register creates an identity directly through the service.
func (ts *testServer) register(t *testing.T, username, password string) *auth.Identity {
	t.Helper()
	identity, err := ts.svc.Register(context.Background(), username, username+"@example.com", password, false)
	if err != nil {
		t.Fatalf("Register %s: %v", username, err)
	}
	return identity
}

// grantRole seeds a role with permissions and assigns it.
func (ts *testServer) grantRole(t *testing.T, identityID, roleID string, perms ...string) {
	t.Helper()
	ts.store.mu.Lock()
	ts.store.roles[roleID] = &auth.Role{ID: roleID, Name: roleID}
	ts.store.rolePerms[roleID] = perms
	ts.store.idRoles[identityID] = append(ts.store.idRoles[identityID], roleID)
	ts.store.mu.Unlock()
}

// login returns the token pair for an existing identity.
func (ts *testServer) login(t *testing.T, username, password string) *auth.LoginResult {
	t.Helper()
	result, err := ts.svc.Login(context.Background(), username, password, "", auth.ClientMeta{})
	if err != nil {
		t.Fatalf("Login %s: %v", username, err)
	}
	return result
}
