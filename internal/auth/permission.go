package auth

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Permission is a validated resource:action pair. Handlers construct their
// required permission once at route-registration time with MustPermission
// instead of comparing raw strings ad hoc.
type Permission struct {
	resource string
	action   string
}

var permTokenRe = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// ParsePermission validates and normalizes a "resource:action" string.
func ParsePermission(s string) (Permission, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return Permission{}, fmt.Errorf("%w: permission must be resource:action, got %q", ErrInvalidInput, s)
	}
	if !permTokenRe.MatchString(parts[0]) || !permTokenRe.MatchString(parts[1]) {
		return Permission{}, fmt.Errorf("%w: malformed permission %q", ErrInvalidInput, s)
	}
	return Permission{resource: parts[0], action: parts[1]}, nil
}

// MustPermission parses a permission and panics on malformed input. Intended
// for package-level declarations and route registration.
func MustPermission(s string) Permission {
	p, err := ParsePermission(s)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Permission) Resource() string { return p.resource }
func (p Permission) Action() string   { return p.action }
func (p Permission) String() string   { return p.resource + ":" + p.action }
func (p Permission) IsZero() bool     { return p.resource == "" && p.action == "" }

// PermissionSet is a flattened, order-independent permission collection.
type PermissionSet map[Permission]struct{}

func (s PermissionSet) Has(p Permission) bool {
	_, ok := s[p]
	return ok
}

func (s PermissionSet) Add(p Permission) { s[p] = struct{}{} }

// Intersect returns the permissions present in both sets.
func (s PermissionSet) Intersect(other PermissionSet) PermissionSet {
	out := make(PermissionSet)
	for p := range s {
		if other.Has(p) {
			out.Add(p)
		}
	}
	return out
}

// Strings returns the sorted string form, for claims and JSON responses.
func (s PermissionSet) Strings() []string {
	out := make([]string, 0, len(s))
	for p := range s {
		out = append(out, p.String())
	}
	sort.Strings(out)
	return out
}

// ParsePermissionSet builds a set from raw strings, skipping blanks.
func ParsePermissionSet(raw []string) (PermissionSet, error) {
	set := make(PermissionSet, len(raw))
	for _, s := range raw {
		if strings.TrimSpace(s) == "" {
			continue
		}
		p, err := ParsePermission(s)
		if err != nil {
			return nil, err
		}
		set.Add(p)
	}
	return set, nil
}

// Permissions used by the engine's own management endpoints. Business
// collaborators register their own at route-registration time.
var (
	PermAPIKeyManage  = MustPermission("apikey:manage")
	PermSessionManage = MustPermission("session:manage")
	PermRoleManage    = MustPermission("role:manage")
	PermGrantManage   = MustPermission("grant:manage")
	PermAuditRead     = MustPermission("audit:read")
)
