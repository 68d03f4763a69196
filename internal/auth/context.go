package auth

import "context"

// Principal is an authenticated caller with its per-request flattened
// permission set. The set is resolved once by the AuthGate and memoized for
// the lifetime of the request; it is never cached across requests.
type Principal struct {
	Identity    *Identity
	Permissions PermissionSet
	// Scope narrows the permission set when the caller authenticated with an
	// API key. Nil means no narrowing.
	Scope  PermissionSet
	APIKey *APIKey
	Claims *Claims
}

// HasPermission reports whether the principal's effective set contains the
// permission. For API-key principals the effective set is the intersection
// of the owner's resolved permissions and the key's scope.
func (p Principal) HasPermission(perm Permission) bool {
	if p.Scope != nil && !p.Scope.Has(perm) {
		return false
	}
	return p.Permissions.Has(perm)
}

type principalContextKey struct{}
type tokenContextKey struct{}

// ContextWithPrincipal attaches the authenticated principal to the context.
func ContextWithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, &principal)
}

// PrincipalFromContext extracts the authenticated principal from the context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	v, ok := ctx.Value(principalContextKey{}).(*Principal)
	if !ok || v == nil {
		return Principal{}, false
	}
	return *v, true
}

// ContextWithToken stores the raw bearer credential inside the context.
func ContextWithToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, tokenContextKey{}, token)
}

// TokenFromContext returns the bearer credential if previously attached.
func TokenFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(tokenContextKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
