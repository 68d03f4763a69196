package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"authcore.org/internal/auth"
	"authcore.org/internal/obs"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/",
	"/healthz",
	"/readyz",
	"/metrics",
	"/v1/info",
	"/v1/auth/login",
	"/v1/auth/refresh",
	"/v1/auth/register",
	"/v1/auth/forgot-password",
	"/v1/auth/reset-password",
}

var publicPrefixes = []string{
	"/v1/auth/oauth/",
}

// withAuth authenticates every non-public request: api keys by prefix, JWTs
// otherwise. The resolved principal, including its flattened permission set,
// rides the request context so handlers never hit the graph twice.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			obs.ObserveTokenValidation("missing")
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		principal, err := a.svc.CurrentIdentity(r.Context(), token)
		if err != nil {
			observeValidationError(err)
			switch {
			case errors.Is(err, auth.ErrTokenExpired),
				errors.Is(err, auth.ErrTokenInvalid),
				errors.Is(err, auth.ErrTokenRevoked),
				errors.Is(err, auth.ErrInvalidAPIKey):
				handleAuthError(w, r, err)
			default:
				writeError(w, r, http.StatusInternalServerError, "authentication error")
			}
			return
		}
		obs.ObserveTokenValidation("ok")

		ctx := auth.ContextWithPrincipal(r.Context(), principal)
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// principal returns the authenticated caller or writes a 401.
func (a *API) principal(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return auth.Principal{}, false
	}
	return principal, true
}

// requirePermission runs the full check, resource grants included, and
// writes the error response on deny.
func (a *API) requirePermission(w http.ResponseWriter, r *http.Request, perm auth.Permission, resourceID string) (auth.Principal, bool) {
	principal, ok := a.principal(w, r)
	if !ok {
		return auth.Principal{}, false
	}
	allowed, err := a.svc.Check(r.Context(), principal, perm, resourceID)
	if err != nil {
		handleAuthError(w, r, err)
		return auth.Principal{}, false
	}
	obs.ObservePermissionCheck(allowed)
	if !allowed {
		writeError(w, r, http.StatusForbidden, "permission denied")
		return auth.Principal{}, false
	}
	return principal, true
}

func observeValidationError(err error) {
	switch {
	case errors.Is(err, auth.ErrTokenExpired):
		obs.ObserveTokenValidation("expired")
	case errors.Is(err, auth.ErrTokenRevoked):
		obs.ObserveTokenValidation("revoked")
	case errors.Is(err, auth.ErrInvalidAPIKey):
		obs.ObserveTokenValidation("invalid_api_key")
	default:
		obs.ObserveTokenValidation("invalid")
	}
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	for _, prefix := range publicPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
