package auth

import "errors"

// Failure taxonomy for authentication and authorization. Handlers map these
// to HTTP statuses; messages deliberately avoid leaking whether an account
// exists, has MFA, or which half of a credential was wrong.
var (
	// ErrInvalidCredentials covers unknown user and wrong password alike.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")

	ErrTokenExpired = errors.New("auth: token expired")
	ErrTokenInvalid = errors.New("auth: token invalid")
	ErrTokenRevoked = errors.New("auth: token revoked")
	// ErrTokenReuseDetected marks a replayed, already-rotated refresh token.
	// Security significant: the whole token family is revoked and the event
	// is audited at critical severity.
	ErrTokenReuseDetected = errors.New("auth: token reuse detected")

	ErrPermissionDenied     = errors.New("auth: permission denied")
	ErrRateLimited          = errors.New("auth: rate limited")
	ErrMFARequired          = errors.New("auth: mfa required")
	ErrMFAInvalidCode       = errors.New("auth: invalid mfa code")
	ErrRoleHierarchyTooDeep = errors.New("auth: role hierarchy too deep")
	ErrInvalidAPIKey        = errors.New("auth: invalid api key")

	ErrNotFound     = errors.New("auth: not found")
	ErrConflict     = errors.New("auth: already exists")
	ErrInvalidInput = errors.New("auth: invalid input")
)
