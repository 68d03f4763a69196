package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"authcore.org/internal/auth"
	"authcore.org/internal/obs"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	MFACode  string `json:"mfa_code,omitempty"`
}

type tokenPairResponse struct {
	TokenType string `json:"token_type"`
	auth.TokenPair
	SessionID string `json:"session_id,omitempty"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.limited(w, r, "login", "") {
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	result, err := a.svc.Login(r.Context(), req.Username, req.Password, req.MFACode, clientMeta(r))
	if err != nil {
		if errors.Is(err, auth.ErrMFARequired) {
			obs.ObserveLogin("mfa_required")
		} else {
			obs.ObserveLogin("failure")
		}
		handleAuthError(w, r, err)
		return
	}
	obs.ObserveLogin("success")
	writeJSON(w, http.StatusOK, tokenPairResponse{
		TokenType: "Bearer",
		TokenPair: result.Pair,
		SessionID: result.Session.ID,
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.limited(w, r, "refresh", "") {
		return
	}
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	pair, err := a.svc.Refresh(r.Context(), req.RefreshToken, clientMeta(r))
	if err != nil {
		if errors.Is(err, auth.ErrTokenReuseDetected) {
			obs.ObserveTokenValidation("reuse")
		}
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenPairResponse{TokenType: "Bearer", TokenPair: pair})
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token,omitempty"`
	Everywhere   bool   `json:"everywhere,omitempty"`
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, ok := a.principal(w, r)
	if !ok {
		return
	}
	var req logoutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if !req.Everywhere && strings.TrimSpace(req.RefreshToken) == "" {
		writeError(w, r, http.StatusBadRequest, "refresh_token is required unless everywhere is set")
		return
	}
	if err := a.svc.Logout(r.Context(), principal.Identity.ID, req.RefreshToken, req.Everywhere, clientMeta(r)); err != nil {
		handleAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.limited(w, r, "register", "") {
		return
	}
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	identity, err := a.svc.Register(r.Context(), req.Username, req.Email, req.Password, false)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, identity)
}

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

func (a *API) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.limited(w, r, "forgot", "") {
		return
	}
	var req forgotPasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	// Token delivery is out of band (mail pipeline); the handler only logs
	// that a token exists. The response is 202 whether or not the email
	// matched an account.
	err := a.svc.ForgotPassword(r.Context(), req.Email, clientMeta(r), func(identity *auth.Identity, token string) {
		obs.Log("info", "password reset token issued", map[string]any{"identity_id": identity.ID})
	})
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted"})
}

type resetPasswordRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

func (a *API) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.limited(w, r, "forgot", "") {
		return
	}
	var req resetPasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.ResetPassword(r.Context(), req.Token, req.Password, clientMeta(r)); err != nil {
		handleAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, ok := a.principal(w, r)
	if !ok {
		return
	}
	var req changePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.ChangePassword(r.Context(), principal.Identity.ID, req.CurrentPassword, req.NewPassword, clientMeta(r)); err != nil {
		handleAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type meResponse struct {
	Identity    *auth.Identity `json:"identity"`
	Permissions []string       `json:"permissions"`
	APIKeyID    string         `json:"api_key_id,omitempty"`
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	principal, ok := a.principal(w, r)
	if !ok {
		return
	}
	resp := meResponse{
		Identity:    principal.Identity,
		Permissions: principal.Permissions.Strings(),
	}
	if principal.APIKey != nil {
		resp.APIKeyID = principal.APIKey.ID
	}
	writeJSON(w, http.StatusOK, resp)
}

type checkRequest struct {
	Permission string `json:"permission"`
	ResourceID string `json:"resource_id,omitempty"`
}

// handleCheck lets services ask "may I" without provoking a 403, useful for
// UI gating and for service accounts probing before expensive work.
func (a *API) handleCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, ok := a.principal(w, r)
	if !ok {
		return
	}
	var req checkRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	perm, err := auth.ParsePermission(req.Permission)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	allowed, err := a.svc.Check(r.Context(), principal, perm, req.ResourceID)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	obs.ObservePermissionCheck(allowed)
	writeJSON(w, http.StatusOK, map[string]any{"allowed": allowed})
}
