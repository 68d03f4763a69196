package httpapi

import (
	"net/http"
	"time"

	"authcore.org/internal/auth"
	"authcore.org/internal/ids"
)

func (a *API) handleMFAEnroll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, ok := a.principal(w, r)
	if !ok {
		return
	}
	enrollment, err := a.svc.MFA().Enroll(r.Context(), principal.Identity)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	// Secret and backup codes appear in this response only.
	writeJSON(w, http.StatusOK, enrollment)
}

type mfaCodeRequest struct {
	Code string `json:"code"`
}

func (a *API) handleMFAVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, ok := a.principal(w, r)
	if !ok {
		return
	}
	if a.limited(w, r, "mfa", principal.Identity.ID) {
		return
	}
	var req mfaCodeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.MFA().Verify(r.Context(), principal.Identity.ID, req.Code); err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"verified": true})
}

type mfaDisableRequest struct {
	Password string `json:"password"`
	Code     string `json:"code,omitempty"`
}

// Disabling the second factor requires fresh proof of possession: the current
// password, or a valid code when the account has no password (oauth-only).
func (a *API) handleMFADisable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, ok := a.principal(w, r)
	if !ok {
		return
	}
	if a.limited(w, r, "mfa", principal.Identity.ID) {
		return
	}
	var req mfaDisableRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	reauthed := false
	if principal.Identity.PasswordHash != "" && req.Password != "" {
		reauthed = auth.VerifyPassword(principal.Identity.PasswordHash, req.Password) == nil
	}
	if !reauthed && req.Code != "" {
		reauthed = a.svc.MFA().Verify(r.Context(), principal.Identity.ID, req.Code) == nil
	}
	if !reauthed {
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err := a.svc.MFA().Disable(r.Context(), principal.Identity.ID); err != nil {
		handleAuthError(w, r, err)
		return
	}
	if err := a.audit.Security(r.Context(), &auth.AuditEvent{
		ID:         ids.New(),
		OccurredAt: time.Now().UTC(),
		ActorID:    principal.Identity.ID,
		Kind:       "mfa.disabled",
		Outcome:    "success",
		Severity:   auth.AuditWarning,
		Client:     clientMeta(r),
	}); err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
