package httpapi

import (
	"net/http"
	"strings"

	"authcore.org/internal/auth"
)

func (a *API) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	principal, ok := a.principal(w, r)
	if !ok {
		return
	}
	identityID := principal.Identity.ID
	if other := r.URL.Query().Get("identity_id"); other != "" && other != identityID {
		if _, ok := a.requirePermission(w, r, auth.PermSessionManage, ""); !ok {
			return
		}
		identityID = other
	}
	sessions, err := a.svc.Sessions().List(r.Context(), identityID)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// handleSessionResource closes one session: DELETE /v1/sessions/{id}. The
// session's token family dies with it, so its refresh token stops working.
func (a *API) handleSessionResource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	principal, ok := a.principal(w, r)
	if !ok {
		return
	}
	sessionID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/sessions/"), "/")
	if sessionID == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	session, err := a.svc.Sessions().Find(r.Context(), sessionID)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	if session.IdentityID != principal.Identity.ID {
		if _, ok := a.requirePermission(w, r, auth.PermSessionManage, ""); !ok {
			return
		}
	}
	if session.TokenFamilyID != "" {
		if err := a.svc.Tokens().RevokeFamily(r.Context(), session.TokenFamilyID); err != nil {
			handleAuthError(w, r, err)
			return
		}
	}
	if err := a.svc.Sessions().Close(r.Context(), sessionID); err != nil {
		handleAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
