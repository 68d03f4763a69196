package httpapi

import (
	"net/http"
	"strings"

	"authcore.org/internal/obs"
)

// handleOAuth dispatches /v1/auth/oauth/{provider} and
// /v1/auth/oauth/{provider}/callback.
func (a *API) handleOAuth(w http.ResponseWriter, r *http.Request) {
	if a.oauth == nil {
		writeError(w, r, http.StatusNotFound, "oauth login is not configured")
		return
	}
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/auth/oauth/"), "/")
	parts := strings.Split(rest, "/")
	switch {
	case len(parts) == 1 && parts[0] != "":
		a.handleOAuthRedirect(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "callback":
		a.handleOAuthCallback(w, r, parts[0])
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleOAuthRedirect(w http.ResponseWriter, r *http.Request, provider string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !a.oauth.HasProvider(provider) {
		writeError(w, r, http.StatusNotFound, "unknown provider")
		return
	}
	if a.limited(w, r, "login", "") {
		return
	}
	url, err := a.oauth.AuthURL(r.Context(), provider)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}

func (a *API) handleOAuthCallback(w http.ResponseWriter, r *http.Request, provider string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.limited(w, r, "login", "") {
		return
	}
	q := r.URL.Query()
	code, state := q.Get("code"), q.Get("state")
	if code == "" || state == "" {
		writeError(w, r, http.StatusBadRequest, "code and state are required")
		return
	}
	identity, err := a.oauth.HandleCallback(r.Context(), provider, code, state)
	if err != nil {
		obs.ObserveLogin("failure")
		handleAuthError(w, r, err)
		return
	}
	result, err := a.svc.CompleteOAuthLogin(r.Context(), identity, provider, clientMeta(r))
	if err != nil {
		obs.ObserveLogin("failure")
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
