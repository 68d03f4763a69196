package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"authcore.org/internal/auth"
	"authcore.org/internal/ids"
)

type createAPIKeyRequest struct {
	Name       string   `json:"name"`
	Scope      []string `json:"scope,omitempty"`
	TTLSeconds int64    `json:"ttl_seconds,omitempty"`
}

type apiKeyCreatedResponse struct {
	Key       *auth.APIKey `json:"key"`
	Plaintext string       `json:"plaintext"`
}

// Key management is self-service: callers operate on their own keys. Managing
// another identity's keys requires apikey:manage.
func (a *API) handleAPIKeys(w http.ResponseWriter, r *http.Request) {
	principal, ok := a.principal(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		keys, err := a.svc.APIKeys().List(r.Context(), principal.Identity.ID)
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
	case http.MethodPost:
		var req createAPIKeyRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		scope := make([]auth.Permission, 0, len(req.Scope))
		for _, raw := range req.Scope {
			perm, err := auth.ParsePermission(raw)
			if err != nil {
				handleAuthError(w, r, err)
				return
			}
			scope = append(scope, perm)
		}
		key, plaintext, err := a.svc.APIKeys().Create(r.Context(), principal.Identity.ID, req.Name, scope, time.Duration(req.TTLSeconds)*time.Second)
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		a.audit.Info(&auth.AuditEvent{
			ID:         ids.New(),
			OccurredAt: time.Now().UTC(),
			ActorID:    principal.Identity.ID,
			Kind:       "apikey.created",
			Outcome:    "success",
			Severity:   auth.AuditInfo,
			Client:     clientMeta(r),
			ResourceID: key.ID,
		})
		w.Header().Set("Location", fmt.Sprintf("/v1/api-keys/%s", key.ID))
		writeJSON(w, http.StatusCreated, apiKeyCreatedResponse{Key: key, Plaintext: plaintext})
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

// handleAPIKeyResource covers /v1/api-keys/{id} and /v1/api-keys/{id}/rotate.
func (a *API) handleAPIKeyResource(w http.ResponseWriter, r *http.Request) {
	principal, ok := a.principal(w, r)
	if !ok {
		return
	}
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/api-keys/"), "/")
	parts := strings.Split(rest, "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	keyID := parts[0]
	// Reject garbage ids before touching the store.
	if !ids.IsWellFormed(keyID) {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	key, err := a.svc.APIKeys().Find(r.Context(), keyID)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	if key.IdentityID != principal.Identity.ID {
		if _, ok := a.requirePermission(w, r, auth.PermAPIKeyManage, ""); !ok {
			return
		}
	}

	switch {
	case len(parts) == 1 && r.Method == http.MethodDelete:
		if err := a.svc.APIKeys().Revoke(r.Context(), keyID); err != nil {
			handleAuthError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case len(parts) == 2 && parts[1] == "rotate" && r.Method == http.MethodPost:
		plaintext, err := a.svc.APIKeys().Rotate(r.Context(), keyID)
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"plaintext": plaintext})
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}
