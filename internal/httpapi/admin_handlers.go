package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"authcore.org/internal/auth"
	"authcore.org/internal/ids"
)

type createRoleRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func (a *API) handleRoles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, ok := a.requirePermission(w, r, auth.PermRoleManage, "")
	if !ok {
		return
	}
	var req createRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, r, http.StatusBadRequest, "name is required")
		return
	}
	now := time.Now().UTC()
	role := &auth.Role{
		ID:          ids.New(),
		Name:        strings.TrimSpace(req.Name),
		Description: req.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := a.svc.Store().Roles().Create(r.Context(), role); err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.adminAudit(r, principal, "role.created", role.ID, map[string]string{"name": role.Name})
	w.Header().Set("Location", fmt.Sprintf("/v1/roles/%s", role.ID))
	writeJSON(w, http.StatusCreated, role)
}

type rolePermissionsRequest struct {
	Permissions []string `json:"permissions"`
}

type roleParentRequest struct {
	ParentRoleID string `json:"parent_role_id"`
}

type roleAssignRequest struct {
	IdentityID string `json:"identity_id,omitempty"`
	GroupID    string `json:"group_id,omitempty"`
}

// handleRoleResource dispatches /v1/roles/{id}/{permissions|parents|assignments}.
func (a *API) handleRoleResource(w http.ResponseWriter, r *http.Request) {
	principal, ok := a.requirePermission(w, r, auth.PermRoleManage, "")
	if !ok {
		return
	}
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/roles/"), "/")
	parts := strings.Split(rest, "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	roleID := parts[0]
	if !ids.IsWellFormed(roleID) {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		role, err := a.svc.Store().Roles().Find(r.Context(), roleID)
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, role)
	case len(parts) == 2 && parts[1] == "permissions" && r.Method == http.MethodPost:
		var req rolePermissionsRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		// Validate before writing so a typo cannot poison the role.
		if _, err := auth.ParsePermissionSet(req.Permissions); err != nil {
			handleAuthError(w, r, err)
			return
		}
		if err := a.svc.Store().Roles().SetPermissions(r.Context(), roleID, req.Permissions); err != nil {
			handleAuthError(w, r, err)
			return
		}
		a.adminAudit(r, principal, "role.permissions_set", roleID, map[string]string{
			"count": strconv.Itoa(len(req.Permissions)),
		})
		w.WriteHeader(http.StatusNoContent)
	case len(parts) == 2 && parts[1] == "parents" && r.Method == http.MethodPost:
		var req roleParentRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if err := a.svc.Resolver().AddRoleParent(r.Context(), roleID, req.ParentRoleID); err != nil {
			handleAuthError(w, r, err)
			return
		}
		a.adminAudit(r, principal, "role.parent_added", roleID, map[string]string{
			"parent_role_id": req.ParentRoleID,
		})
		w.WriteHeader(http.StatusNoContent)
	case len(parts) == 2 && parts[1] == "assignments" && r.Method == http.MethodPost:
		var req roleAssignRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		var err error
		switch {
		case req.IdentityID != "":
			err = a.svc.Store().Roles().AssignToIdentity(r.Context(), roleID, req.IdentityID)
		case req.GroupID != "":
			err = a.svc.Store().Roles().AssignToGroup(r.Context(), roleID, req.GroupID)
		default:
			writeError(w, r, http.StatusBadRequest, "identity_id or group_id is required")
			return
		}
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		a.adminAudit(r, principal, "role.assigned", roleID, map[string]string{
			"identity_id": req.IdentityID,
			"group_id":    req.GroupID,
		})
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

type createGroupRequest struct {
	Name string `json:"name"`
}

func (a *API) handleGroups(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, ok := a.requirePermission(w, r, auth.PermRoleManage, "")
	if !ok {
		return
	}
	var req createGroupRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, r, http.StatusBadRequest, "name is required")
		return
	}
	group := &auth.Group{
		ID:        ids.New(),
		Name:      strings.TrimSpace(req.Name),
		CreatedAt: time.Now().UTC(),
	}
	if err := a.svc.Store().Groups().Create(r.Context(), group); err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.adminAudit(r, principal, "group.created", group.ID, map[string]string{"name": group.Name})
	w.Header().Set("Location", fmt.Sprintf("/v1/groups/%s", group.ID))
	writeJSON(w, http.StatusCreated, group)
}

type groupMemberRequest struct {
	IdentityID string `json:"identity_id"`
}

// handleGroupResource covers /v1/groups/{id}/members.
func (a *API) handleGroupResource(w http.ResponseWriter, r *http.Request) {
	principal, ok := a.requirePermission(w, r, auth.PermRoleManage, "")
	if !ok {
		return
	}
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/groups/"), "/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "members" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	groupID := parts[0]
	if !ids.IsWellFormed(groupID) {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	var req groupMemberRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.IdentityID == "" {
		writeError(w, r, http.StatusBadRequest, "identity_id is required")
		return
	}
	var err error
	switch r.Method {
	case http.MethodPost:
		err = a.svc.Store().Groups().AddMember(r.Context(), groupID, req.IdentityID)
	case http.MethodDelete:
		err = a.svc.Store().Groups().RemoveMember(r.Context(), groupID, req.IdentityID)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodDelete)
		return
	}
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.adminAudit(r, principal, "group.membership_changed", groupID, map[string]string{
		"identity_id": req.IdentityID,
		"method":      r.Method,
	})
	w.WriteHeader(http.StatusNoContent)
}

type grantRequest struct {
	SubjectKind string   `json:"subject_kind"`
	SubjectID   string   `json:"subject_id"`
	ResourceID  string   `json:"resource_id"`
	Actions     []string `json:"actions"`
}

func (a *API) handleGrants(w http.ResponseWriter, r *http.Request) {
	principal, ok := a.requirePermission(w, r, auth.PermGrantManage, "")
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodPost:
		var req grantRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		kind := auth.SubjectKind(req.SubjectKind)
		if kind != auth.SubjectIdentity && kind != auth.SubjectGroup {
			writeError(w, r, http.StatusBadRequest, "subject_kind must be identity or group")
			return
		}
		if req.SubjectID == "" || req.ResourceID == "" || len(req.Actions) == 0 {
			writeError(w, r, http.StatusBadRequest, "subject_id, resource_id and actions are required")
			return
		}
		grant := &auth.ResourceGrant{
			ID:          ids.New(),
			SubjectKind: kind,
			SubjectID:   req.SubjectID,
			ResourceID:  req.ResourceID,
			Actions:     req.Actions,
			CreatedAt:   time.Now().UTC(),
		}
		if err := a.svc.Store().Grants().Upsert(r.Context(), grant); err != nil {
			handleAuthError(w, r, err)
			return
		}
		a.adminAudit(r, principal, "grant.upserted", req.ResourceID, map[string]string{
			"subject_id": req.SubjectID,
		})
		writeJSON(w, http.StatusCreated, grant)
	case http.MethodDelete:
		subjectID := r.URL.Query().Get("subject_id")
		resourceID := r.URL.Query().Get("resource_id")
		if subjectID == "" || resourceID == "" {
			writeError(w, r, http.StatusBadRequest, "subject_id and resource_id are required")
			return
		}
		if err := a.svc.Store().Grants().Delete(r.Context(), subjectID, resourceID); err != nil {
			handleAuthError(w, r, err)
			return
		}
		a.adminAudit(r, principal, "grant.deleted", resourceID, map[string]string{
			"subject_id": subjectID,
		})
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodDelete)
	}
}

func (a *API) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if _, ok := a.requirePermission(w, r, auth.PermAuditRead, ""); !ok {
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil || val <= 0 || val > 1000 {
			writeError(w, r, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = val
	}
	var before time.Time
	if raw := r.URL.Query().Get("before"); raw != "" {
		val, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "before must be RFC3339")
			return
		}
		before = val
	}
	events, err := a.svc.Store().Audit().List(r.Context(), limit, before)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (a *API) adminAudit(r *http.Request, principal auth.Principal, kind, resourceID string, fields map[string]string) {
	a.audit.Info(&auth.AuditEvent{
		ID:         ids.New(),
		OccurredAt: time.Now().UTC(),
		ActorID:    principal.Identity.ID,
		Kind:       kind,
		Outcome:    "success",
		Severity:   auth.AuditInfo,
		Client:     clientMeta(r),
		ResourceID: resourceID,
		Fields:     fields,
	})
}
