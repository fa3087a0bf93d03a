package httpapi

import (
	"net/http"
	"strings"

	"credvault.org/internal/vault"
)

type createGroupRequest struct {
	Name   string `json:"name"`
	Hidden bool   `json:"hidden"`
}

type updateGroupRequest struct {
	Name   string `json:"name"`
	Hidden *bool  `json:"hidden"`
}

type groupMemberRequest struct {
	UserID        string `json:"user_id"`
	CryptGroupKey string `json:"crypt_group_key"`
	GroupAdmin    bool   `json:"group_admin"`
}

func (a *API) handleGroupsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		items, err := a.vault.ListGroups(r.Context(), session(r).UserID)
		if err != nil {
			handleVaultError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	case http.MethodPost:
		var req createGroupRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		g, err := a.vault.AddGroup(r.Context(), session(r).UserID, strings.TrimSpace(req.Name), req.Hidden)
		if err != nil {
			handleVaultError(w, r, err)
			return
		}
		a.audit(r.Context(), "group.create", "group", g.ID, map[string]string{"name": g.Name})
		a.notify("group.created", g.ID, session(r).UserID)
		w.Header().Set("Location", "/v1/groups/"+g.ID)
		writeJSON(w, http.StatusCreated, g)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

// handleGroupResource dispatches /v1/groups/{id} and the membership
// sub-resource /v1/groups/{id}/users[/{user_id}].
func (a *API) handleGroupResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/groups/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	id, rest, hasRest := strings.Cut(path, "/")
	if id == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if hasRest {
		a.handleGroupMembers(w, r, id, rest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		g, err := a.vault.GetGroup(r.Context(), session(r).UserID, id)
		if err != nil {
			handleVaultError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, g)
	case http.MethodPut:
		var req updateGroupRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if err := a.vault.PutGroup(r.Context(), id, strings.TrimSpace(req.Name), req.Hidden); err != nil {
			handleVaultError(w, r, err)
			return
		}
		a.audit(r.Context(), "group.update", "group", id, nil)
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	case http.MethodDelete:
		if err := a.vault.DeleteGroup(r.Context(), id); err != nil {
			handleVaultError(w, r, err)
			return
		}
		a.audit(r.Context(), "group.delete", "group", id, nil)
		a.notify("group.deleted", id, session(r).UserID)
		writeJSON(w, http.StatusOK, map[string]any{"status": "deleted"})
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut, http.MethodDelete)
	}
}

func (a *API) handleGroupMembers(w http.ResponseWriter, r *http.Request, groupID, rest string) {
	sub, userID, _ := strings.Cut(rest, "/")
	if sub != "users" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch {
	case r.Method == http.MethodGet && userID == "":
		// Stage one of the admission protocol: the group admin asks for
		// its own wrapped group key plus the candidate's public key.
		target := r.URL.Query().Get("user_id")
		if target == "" {
			writeError(w, r, http.StatusBadRequest, "user_id query parameter is required")
			return
		}
		info, err := a.vault.GroupGrantInfo(r.Context(), session(r).UserID, groupID, target)
		if err != nil {
			handleVaultError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, info)
	case r.Method == http.MethodPost && userID == "":
		var req groupMemberRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if req.UserID == "" {
			handleVaultError(w, r, vault.ErrInvalidInput)
			return
		}
		err := a.vault.GroupSetUserKey(r.Context(), session(r).UserID, groupID, req.UserID, req.CryptGroupKey, req.GroupAdmin)
		if err != nil {
			handleVaultError(w, r, err)
			return
		}
		a.audit(r.Context(), "group.add_user", "group", groupID, map[string]string{"user_id": req.UserID})
		a.notify("group.member_added", groupID, session(r).UserID)
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	case r.Method == http.MethodDelete && userID != "":
		if err := a.vault.GroupDelUser(r.Context(), session(r).UserID, groupID, userID); err != nil {
			handleVaultError(w, r, err)
			return
		}
		a.audit(r.Context(), "group.del_user", "group", groupID, map[string]string{"user_id": userID})
		a.notify("group.member_removed", groupID, session(r).UserID)
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost, http.MethodDelete)
	}
}
