package httpapi

import (
	"net/http"
	"strings"

	"credvault.org/internal/obs"
	"credvault.org/internal/vault"
)

// --- users ---

type createUserRequest struct {
	Username string `json:"username"`
	IsAdmin  bool   `json:"is_admin"`
}

func (a *API) handleUsersCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		users, err := a.vault.ListUsers(r.Context())
		if err != nil {
			handleVaultError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": users})
	case http.MethodPost:
		s := requireAdmin(w, r)
		if s == nil {
			return
		}
		var req createUserRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		u, err := a.vault.AddUser(r.Context(), strings.TrimSpace(req.Username), req.IsAdmin)
		if err != nil {
			handleVaultError(w, r, err)
			return
		}
		a.audit(r.Context(), "user.create", "user", u.ID, map[string]string{"username": u.Username})
		a.notify("user.created", u.ID, s.UserID)
		w.Header().Set("Location", "/v1/users/"+u.ID)
		writeJSON(w, http.StatusCreated, u)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleUserResource(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/users/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		u, err := a.vault.GetUser(r.Context(), id)
		if err != nil {
			handleVaultError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, u)
	case http.MethodDelete:
		s := requireAdmin(w, r)
		if s == nil {
			return
		}
		if err := a.vault.DeleteUser(r.Context(), id); err != nil {
			handleVaultError(w, r, err)
			return
		}
		a.audit(r.Context(), "user.delete", "user", id, nil)
		a.notify("user.deleted", id, s.UserID)
		writeJSON(w, http.StatusOK, map[string]any{"status": "deleted"})
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodDelete)
	}
}

// --- customers ---

type customerRequest struct {
	Name string `json:"name"`
}

func (a *API) handleCustomersCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		items, err := a.vault.ListCustomers(r.Context())
		if err != nil {
			handleVaultError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	case http.MethodPost:
		var req customerRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		c, err := a.vault.AddCustomer(r.Context(), session(r).UserID, strings.TrimSpace(req.Name))
		if err != nil {
			handleVaultError(w, r, err)
			return
		}
		a.audit(r.Context(), "customer.create", "customer", c.ID, map[string]string{"name": c.Name})
		a.notify("customer.created", c.ID, session(r).UserID)
		w.Header().Set("Location", "/v1/customers/"+c.ID)
		writeJSON(w, http.StatusCreated, c)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleCustomerResource(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/customers/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		c, err := a.vault.GetCustomer(r.Context(), id)
		if err != nil {
			handleVaultError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, c)
	case http.MethodPut:
		var req customerRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if err := a.vault.PutCustomer(r.Context(), id, strings.TrimSpace(req.Name)); err != nil {
			handleVaultError(w, r, err)
			return
		}
		a.audit(r.Context(), "customer.update", "customer", id, nil)
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	case http.MethodDelete:
		if err := a.vault.DeleteCustomer(r.Context(), id); err != nil {
			handleVaultError(w, r, err)
			return
		}
		a.audit(r.Context(), "customer.delete", "customer", id, nil)
		a.notify("customer.deleted", id, session(r).UserID)
		writeJSON(w, http.StatusOK, map[string]any{"status": "deleted"})
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut, http.MethodDelete)
	}
}

// --- machines ---

func (a *API) handleMachinesCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		items, err := a.vault.ListMachines(r.Context(), r.URL.Query().Get("customer_id"))
		if err != nil {
			handleVaultError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	case http.MethodPost:
		var req vault.AddMachineInput
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		m, err := a.vault.AddMachine(r.Context(), req)
		if err != nil {
			handleVaultError(w, r, err)
			return
		}
		a.audit(r.Context(), "machine.create", "machine", m.ID, map[string]string{"name": m.Name})
		a.notify("machine.created", m.ID, session(r).UserID)
		w.Header().Set("Location", "/v1/machines/"+m.ID)
		writeJSON(w, http.StatusCreated, m)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleMachineResource(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/machines/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		m, err := a.vault.GetMachine(r.Context(), id)
		if err != nil {
			handleVaultError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, m)
	case http.MethodPut:
		var req vault.AddMachineInput
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if err := a.vault.PutMachine(r.Context(), id, req); err != nil {
			handleVaultError(w, r, err)
			return
		}
		a.audit(r.Context(), "machine.update", "machine", id, nil)
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	case http.MethodDelete:
		if err := a.vault.DeleteMachine(r.Context(), id); err != nil {
			handleVaultError(w, r, err)
			return
		}
		a.audit(r.Context(), "machine.delete", "machine", id, nil)
		a.notify("machine.deleted", id, session(r).UserID)
		writeJSON(w, http.StatusOK, map[string]any{"status": "deleted"})
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut, http.MethodDelete)
	}
}

// --- search ---

func (a *API) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	res, err := a.vault.Search(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		handleVaultError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": res})
}

// --- services ---

type changeSecretRequest struct {
	Secret string `json:"secret"`
}

func (a *API) handleServicesCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req vault.AddServiceInput
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	grant, err := a.vault.AddService(r.Context(), session(r).UserID, req)
	if err != nil {
		handleVaultError(w, r, err)
		return
	}
	obs.CountCipherRows(grant.CipherRows)
	obs.CountFanout(len(grant.EncryptedFor), len(grant.Skipped))
	a.audit(r.Context(), "service.create", "service", grant.ServiceID, map[string]string{
		"encrypted_for": strings.Join(grant.EncryptedFor, ","),
	})
	a.notify("service.created", grant.ServiceID, session(r).UserID)
	w.Header().Set("Location", "/v1/services/"+grant.ServiceID)
	writeJSON(w, http.StatusCreated, grant)
}

// handleServiceResource dispatches /v1/services/{id} plus the tree, secret
// and direct-grant sub-resources.
func (a *API) handleServiceResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/services/")
	id, rest, hasRest := strings.Cut(path, "/")
	if id == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if hasRest {
		switch {
		case rest == "tree" && r.Method == http.MethodGet:
			a.getServiceTree(w, r, id)
		case rest == "secret" && r.Method == http.MethodPut:
			a.changeServiceSecret(w, r, id)
		case rest == "users" || strings.HasPrefix(rest, "users/"):
			a.handleServiceUsers(w, r, id, rest)
		default:
			writeError(w, r, http.StatusNotFound, "resource not found")
		}
		return
	}

	switch r.Method {
	case http.MethodGet:
		view, err := a.vault.GetService(r.Context(), session(r).UserID, id)
		if err != nil {
			handleVaultError(w, r, err)
			return
		}
		obs.CountSecretGranted()
		a.audit(r.Context(), "service.read", "service", id, nil)
		writeJSON(w, http.StatusOK, view)
	case http.MethodPut:
		var req vault.PutServiceInput
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if err := a.vault.PutService(r.Context(), id, req); err != nil {
			handleVaultError(w, r, err)
			return
		}
		a.audit(r.Context(), "service.update", "service", id, nil)
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	case http.MethodDelete:
		if err := a.vault.DeleteService(r.Context(), id); err != nil {
			handleVaultError(w, r, err)
			return
		}
		a.audit(r.Context(), "service.delete", "service", id, nil)
		a.notify("service.deleted", id, session(r).UserID)
		writeJSON(w, http.StatusOK, map[string]any{"status": "deleted"})
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut, http.MethodDelete)
	}
}

func (a *API) getServiceTree(w http.ResponseWriter, r *http.Request, id string) {
	views, err := a.vault.GetServiceTree(r.Context(), session(r).UserID, id)
	if err != nil {
		handleVaultError(w, r, err)
		return
	}
	obs.CountSecretGranted()
	a.audit(r.Context(), "service.read_tree", "service", id, nil)
	writeJSON(w, http.StatusOK, map[string]any{"services": views})
}

func (a *API) changeServiceSecret(w http.ResponseWriter, r *http.Request, id string) {
	var req changeSecretRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	grant, err := a.vault.ChangeServiceSecret(r.Context(), session(r).UserID, id, req.Secret)
	if err != nil {
		handleVaultError(w, r, err)
		return
	}
	obs.CountSecretRotation()
	obs.CountCipherRows(grant.CipherRows)
	obs.CountFanout(len(grant.EncryptedFor), len(grant.Skipped))
	a.audit(r.Context(), "service.rotate_secret", "service", id, map[string]string{
		"encrypted_for": strings.Join(grant.EncryptedFor, ","),
	})
	a.notify("secret.rotated", id, session(r).UserID)
	writeJSON(w, http.StatusOK, grant)
}

type serviceUserRequest struct {
	UserID      string `json:"user_id"`
	CryptSymKey string `json:"crypt_sym_key"`
}

// handleServiceUsers serves the direct-grant protocol on
// /v1/services/{id}/users[/{user_id}]. Administrator only; the key wrap
// happens client-side, mirroring group admission.
func (a *API) handleServiceUsers(w http.ResponseWriter, r *http.Request, serviceID, rest string) {
	if requireAdmin(w, r) == nil {
		return
	}
	sub, userID, _ := strings.Cut(rest, "/")
	if sub != "users" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch {
	case r.Method == http.MethodGet && userID == "":
		target := r.URL.Query().Get("user_id")
		if target == "" {
			writeError(w, r, http.StatusBadRequest, "user_id query parameter is required")
			return
		}
		info, err := a.vault.ServiceGrantInfo(r.Context(), session(r).UserID, serviceID, target)
		if err != nil {
			handleVaultError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, info)
	case r.Method == http.MethodPost && userID == "":
		var req serviceUserRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if req.UserID == "" {
			handleVaultError(w, r, vault.ErrInvalidInput)
			return
		}
		err := a.vault.ServiceSetUserKey(r.Context(), session(r).UserID, serviceID, req.UserID, req.CryptSymKey)
		if err != nil {
			handleVaultError(w, r, err)
			return
		}
		obs.CountCipherRows(1)
		a.audit(r.Context(), "service.grant_user", "service", serviceID, map[string]string{"user_id": req.UserID})
		a.notify("service.user_granted", serviceID, session(r).UserID)
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	case r.Method == http.MethodDelete && userID != "":
		if err := a.vault.ServiceDelUserKey(r.Context(), session(r).UserID, serviceID, userID); err != nil {
			handleVaultError(w, r, err)
			return
		}
		a.audit(r.Context(), "service.revoke_user", "service", serviceID, map[string]string{"user_id": userID})
		a.notify("service.user_revoked", serviceID, session(r).UserID)
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost, http.MethodDelete)
	}
}
