package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"credvault.org/internal/auth"
	"credvault.org/internal/obs"
)

type loginRequest struct {
	Username string `json:"username"`
}

type authenticateRequest struct {
	Username string `json:"username"`
	Token    string `json:"token"`
}

type setupRequest struct {
	Username  string `json:"username"`
	PublicKey string `json:"public_key"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Username) == "" {
		writeError(w, r, http.StatusBadRequest, "username is required")
		return
	}

	ch, err := a.auth.Login(r.Context(), req.Username)
	if err != nil {
		obs.CountLogin("failed")
		handleVaultError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

func (a *API) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req authenticateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	sess, err := a.auth.Authenticate(r.Context(), req.Username, req.Token)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrChallengeExpired):
			obs.CountLogin("expired")
		default:
			obs.CountLogin("failed")
		}
		handleVaultError(w, r, err)
		return
	}
	obs.CountLogin("ok")
	a.audit(r.Context(), "auth.login", "user", sess.UserID, map[string]string{
		"username": sess.Username,
	})
	writeJSON(w, http.StatusOK, sess)
}

func (a *API) handleSetup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req setupRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Username) == "" || strings.TrimSpace(req.PublicKey) == "" {
		writeError(w, r, http.StatusBadRequest, "username and public_key are required")
		return
	}

	if err := a.auth.Setup(r.Context(), req.Username, req.PublicKey); err != nil {
		handleVaultError(w, r, err)
		return
	}
	a.audit(r.Context(), "auth.setup", "user", req.Username, nil)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	token, err := extractBearerToken(r.Header.Get(authHeader))
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}
	if err := a.auth.Logout(r.Context(), token); err != nil {
		handleVaultError(w, r, err)
		return
	}
	if s := session(r); s != nil {
		a.audit(r.Context(), "auth.logout", "user", s.UserID, nil)
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
