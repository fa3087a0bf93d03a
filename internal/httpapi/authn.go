package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"credvault.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// The handshake endpoints are reachable without a session; everything else
// under /v1 requires one.
var publicPaths = []string{
	"/v1/login",
	"/v1/authenticate",
	"/v1/setup",
	"/metrics",
	"/healthz",
	"/readyz",
	"/openapi.yaml",
	"/v1/info",
	"/",
}

func (a *API) withSession(next http.Handler) http.Handler {
	if a == nil || a.auth == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		sess, err := a.auth.Verify(r.Context(), token)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidSession) {
				writeError(w, r, http.StatusUnauthorized, "invalid or expired session")
				return
			}
			writeError(w, r, http.StatusInternalServerError, "authentication error")
			return
		}

		ctx := auth.ContextWithSession(r.Context(), sess)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// session returns the authenticated session; the middleware guarantees one on
// every non-public route.
func session(r *http.Request) *auth.Session {
	s, _ := auth.SessionFromContext(r.Context())
	return s
}

// requireAdmin gates administrator-only routes.
func requireAdmin(w http.ResponseWriter, r *http.Request) *auth.Session {
	s := session(r)
	if s == nil {
		writeError(w, r, http.StatusUnauthorized, "session required")
		return nil
	}
	if !s.IsAdmin {
		writeError(w, r, http.StatusForbidden, "administrator privileges required")
		return nil
	}
	return s
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
