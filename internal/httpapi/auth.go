package httpapi

import (
	"net/http"

	"github.com/percolation-labs/rem/internal/remerr"
)

// auth.go implements only the session-identity interface spec §1 and
// SPEC_FULL.md carry: a login/callback/me/logout surface, where me reports
// the identity taken from the request headers and logout clears the
// session cookie. The OAuth
// provider exchange itself (the authorization-code round trip against a
// concrete IdP) is an explicit non-goal — login/callback fail closed with
// a clear diagnostic until a real provider is wired behind this interface.
const sessionCookieName = "rem_session"

func (s *Server) handleAuthLogin(w http.ResponseWriter, r *http.Request) {
	if !s.app.Config.Auth.Enabled {
		writeError(w, &remerr.AuthError{Message: "OAuth is not configured for this deployment"})
		return
	}
	provider := r.PathValue("provider")
	writeError(w, &remerr.AuthError{Message: "OAuth provider " + provider + " login is not implemented — only the session interface is wired"})
}

func (s *Server) handleAuthCallback(w http.ResponseWriter, r *http.Request) {
	if !s.app.Config.Auth.Enabled {
		writeError(w, &remerr.AuthError{Message: "OAuth is not configured for this deployment"})
		return
	}
	provider := r.PathValue("provider")
	writeError(w, &remerr.AuthError{Message: "OAuth provider " + provider + " callback is not implemented — only the session interface is wired"})
}

func (s *Server) handleAuthMe(w http.ResponseWriter, r *http.Request) {
	rc := contextFromHeaders(r)
	if rc.UserID == "" {
		writeError(w, &remerr.AuthError{Message: "no identity on request"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"user_id": rc.UserID, "tenant_id": rc.TenantID})
}

func (s *Server) handleAuthLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{Name: sessionCookieName, Value: "", MaxAge: -1, Path: "/"})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
