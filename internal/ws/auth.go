package ws

import (
	"net/http"
	"strings"

	"go_rex/internal/auth"
)

// extractToken reads the operator token from the "token" query parameter or the Authorization header
func extractToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	token, _ := auth.BearerToken(r.Header.Get("Authorization"))
	return token
}

// WrapWithAuth requires a valid operator token on the Socket.IO handshake
func (h *Hub) WrapWithAuth(signer *auth.Signer) http.Handler {
	next := h.Handler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Only the handshake carries credentials; later polling requests reuse the session id.
		if r.Method == http.MethodGet && strings.Contains(r.URL.Path, "/socket.io/") && r.URL.Query().Get("sid") == "" {
			token := extractToken(r)
			if token == "" {
				h.logger.WithField("remote", r.RemoteAddr).Warn("Handshake rejected: no token")
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			claims, err := signer.Parse(token)
			if err != nil {
				h.logger.WithField("remote", r.RemoteAddr).WithError(err).Warn("Handshake rejected: invalid token")
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			h.logger.WithField("subject", claims.Subject).Debug("Handshake accepted")
		}
		next.ServeHTTP(w, r)
	})
}
