package auth

import (
	"net/http"
	"strings"
)

// TokenFromRequest extracts the bearer credential from the Authorization
// header or, for WebSocket handshakes where browsers cannot set headers,
// the "token" query parameter.
func TokenFromRequest(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return parts[1]
		}
	}
	return r.URL.Query().Get("token")
}
