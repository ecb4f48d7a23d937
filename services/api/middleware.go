package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// requireAgentToken guards registration with a shared bearer token.
// Without a configured token the check is a pass-through.
func (a *API) requireAgentToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.config.AgentToken == "" {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(a.config.AgentToken)) != 1 {
			respondError(w, http.StatusUnauthorized, errors.New("valid agent token required"))
			return
		}

		next.ServeHTTP(w, r)
	})
}
