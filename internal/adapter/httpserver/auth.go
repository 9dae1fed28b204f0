package httpserver

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// BearerAuth guards a route subtree with the configured token set.
// Comparison is constant-time per token. An empty token set denies
// everything except when relaxed (MINIMAL_MODE deployments).
func BearerAuth(tokens []string, relaxed bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if relaxed && len(tokens) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			presented := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if presented == "" || presented == r.Header.Get("Authorization") {
				writeJSON(w, http.StatusUnauthorized, errorEnvelope{Error: apiError{Code: "UNAUTHORIZED", Message: "bearer token required"}})
				return
			}
			for _, tok := range tokens {
				if subtle.ConstantTimeCompare([]byte(presented), []byte(tok)) == 1 {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeJSON(w, http.StatusUnauthorized, errorEnvelope{Error: apiError{Code: "UNAUTHORIZED", Message: "invalid bearer token"}})
		})
	}
}
