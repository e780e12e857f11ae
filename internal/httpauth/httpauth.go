// Package httpauth guards HTTP routes with a static bearer token.
package httpauth

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// QueryParam is the query parameter accepted in place of the Authorization
// header. Browsers cannot set headers on websocket upgrades.
const QueryParam = "access_token"

// Bearer returns middleware that rejects requests not carrying token, either
// as "Authorization: Bearer <token>" or in the [QueryParam] query parameter.
// An empty token disables the check.
func Bearer(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		want := []byte(token)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if subtle.ConstantTimeCompare([]byte(Token(r)), want) != 1 {
				w.Header().Set("WWW-Authenticate", `Bearer realm="murmur"`)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "Unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Token extracts the presented credential from r, or "" when there is none.
func Token(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, tok, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(tok)
		}
		return ""
	}
	return r.URL.Query().Get(QueryParam)
}
