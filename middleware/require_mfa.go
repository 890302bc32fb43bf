package middleware

import (
	"net/http"
)

// RequireMFA rejects principals whose account has no second factor enabled.
// It must run inside Guard.
func RequireMFA(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFromContext(r.Context())
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if !p.MFAEnabled {
			http.Error(w, "mfa required", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
