// ABOUTME: HTTP middleware for JWT authentication on the operator API
// ABOUTME: Extracts JWT from Authorization header and adds principal to context

package auth

import (
	"net/http"
)

// HTTPMiddleware rejects requests without a valid operator token.
func HTTPMiddleware(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				http.Error(w, `{"error":"`+errMsg+`"}`, http.StatusUnauthorized)
				return
			}

			p, err := verifier.Verify(token)
			if err != nil {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			if !p.IsOperator() {
				http.Error(w, `{"error":"operator token required"}`, http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}
