package gateway

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"
)

// compareTokens hashes both inputs before ConstantTimeCompare so the
// comparison leaks neither content nor length.
func compareTokens(a, b string) bool {
	ha := sha256.Sum256([]byte(a))
	hb := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ha[:], hb[:]) == 1
}

// checkSecret reports whether got matches the configured secret. An empty
// expected secret accepts everything.
func checkSecret(expected, got string) error {
	if expected == "" {
		return nil
	}
	if got == "" || !compareTokens(got, expected) {
		return ErrChannelAuthFailed
	}
	return nil
}

// authMiddleware requires "Authorization: Bearer <token>" when a token is
// configured.
func (g *Gateway) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.cfg.AuthToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		if auth == "" {
			writeError(w, "missing Authorization header", http.StatusUnauthorized)
			return
		}
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok {
			writeError(w, "invalid Authorization format", http.StatusUnauthorized)
			return
		}
		if !compareTokens(token, g.cfg.AuthToken) {
			writeError(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
