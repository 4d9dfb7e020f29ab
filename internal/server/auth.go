package server

import (
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"bootmaker/internal/protocol"
)

// HashToken hashes a bearer token for the auth_token_hash setting.
func HashToken(token string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	return string(bytes), err
}

// checkToken checks if token matches hash
func checkToken(token, hash string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(token))
}

// bearerToken extracts the token from an "Authorization: Bearer <token>" header.
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// requireToken rejects requests whose bearer token does not match hash. An empty hash
// admits everything.
func requireToken(hash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if hash == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok || checkToken(token, hash) != nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="bootmakerd"`)
				writeJSONError(w, http.StatusUnauthorized, errUnauthorized, protocol.CategoryRequest)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
