// Package auth guards mutating control-plane routes with a single
// operator token. The deployment stores only the bcrypt hash of the
// token; when no hash is configured verification is disabled, which
// suits a localhost-only personal instance.
package auth

import (
	"errors"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrMissingToken = errors.New("missing operator token")
	ErrInvalidToken = errors.New("invalid operator token")
)

// Verifier checks presented operator tokens against a bcrypt hash.
// The zero value has no hash and accepts everything.
type Verifier struct {
	hash []byte
}

// NewVerifier builds a verifier from a bcrypt hash string. An empty
// hash disables verification.
func NewVerifier(hash string) *Verifier {
	if hash == "" {
		return &Verifier{}
	}
	return &Verifier{hash: []byte(hash)}
}

// Enabled reports whether a token hash is configured.
func (v *Verifier) Enabled() bool {
	return len(v.hash) > 0
}

// Verify checks a presented token. It always succeeds when
// verification is disabled.
func (v *Verifier) Verify(token string) error {
	if !v.Enabled() {
		return nil
	}

	if token == "" {
		return ErrMissingToken
	}

	if err := bcrypt.CompareHashAndPassword(v.hash, []byte(token)); err != nil {
		return ErrInvalidToken
	}

	return nil
}

// Require wraps a handler with operator-token verification.
func (v *Verifier) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := v.Verify(ExtractBearerToken(r)); err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="gateway"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// HashToken produces the bcrypt hash to store in configuration for a
// chosen operator token.
func HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// ExtractBearerToken pulls the token out of an Authorization header.
func ExtractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}
