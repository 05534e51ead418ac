// Package auth implements the shared-secret authentication used by
// every endpoint. All clients present the same secret; the identity
// only selects which account a session operates on.
package auth

import (
	"crypto/subtle"
	"errors"
	"strings"

	"github.com/mailloft/mailloft/internal/metrics"
)

var (
	// ErrInvalidCredentials is returned when authentication fails
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Authenticator validates the shared secret. The configured secret may
// be the plain password or an argon2id encoded hash.
type Authenticator struct {
	user      string
	secret    string
	multiUser bool
}

// New creates an Authenticator for the configured account and secret.
func New(user, secret string, multiUser bool) *Authenticator {
	return &Authenticator{
		user:      strings.ToLower(strings.TrimSpace(user)),
		secret:    secret,
		multiUser: multiUser,
	}
}

// Verify checks the presented credentials and returns the account the
// session should be bound to. The identity is never a reason to reject
// in single-user mode; typos in the username still reach the one
// account that exists. In multi-user mode the identity selects the
// account directly.
func (a *Authenticator) Verify(protocol, identity, password string) (string, error) {
	if !a.verifySecret(password) {
		metrics.RecordAuth(false, protocol)
		return "", ErrInvalidCredentials
	}

	metrics.RecordAuth(true, protocol)

	account := strings.ToLower(strings.TrimSpace(identity))
	if !a.multiUser || account == "" {
		return a.user, nil
	}
	return account, nil
}

// verifySecret compares the password against the configured secret in
// constant time. Encoded secrets go through argon2id verification.
func (a *Authenticator) verifySecret(password string) bool {
	if a.secret == "" {
		return false
	}
	if strings.HasPrefix(a.secret, "$argon2id$") {
		return VerifyPassword(password, a.secret)
	}
	return subtle.ConstantTimeCompare([]byte(password), []byte(a.secret)) == 1
}
