// Package auth implements the per-call credential model used by the sync
// protocol: a username plus a secret derived from the password, sent as
// headers on every request. There are no session tokens.
package auth

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/pagemark-labs/pagemark/internal/protocol"
)

var (
	// ErrMissingCredentials indicates that no credentials were supplied.
	ErrMissingCredentials = errors.New("auth: missing credentials")
	// ErrInvalidUsername indicates an empty username or one containing ':'.
	ErrInvalidUsername = errors.New("auth: invalid username")
)

// Credentials carries the username and derived secret sent on each call.
type Credentials struct {
	Username string
	Secret   string
}

// DeriveSecret hashes a plaintext password into the secret transmitted on
// the wire and stored by the server. MD5 hex keeps compatibility with
// existing sync clients; the secret is an opaque shared token, not a
// password-storage scheme.
func DeriveSecret(password string) string {
	digest := md5.Sum([]byte(password))
	return hex.EncodeToString(digest[:])
}

// NewCredentials validates the username and derives the wire secret from
// the plaintext password.
func NewCredentials(username, password string) (Credentials, error) {
	trimmed := strings.TrimSpace(username)
	if trimmed == "" {
		return Credentials{}, fmt.Errorf("%w: empty", ErrInvalidUsername)
	}
	if strings.Contains(trimmed, ":") {
		return Credentials{}, fmt.Errorf("%w: must not contain ':'", ErrInvalidUsername)
	}
	if password == "" {
		return Credentials{}, fmt.Errorf("%w: empty password", ErrMissingCredentials)
	}
	return Credentials{Username: trimmed, Secret: DeriveSecret(password)}, nil
}

// IsZero reports whether no credentials are configured.
func (c Credentials) IsZero() bool {
	return c.Username == "" || c.Secret == ""
}

// Apply stamps the credential headers onto an outgoing request.
func (c Credentials) Apply(header http.Header) {
	header.Set(protocol.HeaderAuthUser, c.Username)
	header.Set(protocol.HeaderAuthKey, c.Secret)
}

// FromHeaders extracts credentials from an incoming request. The username
// must be present and free of ':', the secret non-empty.
func FromHeaders(header http.Header) (Credentials, error) {
	username := header.Get(protocol.HeaderAuthUser)
	secret := header.Get(protocol.HeaderAuthKey)
	if username == "" || secret == "" {
		return Credentials{}, ErrMissingCredentials
	}
	if strings.Contains(username, ":") {
		return Credentials{}, ErrInvalidUsername
	}
	return Credentials{Username: username, Secret: secret}, nil
}
