// Package auth verifies connection credentials and note access. Credential
// issuance lives outside this service; the collaboration server only checks
// tokens it is handed.
package auth

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidToken is returned for a missing, malformed, or unknown credential.
var ErrInvalidToken = errors.New("invalid token")

// Identity is the authenticated principal behind a connection.
type Identity struct {
	UserID      string
	DisplayName string
}

// Verifier validates a credential and yields the identity it belongs to.
type Verifier interface {
	Verify(credential string) (Identity, error)
}

// Authorizer decides whether a user may collaborate on a note.
type Authorizer interface {
	CanAccess(userID, noteID string) bool
}

// StaticVerifier resolves tokens from a fixed in-memory table.
type StaticVerifier struct {
	tokens map[string]Identity
}

// ParseStaticTokens builds a StaticVerifier from a comma-separated list of
// "token=userId:displayName" entries, the AUTH_TOKENS env format.
func ParseStaticTokens(spec string) (*StaticVerifier, error) {
	v := &StaticVerifier{tokens: make(map[string]Identity)}
	if strings.TrimSpace(spec) == "" {
		return v, nil
	}
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		token, ident, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("malformed token entry %q", entry)
		}
		userID, name, ok := strings.Cut(ident, ":")
		if !ok || userID == "" {
			return nil, fmt.Errorf("malformed identity in entry %q", entry)
		}
		v.tokens[token] = Identity{UserID: userID, DisplayName: name}
	}
	return v, nil
}

func (v *StaticVerifier) Add(token string, ident Identity) {
	v.tokens[token] = ident
}

func (v *StaticVerifier) Verify(credential string) (Identity, error) {
	if credential == "" {
		return Identity{}, ErrInvalidToken
	}
	ident, ok := v.tokens[credential]
	if !ok {
		return Identity{}, ErrInvalidToken
	}
	return ident, nil
}

// AllowAll grants every authenticated user access to every note. Deployments
// with per-note ACLs plug in their own Authorizer.
type AllowAll struct{}

func (AllowAll) CanAccess(userID, noteID string) bool { return true }
