// Package token issues and verifies signed session tokens.
//
// Tokens carry identity plus a coarse capability list and an expiry. They are
// verified on every inbound path, not just the handshake, so verification is
// pure and side-effect-free (no I/O).
package token

import (
	"slices"
	"time"
)

// Capability scopes embedded in session tokens. These are coarse and global;
// room-level access is governed separately by roles.
const (
	CapabilityRead  = "read"
	CapabilityWrite = "write"
)

// Identity is the externally issued subject identity. The session core only
// consumes it and treats SubjectID as unique and stable.
type Identity struct {
	SubjectID   string
	DisplayName string
	Email       string
}

// Claims is the verified content of a session token.
type Claims struct {
	Identity
	Capabilities []string
	IssuedAt     time.Time
	ExpiresAt    time.Time
}

// HasCapability reports whether the token carries the given scope.
func (c Claims) HasCapability(scope string) bool {
	return slices.Contains(c.Capabilities, scope)
}

// Issuer mints session tokens for verified identities.
type Issuer interface {
	Issue(id Identity, capabilities []string, ttl time.Duration, now time.Time) (token string, expiresAt time.Time, err error)
}

// Verifier checks session tokens. Implementations must be cheap enough to run
// per inbound message.
type Verifier interface {
	Verify(token string, now time.Time) (Claims, error)
}

// Service is the full token service contract.
type Service interface {
	Issuer
	Verifier
}
