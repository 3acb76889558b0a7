// Package auth contains the domain types and logic for proxy
// authentication.
package auth

import (
	"time"
)

// Role labels what an identity is allowed to do. Roles come from the
// config's identities block and ride the authenticated identity through
// the exchange context, where rules and the capture pipeline can see
// them.
type Role string

const (
	// RoleAdmin has full access, including the ops API.
	RoleAdmin Role = "admin"
	// RoleUser may tunnel traffic through the proxy.
	RoleUser Role = "user"
	// RoleReadOnly may view captured flows but not administer.
	RoleReadOnly Role = "read-only"
)

// IsValid reports whether r is one of the defined roles. Config
// validation calls this so a typoed role fails at load, not at use.
func (r Role) IsValid() bool {
	switch r {
	case RoleAdmin, RoleUser, RoleReadOnly:
		return true
	default:
		return false
	}
}

// Identity is a proxy user as configured, independent of which
// credential authenticated it.
type Identity struct {
	// ID uniquely names the identity across the config.
	ID string
	// Name is the human-readable label shown in logs.
	Name string
	// Roles granted to this identity.
	Roles []Role
}

// HasRole reports whether the identity carries role.
func (i *Identity) HasRole(role Role) bool {
	for _, r := range i.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasAnyRole reports whether the identity carries at least one of the
// given roles. No roles given means no.
func (i *Identity) HasAnyRole(roles ...Role) bool {
	for _, role := range roles {
		if i.HasRole(role) {
			return true
		}
	}
	return false
}

// Credential is a proxy login: a username and the hash of its secret.
type Credential struct {
	// Username is what the client presents in Proxy-Authorization.
	Username string
	// SecretHash is the hashed secret (SHA-256 hex or Argon2id PHC format).
	SecretHash string
	// IdentityID maps this credential to an Identity.
	IdentityID string
	// CreatedAt is when the credential was created (UTC).
	CreatedAt time.Time
	// ExpiresAt is when the credential expires (nil = never expires).
	ExpiresAt *time.Time
	// Revoked indicates if the credential has been revoked.
	Revoked bool
}

// IsExpired returns true if the credential has expired.
// A credential with nil ExpiresAt never expires.
func (c *Credential) IsExpired() bool {
	if c.ExpiresAt == nil {
		return false
	}
	return time.Now().UTC().After(*c.ExpiresAt)
}
