package auth

import (
	"context"
	"errors"
)

// Sentinel errors for credential store operations.
var (
	// ErrCredentialNotFound is returned when no credential exists for a
	// username.
	ErrCredentialNotFound = errors.New("credential not found")
	// ErrIdentityNotFound is returned when an identity does not exist.
	ErrIdentityNotFound = errors.New("identity not found")
)

// CredentialStore provides credential lookup for proxy authentication.
// The interface is defined in the domain to avoid circular imports;
// implementations live in the adapter layer (in-memory, seeded from
// config).
type CredentialStore interface {
	// GetCredential retrieves a credential by username.
	// Returns ErrCredentialNotFound if the username is unknown.
	GetCredential(ctx context.Context, username string) (*Credential, error)

	// GetIdentity retrieves an identity by ID.
	// Returns ErrIdentityNotFound if the identity doesn't exist.
	GetIdentity(ctx context.Context, id string) (*Identity, error)
}
