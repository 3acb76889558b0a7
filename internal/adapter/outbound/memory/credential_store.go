package memory

import (
	"context"
	"sync"

	"github.com/KirovAir/Titanium-Web-Proxy/internal/domain/auth"
)

// CredentialStore implements auth.CredentialStore with in-memory maps,
// seeded from configuration at startup.
type CredentialStore struct {
	credentials map[string]*auth.Credential // username -> Credential
	identities  map[string]*auth.Identity   // ID -> Identity
	mu          sync.RWMutex
}

// NewCredentialStore creates a new in-memory credential store.
func NewCredentialStore() *CredentialStore {
	return &CredentialStore{
		credentials: make(map[string]*auth.Credential),
		identities:  make(map[string]*auth.Identity),
	}
}

// GetCredential retrieves a credential by username.
// Returns auth.ErrCredentialNotFound if the username is unknown.
func (s *CredentialStore) GetCredential(_ context.Context, username string) (*auth.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cred, ok := s.credentials[username]
	if !ok {
		return nil, auth.ErrCredentialNotFound
	}

	// Return a copy to prevent mutation
	credCopy := *cred
	return &credCopy, nil
}

// GetIdentity retrieves an identity by ID.
// Returns auth.ErrIdentityNotFound if the identity doesn't exist.
func (s *CredentialStore) GetIdentity(_ context.Context, id string) (*auth.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	identity, ok := s.identities[id]
	if !ok {
		return nil, auth.ErrIdentityNotFound
	}

	// Return a copy to prevent mutation
	identityCopy := *identity
	identityCopy.Roles = make([]auth.Role, len(identity.Roles))
	copy(identityCopy.Roles, identity.Roles)
	return &identityCopy, nil
}

// AddCredential adds a credential (for seeding).
func (s *CredentialStore) AddCredential(cred *auth.Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to prevent external mutation
	credCopy := *cred
	s.credentials[cred.Username] = &credCopy
}

// AddIdentity adds an identity (for seeding).
func (s *CredentialStore) AddIdentity(identity *auth.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to prevent external mutation
	identityCopy := *identity
	identityCopy.Roles = make([]auth.Role, len(identity.Roles))
	copy(identityCopy.Roles, identity.Roles)
	s.identities[identity.ID] = &identityCopy
}

var _ auth.CredentialStore = (*CredentialStore)(nil)
