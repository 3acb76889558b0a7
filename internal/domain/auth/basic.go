package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/alexedwards/argon2id"
)

// ErrInvalidCredentials is returned when a login is unknown, mismatched,
// expired, or revoked.
var ErrInvalidCredentials = errors.New("invalid proxy credentials")

// ErrUnknownHashType is returned when a stored hash matches none of
// the formats VerifySecret understands.
var ErrUnknownHashType = errors.New("unknown hash type")

// ErrMalformedAuthorization is returned for Proxy-Authorization values
// that cannot be parsed as Basic credentials.
var ErrMalformedAuthorization = errors.New("malformed proxy authorization")

// Authenticator validates proxy logins and returns identities.
type Authenticator struct {
	store CredentialStore
}

// NewAuthenticator builds an Authenticator over the credential store.
func NewAuthenticator(store CredentialStore) *Authenticator {
	return &Authenticator{store: store}
}

// Authenticate checks a username/secret pair and returns the associated
// identity. Returns ErrInvalidCredentials if the username is unknown, the
// secret does not match, or the credential is expired or revoked.
//
// Stored hashes may be SHA-256 (hex, optionally "sha256:"-prefixed) or
// Argon2id (PHC format).
func (a *Authenticator) Authenticate(ctx context.Context, username, secret string) (*Identity, error) {
	cred, err := a.store.GetCredential(ctx, username)
	if err != nil {
		return nil, ErrInvalidCredentials
	}

	match, err := VerifySecret(secret, cred.SecretHash)
	if err != nil || !match {
		return nil, ErrInvalidCredentials
	}

	if cred.Revoked || cred.IsExpired() {
		return nil, ErrInvalidCredentials
	}

	identity, err := a.store.GetIdentity(ctx, cred.IdentityID)
	if err != nil {
		return nil, err
	}
	return identity, nil
}

// ParseBasicAuthorization extracts the username and secret from a
// Proxy-Authorization header value using the Basic scheme.
func ParseBasicAuthorization(value string) (username, secret string, err error) {
	const prefix = "Basic "
	if len(value) < len(prefix) || !strings.EqualFold(value[:len(prefix)], prefix) {
		return "", "", ErrMalformedAuthorization
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(value[len(prefix):]))
	if err != nil {
		return "", "", ErrMalformedAuthorization
	}

	username, secret, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return "", "", ErrMalformedAuthorization
	}
	return username, secret, nil
}

// HashSecret returns the SHA-256 hex hash of the raw secret. Kept for
// YAML-seeded credentials; use HashSecretArgon2id for new ones.
func HashSecret(rawSecret string) string {
	hash := sha256.Sum256([]byte(rawSecret))
	return hex.EncodeToString(hash[:])
}

// Argon2id parameters at the OWASP floor (46 MiB memory, one
// iteration, one lane).
var argon2idParams = &argon2id.Params{
	Memory:      47 * 1024,
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// HashSecretArgon2id hashes the raw secret with Argon2id and a random
// salt, producing a PHC string like
// $argon2id$v=19$m=47104,t=1,p=1$<salt>$<hash>.
func HashSecretArgon2id(rawSecret string) (string, error) {
	return argon2id.CreateHash(rawSecret, argon2idParams)
}

// DetectHashType names the scheme a stored hash uses: "argon2id" for
// PHC strings, "sha256" for prefixed or bare hex, "unknown" otherwise.
func DetectHashType(storedHash string) string {
	if strings.HasPrefix(storedHash, "$argon2id$") {
		return "argon2id"
	}
	if strings.HasPrefix(storedHash, "sha256:") {
		return "sha256"
	}
	// A bare 64-char hex string is a SHA-256 digest from an older config.
	if len(storedHash) == 64 && isHexString(storedHash) {
		return "sha256"
	}
	return "unknown"
}

func isHexString(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

// VerifySecret checks a raw secret against a stored hash in whichever
// scheme DetectHashType names. A mismatch is (false, nil); only an
// unusable hash produces an error.
func VerifySecret(rawSecret, storedHash string) (bool, error) {
	switch DetectHashType(storedHash) {
	case "argon2id":
		match, err := safeArgon2idCompare(rawSecret, storedHash)
		if err != nil {
			return false, err
		}
		return match, nil

	case "sha256":
		want := strings.TrimPrefix(storedHash, "sha256:")
		got := HashSecret(rawSecret)
		return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1, nil

	default:
		return false, ErrUnknownHashType
	}
}

// safeArgon2idCompare wraps argon2id.ComparePasswordAndHash with panic
// recovery. The underlying argon2 library panics on malformed Argon2id
// hashes with invalid parameters (e.g., t=0 rounds, p=0 parallelism); this
// converts those panics to errors so VerifySecret never panics.
func safeArgon2idCompare(rawSecret, storedHash string) (match bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			match = false
			err = fmt.Errorf("invalid argon2id hash parameters: %v", r)
		}
	}()
	return argon2id.ComparePasswordAndHash(rawSecret, storedHash)
}
