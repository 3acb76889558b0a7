package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// RegisterCustomValidators registers the proxy's validation rules.
// Must be called before validating a Config.
func RegisterCustomValidators(v *validator.Validate) error {
	if err := v.RegisterValidation("duration", validateDuration); err != nil {
		return fmt.Errorf("failed to register duration validator: %w", err)
	}
	if err := v.RegisterValidation("secrethash", validateSecretHash); err != nil {
		return fmt.Errorf("failed to register secrethash validator: %w", err)
	}
	return nil
}

// validateDuration accepts Go duration syntax ("30s", "1h30m").
func validateDuration(fl validator.FieldLevel) bool {
	_, err := time.ParseDuration(fl.Field().String())
	return err == nil
}

// validateSecretHash accepts the two stored hash forms: "sha256:<hex>"
// with a 64-character digest, or a PHC-format "$argon2id$..." string.
func validateSecretHash(fl validator.FieldLevel) bool {
	h := fl.Field().String()
	if rest, ok := strings.CutPrefix(h, "sha256:"); ok {
		if len(rest) != 64 {
			return false
		}
		_, err := hex.DecodeString(rest)
		return err == nil
	}
	return strings.HasPrefix(h, "$argon2id$")
}

// Validate checks the Config using struct tags plus cross-field rules.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := RegisterCustomValidators(v); err != nil {
		return err
	}

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validateIdentityReferences(); err != nil {
		return err
	}
	if err := c.validateUniqueUsernames(); err != nil {
		return err
	}

	return nil
}

// validateIdentityReferences ensures every credential's identity_id
// references a configured identity.
func (c *Config) validateIdentityReferences() error {
	known := make(map[string]struct{}, len(c.Auth.Identities))
	for _, identity := range c.Auth.Identities {
		known[identity.ID] = struct{}{}
	}

	for i, cred := range c.Auth.Credentials {
		if _, exists := known[cred.IdentityID]; !exists {
			return fmt.Errorf("credentials[%d]: references unknown identity_id: %s", i, cred.IdentityID)
		}
	}
	return nil
}

// validateUniqueUsernames rejects duplicate credential usernames; the
// store keys on username, so a duplicate would silently shadow.
func (c *Config) validateUniqueUsernames() error {
	seen := make(map[string]int, len(c.Auth.Credentials))
	for i, cred := range c.Auth.Credentials {
		if first, dup := seen[cred.Username]; dup {
			return fmt.Errorf("credentials[%d]: duplicate username %q (first defined at credentials[%d])",
				i, cred.Username, first)
		}
		seen[cred.Username] = i
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to
// actionable messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	tag := e.Tag()

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "duration":
		return fmt.Sprintf("%s must be a duration like \"30s\" or \"1m\"", field)
	case "secrethash":
		return fmt.Sprintf("%s must be \"sha256:<hex>\" or \"$argon2id$...\" (generate with hash-key)", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, tag)
	}
}
