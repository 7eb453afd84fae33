package multitenantengine

import (
	"fmt"
	"regexp"
)

const maxIdentifierLength = 100

var (
	// Tenant, instance and stage ids are UUIDs or numeric ids in practice.
	validIdentifier = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]*$`)

	// Case codes are human readable, so spaces and slashes are allowed
	// inside but not at either end.
	validCaseCode = regexp.MustCompile(`^[A-Za-z0-9](?:[A-Za-z0-9 _./#-]*[A-Za-z0-9])?$`)
)

// ValidateTenantID validates a tenant id taken from a request path.
func ValidateTenantID(id string) error {
	if err := validateIdentifier(id); err != nil {
		return fmt.Errorf("invalid tenant id %q: %w", id, err)
	}
	return nil
}

// ValidateResourceID validates an instance or stage id.
func ValidateResourceID(kind, id string) error {
	if err := validateIdentifier(id); err != nil {
		return fmt.Errorf("invalid %s id %q: %w", kind, id, err)
	}
	return nil
}

// ValidateCaseCode validates a case code.
func ValidateCaseCode(code string) error {
	if len(code) == 0 {
		return fmt.Errorf("case code cannot be empty")
	}
	if len(code) > maxIdentifierLength {
		return fmt.Errorf("case code length %d exceeds maximum of %d characters", len(code), maxIdentifierLength)
	}
	if !validCaseCode.MatchString(code) {
		return fmt.Errorf("invalid case code %q", code)
	}
	return nil
}

// validateIdentifier checks length (1-100) and character set.
func validateIdentifier(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("identifier cannot be empty")
	}
	if len(name) > maxIdentifierLength {
		return fmt.Errorf("identifier length %d exceeds maximum of %d characters", len(name), maxIdentifierLength)
	}
	if !validIdentifier.MatchString(name) {
		return fmt.Errorf("must match pattern %s", validIdentifier.String())
	}
	return nil
}
