// Package uuid generates and validates the event identifiers used as
// idempotency keys.
package uuid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Generator returns a fresh, globally unique identifier.
type Generator func() (string, error)

// NewRandom generates a new UUID v4, reporting random source failures.
func NewRandom() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate uuid: %w", err)
	}
	return id.String(), nil
}

// Parse parses s as a canonical, dashed UUID v4.
func Parse(s string) (uuid.UUID, error) {
	// uuid.Parse also accepts urn: and braced forms; ids travel on the wire
	// verbatim, so only the 36 character form is allowed.
	if len(s) != 36 || strings.Count(s, "-") != 4 {
		return uuid.Nil, fmt.Errorf("invalid UUID v4 format: %q", s)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid UUID: %w", err)
	}
	if id.Version() != 4 {
		return uuid.Nil, fmt.Errorf("expected UUID v4, got v%d", id.Version())
	}
	if id.Variant() != uuid.RFC4122 {
		return uuid.Nil, fmt.Errorf("unexpected UUID variant %s", id.Variant())
	}
	return id, nil
}

// IsValid checks if a string is a valid UUID v4.
func IsValid(s string) bool {
	_, err := Parse(s)
	return err == nil
}

// Validate returns an error if the string is not a valid UUID v4.
func Validate(s string) error {
	_, err := Parse(s)
	return err
}
