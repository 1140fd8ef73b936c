package env

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidKey is returned when a key is empty or contains '='
	ErrInvalidKey = errors.New("invalid key")

	// ErrInvalidValue is returned when a value contains a NUL byte, which
	// the record format cannot carry
	ErrInvalidValue = errors.New("invalid value")

	// ErrKeyExists is returned when creating a key that is already present
	ErrKeyExists = errors.New("key already exists")

	// ErrKeyNotFound is returned when a key is absent from the environment
	ErrKeyNotFound = errors.New("key not found")

	// ErrFull is returned when a record does not fit, or when no migration
	// slot remains in the region during save
	ErrFull = errors.New("environment full")
)

// validateKey enforces the key grammar: non-empty, no '=' byte, no NUL.
func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: key must not be empty", ErrInvalidKey)
	}
	if strings.Contains(key, "=") {
		return fmt.Errorf("%w: key %q must not contain '='", ErrInvalidKey, key)
	}
	if strings.IndexByte(key, 0) >= 0 {
		return fmt.Errorf("%w: key %q must not contain NUL", ErrInvalidKey, key)
	}
	return nil
}

// validateValue enforces the value grammar: records are NUL-terminated, so
// values must not embed NUL bytes.
func validateValue(value string) error {
	if strings.IndexByte(value, 0) >= 0 {
		return fmt.Errorf("%w: value must not contain NUL", ErrInvalidValue)
	}
	return nil
}
