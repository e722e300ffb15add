package keycache

import (
	"errors"
	"fmt"
)

// ErrEmptyKeyMaterial is returned when the key material contains no keys.
var ErrEmptyKeyMaterial = errors.New("key material contains no keys")

// KeyFetchError reports key material that could not be used for an issuer.
type KeyFetchError struct {
	Issuer string
	Err    error
}

// Error implements the error interface.
func (e *KeyFetchError) Error() string {
	return fmt.Sprintf("key material for issuer %q: %v", e.Issuer, e.Err)
}

// Unwrap returns the underlying error.
func (e *KeyFetchError) Unwrap() error {
	return e.Err
}
