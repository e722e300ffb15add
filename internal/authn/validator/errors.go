package validator

import (
	"errors"
	"fmt"

	"github.com/TriadSpectraMotion/proxy/internal/authn/policy"
)

// Method failures. They drive fallback to the next method and are never
// surfaced to the client.
var (
	ErrUnsupportedMethod     = errors.New("unsupported authentication method")
	ErrNoCertificate         = errors.New("no peer certificate")
	ErrUnverifiedCertificate = errors.New("peer certificate not verified")
	ErrNoMatchingSAN         = errors.New("no matching identity in peer certificate")
	ErrNoToken               = errors.New("no token for issuer")
	ErrKeyNotFound           = errors.New("no key material for issuer")
	ErrMalformedToken        = errors.New("malformed token")
	ErrBadSignature          = errors.New("token signature verification failed")
	ErrIssuerMismatch        = errors.New("token issuer mismatch")
	ErrExpired               = errors.New("token expired")
	ErrNotYetValid           = errors.New("token not yet valid")
	ErrInvalidClaims         = errors.New("invalid token claims")
	ErrAudienceRejected      = errors.New("token audience rejected")
)

// MethodError is the failure of a single verification method.
type MethodError struct {
	Kind   policy.Kind
	Issuer string
	Err    error
}

// Error implements the error interface.
func (e *MethodError) Error() string {
	if e.Issuer != "" {
		return fmt.Sprintf("%s method (issuer %s): %v", e.Kind, e.Issuer, e.Err)
	}
	return fmt.Sprintf("%s method: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *MethodError) Unwrap() error {
	return e.Err
}

func mtlsError(err error) error {
	return &MethodError{Kind: policy.KindMTLS, Err: err}
}

func jwtError(issuer string, err error) error {
	return &MethodError{Kind: policy.KindJWT, Issuer: issuer, Err: err}
}
