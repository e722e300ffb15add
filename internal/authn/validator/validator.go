// Package validator implements the per-kind verification methods used by
// the peer and origin authenticators.
//
// A Validator reports its outcome through a Done callback which may run
// synchronously, before Validate returns, or later from another goroutine.
// Validators only read the request and shared caches; they never mutate
// shared state.
package validator

import (
	"context"

	"github.com/TriadSpectraMotion/proxy/internal/authn/policy"
)

// Payload is the identity produced by a successful validation. A nil
// Payload means no identity (Absent).
type Payload interface {
	// UserID returns the authenticated user.
	UserID() string
	isPayload()
}

// X509Payload is the identity taken from a peer certificate.
type X509Payload struct {
	User string
}

// UserID implements Payload.
func (p *X509Payload) UserID() string { return p.User }

func (*X509Payload) isPayload() {}

// JWTPayload is the identity taken from a verified JWT.
type JWTPayload struct {
	// User is "iss/sub".
	User string

	// Presenter is the "azp" claim, if any.
	Presenter string

	Audiences []string
	Claims    map[string]any

	// RawClaims is the JSON encoded claim set as it appeared in the token.
	RawClaims string
}

// UserID implements Payload.
func (p *JWTPayload) UserID() string { return p.User }

func (*JWTPayload) isPayload() {}

// Done receives the outcome of a validation. It must be called exactly
// once; exactly one of payload and err is non-nil.
type Done func(payload Payload, err error)

// Validator verifies one method against a request.
type Validator interface {
	Validate(ctx context.Context, method policy.Method, req *Request, done Done)
}

// Set dispatches a method to the validator of its kind.
type Set struct {
	X509 Validator
	JWT  Validator
}

// Validate implements Validator. Methods of unknown kind, or of a kind with
// no configured validator, fail with ErrUnsupportedMethod.
func (s Set) Validate(ctx context.Context, method policy.Method, req *Request, done Done) {
	kind := method.Kind()
	var v Validator
	switch kind {
	case policy.KindMTLS:
		v = s.X509
	case policy.KindJWT:
		v = s.JWT
	}
	if v == nil {
		done(nil, &MethodError{Kind: kind, Err: ErrUnsupportedMethod})
		return
	}
	v.Validate(ctx, method, req, done)
}
