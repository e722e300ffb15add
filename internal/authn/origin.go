package authn

import (
	"context"
	"slices"
	"sync/atomic"

	"github.com/TriadSpectraMotion/proxy/internal/authn/policy"
	"github.com/TriadSpectraMotion/proxy/internal/authn/validator"
)

const phaseOrigin = "origin"

// OriginAuthenticator establishes the end-user identity from the origin
// methods of a selected credential rule.
//
// A nil rule means no origin authentication is required and succeeds
// without an identity. A rule with no origin methods succeeds only when it
// binds the principal to the peer.
type OriginAuthenticator struct {
	rule  *policy.CredentialRule
	chain *methodChain
}

// NewOriginAuthenticator creates an origin authenticator for rule.
func NewOriginAuthenticator(rule *policy.CredentialRule, v validator.Validator, opts ...Option) *OriginAuthenticator {
	return newOriginAuthenticator(rule, v, newOptions(opts), nil)
}

func newOriginAuthenticator(rule *policy.CredentialRule, v validator.Validator, opts options, cancelled *atomic.Bool) *OriginAuthenticator {
	var methods []policy.Method
	if rule != nil {
		methods = rule.Origins
	}
	return &OriginAuthenticator{
		rule:  rule,
		chain: newMethodChain(phaseOrigin, methods, v, opts, cancelled),
	}
}

// Run evaluates the rule's origin methods in order. done is called exactly
// once; origin is nil when no origin identity was established.
func (a *OriginAuthenticator) Run(ctx context.Context, req *validator.Request, done func(origin *Origin, ok bool)) {
	if a.rule != nil && len(a.rule.Origins) == 0 && a.rule.Binding == policy.BindingUseOrigin {
		a.chain.run(ctx, req, func(validator.Payload, bool) {
			done(nil, false)
		})
		return
	}
	a.chain.run(ctx, req, func(payload validator.Payload, ok bool) {
		if !ok {
			done(nil, false)
			return
		}
		done(originFromPayload(payload), true)
	})
}

// Cancel discards the evaluation. done is not called after Cancel returns.
func (a *OriginAuthenticator) Cancel() {
	a.chain.cancel()
}

func originFromPayload(payload validator.Payload) *Origin {
	switch p := payload.(type) {
	case nil:
		return nil
	case *validator.JWTPayload:
		return &Origin{
			User:      p.User,
			Presenter: p.Presenter,
			Audiences: slices.Clone(p.Audiences),
			Claims:    p.Claims,
			RawClaims: p.RawClaims,
		}
	default:
		return &Origin{User: p.UserID()}
	}
}
