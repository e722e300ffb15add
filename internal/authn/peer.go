package authn

import (
	"context"
	"sync/atomic"

	"github.com/TriadSpectraMotion/proxy/internal/authn/policy"
	"github.com/TriadSpectraMotion/proxy/internal/authn/validator"
)

const phasePeer = "peer"

// PeerAuthenticator establishes the identity of the directly connected
// caller from the policy's peer methods. With no peer methods configured it
// succeeds immediately without an identity.
type PeerAuthenticator struct {
	chain *methodChain
}

// NewPeerAuthenticator creates a peer authenticator over methods.
func NewPeerAuthenticator(methods []policy.Method, v validator.Validator, opts ...Option) *PeerAuthenticator {
	return newPeerAuthenticator(methods, v, newOptions(opts), nil)
}

func newPeerAuthenticator(methods []policy.Method, v validator.Validator, opts options, cancelled *atomic.Bool) *PeerAuthenticator {
	return &PeerAuthenticator{
		chain: newMethodChain(phasePeer, methods, v, opts, cancelled),
	}
}

// Run evaluates the peer methods in order. done is called exactly once with
// the winning payload, or with ok=false when every method failed. Calling
// Run a second time is ignored.
func (a *PeerAuthenticator) Run(ctx context.Context, req *validator.Request, done func(payload validator.Payload, ok bool)) {
	a.chain.run(ctx, req, done)
}

// Cancel discards the evaluation. done is not called after Cancel returns.
func (a *PeerAuthenticator) Cancel() {
	a.chain.cancel()
}
