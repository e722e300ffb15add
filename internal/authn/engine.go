package authn

import (
	"sync/atomic"

	"github.com/TriadSpectraMotion/proxy/internal/authn/policy"
	"github.com/TriadSpectraMotion/proxy/internal/authn/validator"
	"github.com/TriadSpectraMotion/proxy/internal/observability"
)

// Engine holds the process-wide collaborators of authentication and mints
// one Coordinator per request.
type Engine struct {
	policy    atomic.Pointer[policy.Policy]
	validator validator.Validator
	opts      options
}

// NewEngine creates an engine applying pol with the given validators.
func NewEngine(pol *policy.Policy, v validator.Validator, opts ...Option) *Engine {
	e := &Engine{
		validator: v,
		opts:      newOptions(opts),
	}
	e.SetPolicy(pol)
	return e
}

// SetPolicy replaces the policy. Requests already running keep the policy
// they started with.
func (e *Engine) SetPolicy(pol *policy.Policy) {
	if pol == nil {
		pol = &policy.Policy{}
	}
	e.policy.Store(pol)
	e.opts.logger.Info("authentication policy applied",
		observability.Int("peer_methods", len(pol.Peers)),
		observability.Int("credential_rules", len(pol.CredentialRules)),
	)
}

// Policy returns the current policy.
func (e *Engine) Policy() *policy.Policy {
	return e.policy.Load()
}

// NewCoordinator returns a coordinator for one request under the current
// policy.
func (e *Engine) NewCoordinator() *Coordinator {
	return newCoordinator(e.policy.Load(), e.validator, e.opts)
}

// Logger returns the engine logger.
func (e *Engine) Logger() observability.Logger {
	return e.opts.logger
}
