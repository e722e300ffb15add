package authn

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/TriadSpectraMotion/proxy/internal/authn/policy"
	"github.com/TriadSpectraMotion/proxy/internal/authn/validator"
	"github.com/TriadSpectraMotion/proxy/internal/observability"
)

// Rejection messages. They never say which method failed.
const (
	PeerRejectedMessage   = "Peer authentication failed."
	OriginRejectedMessage = "Origin authentication failed."
)

// Coordinator authenticates a single request: peer phase first, then the
// origin phase. It is not reusable.
type Coordinator struct {
	policy    *policy.Policy
	validator validator.Validator
	opts      options

	cancelled atomic.Bool
	fired     atomic.Bool
	spanOnce  sync.Once

	// deliverMu is held while the decision is delivered; Cancel waits on it.
	deliverMu sync.Mutex

	mu      sync.Mutex
	state   State
	result  Result
	rule    *policy.CredentialRule
	stage   string
	onDone  func(bool)
	started time.Time
	span    trace.Span
	peer    *PeerAuthenticator
	origin  *OriginAuthenticator
}

// NewCoordinator creates a coordinator applying pol. A nil policy
// authenticates every request without identity.
func NewCoordinator(pol *policy.Policy, v validator.Validator, opts ...Option) *Coordinator {
	return newCoordinator(pol, v, newOptions(opts))
}

func newCoordinator(pol *policy.Policy, v validator.Validator, opts options) *Coordinator {
	if pol == nil {
		pol = &policy.Policy{}
	}
	return &Coordinator{
		policy:    pol,
		validator: v,
		opts:      opts,
	}
}

// Run starts authentication. onDone is called exactly once with the
// outcome, synchronously when every validator completes synchronously.
// The Result is complete when onDone runs. A second Run is logged and
// ignored.
func (c *Coordinator) Run(ctx context.Context, req *validator.Request, onDone func(ok bool)) {
	c.start(ctx, req, onDone)
}

func (c *Coordinator) start(ctx context.Context, req *validator.Request, onDone func(ok bool)) bool {
	c.mu.Lock()
	if c.state != StateInit {
		state := c.state
		c.mu.Unlock()
		c.misuse(ctx, "run called on a started coordinator", observability.String("state", state.String()))
		return false
	}
	if c.cancelled.Load() {
		c.mu.Unlock()
		return false
	}
	if req == nil {
		req = &validator.Request{}
	}
	ctx, span := c.opts.tracer.Start(ctx, "authn.Authenticate",
		trace.WithAttributes(
			attribute.Int("authn.peer_methods", len(c.policy.Peers)),
			attribute.Int("authn.credential_rules", len(c.policy.CredentialRules)),
		),
	)
	c.state = StateProcessing
	c.onDone = onDone
	c.started = time.Now()
	c.span = span
	c.peer = newPeerAuthenticator(c.policy.Peers, c.validator, c.opts, &c.cancelled)
	peer := c.peer
	c.mu.Unlock()

	peer.Run(ctx, req, func(payload validator.Payload, ok bool) {
		c.onPeerDone(ctx, req, payload, ok)
	})
	return true
}

func (c *Coordinator) onPeerDone(ctx context.Context, req *validator.Request, payload validator.Payload, ok bool) {
	c.mu.Lock()
	if c.state != StateProcessing || c.origin != nil {
		state := c.state
		c.mu.Unlock()
		c.misuse(ctx, "peer completion after peer phase", observability.String("state", state.String()))
		return
	}
	if !ok {
		c.state = StateRejected
		c.stage = phasePeer
		c.mu.Unlock()
		c.finish(ctx, false)
		return
	}
	if payload != nil {
		c.result.PeerUser = payload.UserID()
	}
	c.rule = c.policy.FindCredentialRule(c.result.PeerUser)
	c.origin = newOriginAuthenticator(c.rule, c.validator, c.opts, &c.cancelled)
	origin := c.origin
	span := c.span
	peerUser := c.result.PeerUser
	c.mu.Unlock()

	span.SetAttributes(attribute.String("authn.peer_user", peerUser))
	origin.Run(ctx, req, func(o *Origin, ok bool) {
		c.onOriginDone(ctx, o, ok)
	})
}

func (c *Coordinator) onOriginDone(ctx context.Context, origin *Origin, ok bool) {
	c.mu.Lock()
	if c.state != StateProcessing {
		state := c.state
		c.mu.Unlock()
		c.misuse(ctx, "origin completion after decision", observability.String("state", state.String()))
		return
	}
	if !ok {
		c.state = StateRejected
		c.stage = phaseOrigin
		c.mu.Unlock()
		c.finish(ctx, false)
		return
	}
	c.result.Origin = origin
	c.result.Principal = principal(c.rule, c.result)
	c.state = StateComplete
	c.mu.Unlock()
	c.finish(ctx, true)
}

// principal derives the principal from the rule binding. Without a
// selected rule the peer binding applies.
func principal(rule *policy.CredentialRule, r Result) string {
	if rule != nil && rule.Binding == policy.BindingUseOrigin {
		if r.Origin != nil {
			return r.Origin.User
		}
		return ""
	}
	return r.PeerUser
}

func (c *Coordinator) finish(ctx context.Context, ok bool) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	if c.cancelled.Load() {
		return
	}
	if !c.fired.CompareAndSwap(false, true) {
		c.misuse(ctx, "decision delivered more than once")
		return
	}

	c.mu.Lock()
	onDone := c.onDone
	stage := c.stage
	elapsed := time.Since(c.started)
	result := c.result
	c.mu.Unlock()

	c.opts.metrics.RecordDecision(ok, stage, elapsed)
	c.endSpan(func(span trace.Span) {
		span.SetAttributes(attribute.Bool("authn.success", ok))
		if result.Principal != "" {
			span.SetAttributes(attribute.String("authn.principal", result.Principal))
		}
		if ok {
			span.SetStatus(codes.Ok, "")
		} else {
			span.SetAttributes(attribute.String("authn.rejected_stage", stage))
			span.SetStatus(codes.Error, RejectMessage(stage))
		}
	})

	logger := c.opts.logger.WithContext(ctx)
	if ok {
		logger.Debug("request authenticated",
			observability.String("peer_user", result.PeerUser),
			observability.String("principal", result.Principal),
			observability.Duration("duration", elapsed),
		)
	} else {
		logger.Info("request rejected",
			observability.String("stage", stage),
			observability.String("peer_user", result.PeerUser),
			observability.Duration("duration", elapsed),
		)
	}

	if onDone != nil {
		onDone(ok)
	}
}

// Cancel discards an in-flight authentication. A Run callback already
// running is waited for; none starts after Cancel returns. Cancelling a
// finished coordinator has no effect on its state or result. Cancel must
// not be called from the Run callback.
func (c *Coordinator) Cancel() {
	if c.cancelled.Swap(true) {
		return
	}
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	processing := c.state == StateProcessing
	c.mu.Unlock()
	if processing {
		c.endSpan(func(span trace.Span) {
			span.SetStatus(codes.Error, "cancelled")
		})
	}
}

// Cancelled reports whether Cancel was called.
func (c *Coordinator) Cancelled() bool {
	return c.cancelled.Load()
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Result returns a copy of the identity established so far.
func (c *Coordinator) Result() Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result.clone()
}

// RejectionMessage returns the client facing message of a rejected
// coordinator, or "" if it was not rejected.
func (c *Coordinator) RejectionMessage() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRejected {
		return ""
	}
	return RejectMessage(c.stage)
}

// Authenticate runs the coordinator and blocks until it decides or ctx is
// done. On ctx cancellation the coordinator is cancelled and the request is
// reported as not authenticated.
func (c *Coordinator) Authenticate(ctx context.Context, req *validator.Request) (Result, bool) {
	decided := make(chan bool, 1)
	if !c.start(ctx, req, func(ok bool) { decided <- ok }) {
		return c.Result(), false
	}

	select {
	case ok := <-decided:
		return c.Result(), ok
	default:
	}

	select {
	case ok := <-decided:
		return c.Result(), ok
	case <-ctx.Done():
		c.Cancel()
		return c.Result(), false
	}
}

// RejectMessage returns the client facing message for a rejection in stage.
func RejectMessage(stage string) string {
	if stage == phaseOrigin {
		return OriginRejectedMessage
	}
	return PeerRejectedMessage
}

func (c *Coordinator) endSpan(annotate func(trace.Span)) {
	c.spanOnce.Do(func() {
		c.mu.Lock()
		span := c.span
		c.mu.Unlock()
		if span == nil {
			return
		}
		annotate(span)
		span.End()
	})
}

func (c *Coordinator) misuse(ctx context.Context, msg string, fields ...observability.Field) {
	c.opts.metrics.RecordMisuse()
	fields = append(fields, observability.Error(ErrPolicyMisuse))
	c.opts.logger.WithContext(ctx).Warn(msg, fields...)
}
