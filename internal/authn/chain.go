package authn

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/TriadSpectraMotion/proxy/internal/authn/policy"
	"github.com/TriadSpectraMotion/proxy/internal/authn/validator"
	"github.com/TriadSpectraMotion/proxy/internal/observability"
)

type chainState int

const (
	chainNotStarted chainState = iota
	chainEvaluating
	chainDone
)

// chainCallback receives the outcome of a method chain. payload is nil on
// failure and may be nil on success.
type chainCallback func(payload validator.Payload, ok bool)

// methodChain evaluates an ordered list of methods, one at a time, and
// stops at the first success.
type methodChain struct {
	phase     string
	methods   []policy.Method
	validator validator.Validator
	opts      options
	cancelled *atomic.Bool

	mu     sync.Mutex
	state  chainState
	index  int
	onDone chainCallback

	deliverMu sync.Mutex
}

func newMethodChain(phase string, methods []policy.Method, v validator.Validator, opts options, cancelled *atomic.Bool) *methodChain {
	if cancelled == nil {
		cancelled = new(atomic.Bool)
	}
	return &methodChain{
		phase:     phase,
		methods:   methods,
		validator: v,
		opts:      opts,
		cancelled: cancelled,
	}
}

// run starts the evaluation. It returns false, without calling onDone, if
// the chain was already started.
func (c *methodChain) run(ctx context.Context, req *validator.Request, onDone chainCallback) bool {
	c.mu.Lock()
	if c.state != chainNotStarted {
		c.mu.Unlock()
		c.misuse(ctx, "method chain started twice")
		return false
	}
	c.onDone = onDone
	if len(c.methods) == 0 {
		c.state = chainDone
		c.mu.Unlock()
		c.deliver(nil, true)
		return true
	}
	c.state = chainEvaluating
	c.index = 0
	c.mu.Unlock()

	c.evaluate(ctx, req, 0)
	return true
}

func (c *methodChain) evaluate(ctx context.Context, req *validator.Request, i int) {
	method := c.methods[i]
	var fired atomic.Bool
	done := func(payload validator.Payload, err error) {
		if !fired.CompareAndSwap(false, true) {
			c.misuse(ctx, "method completed more than once",
				observability.Int("index", i),
				observability.String("kind", method.Kind().String()),
			)
			return
		}
		c.complete(ctx, req, i, method, payload, err)
	}

	if method.Kind() == policy.KindUnknown {
		done(nil, &validator.MethodError{Kind: policy.KindUnknown, Err: validator.ErrUnsupportedMethod})
		return
	}
	c.validator.Validate(ctx, method, req, done)
}

func (c *methodChain) complete(ctx context.Context, req *validator.Request, i int, method policy.Method, payload validator.Payload, err error) {
	if c.cancelled.Load() {
		return
	}

	c.mu.Lock()
	if c.state != chainEvaluating || c.index != i {
		c.mu.Unlock()
		c.misuse(ctx, "stale method completion", observability.Int("index", i))
		return
	}
	success := err == nil
	last := i+1 >= len(c.methods)
	switch {
	case success || last:
		c.state = chainDone
	default:
		c.index = i + 1
	}
	c.mu.Unlock()

	c.opts.metrics.RecordMethod(c.phase, method.Kind().String(), success)
	logger := c.opts.logger.WithContext(ctx)

	if success {
		logger.Debug("authentication method succeeded",
			observability.String("phase", c.phase),
			observability.Int("index", i),
			observability.String("kind", method.Kind().String()),
		)
		c.deliver(payload, true)
		return
	}

	logger.Debug("authentication method failed",
		observability.String("phase", c.phase),
		observability.Int("index", i),
		observability.String("kind", method.Kind().String()),
		observability.Error(err),
	)
	if last {
		c.deliver(nil, false)
		return
	}
	c.evaluate(ctx, req, i+1)
}

func (c *methodChain) deliver(payload validator.Payload, ok bool) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	if c.cancelled.Load() {
		return
	}
	c.onDone(payload, ok)
}

// cancel stops delivery. It returns once no callback is running.
func (c *methodChain) cancel() {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	c.cancelled.Store(true)
}

func (c *methodChain) misuse(ctx context.Context, msg string, fields ...observability.Field) {
	c.opts.metrics.RecordMisuse()
	fields = append(fields,
		observability.String("phase", c.phase),
		observability.Error(ErrPolicyMisuse),
	)
	c.opts.logger.WithContext(ctx).Warn(msg, fields...)
}
