package authn

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/TriadSpectraMotion/proxy/internal/observability"
)

const tracerName = "github.com/TriadSpectraMotion/proxy/internal/authn"

type options struct {
	logger  observability.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
}

func newOptions(opts []Option) options {
	o := options{
		logger: observability.NopLogger(),
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Option configures an Engine, a Coordinator or an authenticator.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(o *options) {
		o.metrics = metrics
	}
}

// WithTracer sets the tracer used for decision spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}
