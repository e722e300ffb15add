// Package observability provides logging, metrics, and tracing for the
// authentication proxy.
//
// Logging is structured via zap behind the Logger interface; every
// component defaults to NopLogger and accepts a logger through an option.
//
//	logger, err := observability.NewLogger(observability.LogConfig{Level: "debug"})
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
// Metrics are Prometheus collectors covering method evaluations, final
// decisions, key cache lookups and key material fetches. A nil *Metrics
// records nothing, which keeps metrics optional in every component.
//
// Tracing uses OpenTelemetry with an optional OTLP gRPC exporter.
package observability
