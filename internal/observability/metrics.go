package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultNamespace is the metrics namespace used when none is given.
const DefaultNamespace = "authn"

// Metrics holds Prometheus metrics for the authentication engine and its
// key fetcher. A nil *Metrics is valid and records nothing.
type Metrics struct {
	methodsTotal     *prometheus.CounterVec
	decisionsTotal   *prometheus.CounterVec
	decisionDuration *prometheus.HistogramVec
	misuseTotal      prometheus.Counter
	cacheLookups     *prometheus.CounterVec
	cacheStores      *prometheus.CounterVec
	keyFetches       *prometheus.CounterVec
	keyFetchDuration *prometheus.HistogramVec
}

// NewMetrics creates metrics registered with prometheus.DefaultRegisterer.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWithRegisterer(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsWithRegisterer creates metrics registered with registerer.
// Duplicate registration is ignored so tests can share a registry.
func NewMetricsWithRegisterer(namespace string, registerer prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{}

	m.methodsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "method_evaluations_total",
			Help:      "Total number of authentication method evaluations",
		},
		[]string{"phase", "kind", "result"},
	)

	m.decisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Total number of authentication decisions",
		},
		[]string{"result", "stage"},
	)

	m.decisionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "decision_duration_seconds",
			Help:      "Time from run to completion of an authentication decision",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"result"},
	)

	m.misuseTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_misuse_total",
			Help:      "Total number of ignored out-of-order authentication calls",
		},
	)

	m.cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keycache",
			Name:      "lookups_total",
			Help:      "Total number of key cache lookups",
		},
		[]string{"result"},
	)

	m.cacheStores = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keycache",
			Name:      "stores_total",
			Help:      "Total number of key cache stores",
		},
		[]string{"result"},
	)

	m.keyFetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keyfetch",
			Name:      "fetches_total",
			Help:      "Total number of key material fetches",
		},
		[]string{"issuer", "result"},
	)

	m.keyFetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "keyfetch",
			Name:      "fetch_duration_seconds",
			Help:      "Key material fetch duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"issuer"},
	)

	for _, c := range m.collectors() {
		_ = registerer.Register(c)
	}

	return m
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.methodsTotal,
		m.decisionsTotal,
		m.decisionDuration,
		m.misuseTotal,
		m.cacheLookups,
		m.cacheStores,
		m.keyFetches,
		m.keyFetchDuration,
	}
}

// MustRegister registers the metrics with the given registry.
func (m *Metrics) MustRegister(registry *prometheus.Registry) {
	registry.MustRegister(m.collectors()...)
}

// RecordMethod records the outcome of a single method evaluation.
func (m *Metrics) RecordMethod(phase, kind string, success bool) {
	if m == nil {
		return
	}
	m.methodsTotal.WithLabelValues(phase, kind, resultLabel(success)).Inc()
}

// RecordDecision records a final decision. stage names the phase that
// rejected the request and is empty on success.
func (m *Metrics) RecordDecision(success bool, stage string, duration time.Duration) {
	if m == nil {
		return
	}
	result := "complete"
	if !success {
		result = "rejected"
	}
	m.decisionsTotal.WithLabelValues(result, stage).Inc()
	m.decisionDuration.WithLabelValues(result).Observe(duration.Seconds())
}

// RecordMisuse records an ignored out-of-order call.
func (m *Metrics) RecordMisuse() {
	if m == nil {
		return
	}
	m.misuseTotal.Inc()
}

// RecordCacheLookup records a key cache lookup with result hit, miss or expired.
func (m *Metrics) RecordCacheLookup(result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// RecordCacheStore records a key cache store.
func (m *Metrics) RecordCacheStore(success bool) {
	if m == nil {
		return
	}
	m.cacheStores.WithLabelValues(resultLabel(success)).Inc()
}

// RecordKeyFetch records a key material fetch for issuer.
func (m *Metrics) RecordKeyFetch(issuer, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.keyFetches.WithLabelValues(issuer, result).Inc()
	m.keyFetchDuration.WithLabelValues(issuer).Observe(duration.Seconds())
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
