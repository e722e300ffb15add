package main

import (
	"context"
	"reflect"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/TriadSpectraMotion/proxy/internal/config"
	"github.com/TriadSpectraMotion/proxy/internal/keyfetch"
	"github.com/TriadSpectraMotion/proxy/internal/observability"
)

// reloadMetrics records configuration reloads.
type reloadMetrics struct {
	reloadsTotal   *prometheus.CounterVec
	reloadDuration prometheus.Histogram
	lastSuccess    prometheus.Gauge
}

func newReloadMetrics(namespace string, registerer prometheus.Registerer) *reloadMetrics {
	if namespace == "" {
		namespace = observability.DefaultNamespace
	}
	rm := &reloadMetrics{
		reloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "config_reloads_total",
				Help:      "Total number of configuration reloads",
			},
			[]string{"result"},
		),
		reloadDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "config_reload_duration_seconds",
				Help:      "Duration of configuration reloads, key refresh included",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 15},
			},
		),
		lastSuccess: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "config_reload_last_success_timestamp_seconds",
				Help:      "Unix time of the last successful configuration reload",
			},
		),
	}
	for _, c := range []prometheus.Collector{rm.reloadsTotal, rm.reloadDuration, rm.lastSuccess} {
		_ = registerer.Register(c)
	}
	return rm
}

func (rm *reloadMetrics) record(success bool, duration time.Duration) {
	result := "success"
	if !success {
		result = "error"
	}
	rm.reloadsTotal.WithLabelValues(result).Inc()
	if success {
		rm.reloadDuration.Observe(duration.Seconds())
		rm.lastSuccess.SetToCurrentTime()
	}
}

// applyConfig installs the policy and log level of a reloaded configuration
// and refreshes the keys of its issuers. Other settings take effect on
// restart.
func (a *application) applyConfig(cfg *config.Config) {
	start := time.Now()

	pol, err := cfg.BuildPolicy()
	if err != nil {
		a.logger.Error("reloaded policy rejected", observability.Error(err))
		a.reloadMetrics.record(false, time.Since(start))
		return
	}

	a.mu.Lock()
	previous := a.config
	a.config = cfg
	a.mu.Unlock()

	if setter, ok := a.logger.(observability.LevelSetter); ok && previous.Logging.Level != cfg.Logging.Level {
		if err := setter.SetLevel(cfg.Logging.Level); err != nil {
			a.logger.Warn("log level not changed", observability.Error(err))
		}
	}
	if restartRequired(previous, cfg) {
		a.logger.Warn("settings other than policy and log level changed; restart to apply them")
	}

	a.engine.SetPolicy(pol)
	a.fetcher.SetIssuers(keyfetch.IssuersFromPolicy(pol))

	ctx, cancel := context.WithTimeout(context.Background(), cfg.KeyFetch.Timeout.Duration())
	defer cancel()
	if err := a.fetcher.RefreshAll(ctx); err != nil {
		a.logger.Warn("key refresh after reload incomplete", observability.Error(err))
	}

	a.reloadMetrics.record(true, time.Since(start))
	a.logger.Info("policy reloaded",
		observability.Int("peer_methods", len(pol.Peers)),
		observability.Int("credential_rules", len(pol.CredentialRules)),
		observability.Duration("duration", time.Since(start)),
	)
}

// restartRequired reports whether settings that are only read at startup
// differ.
func restartRequired(previous, next *config.Config) bool {
	if previous == nil {
		return false
	}
	return !reflect.DeepEqual(previous.Server, next.Server) ||
		previous.Logging.Format != next.Logging.Format ||
		previous.Logging.Output != next.Logging.Output ||
		!reflect.DeepEqual(previous.Metrics, next.Metrics) ||
		!reflect.DeepEqual(previous.Tracing, next.Tracing) ||
		!reflect.DeepEqual(previous.KeyFetch, next.KeyFetch)
}

// startConfigWatcher watches the configuration file for policy changes.
// A watcher that cannot start is logged and the proxy keeps running.
func (a *application) startConfigWatcher(ctx context.Context, path string) {
	watcher, err := config.NewWatcher(path, a.applyConfig,
		config.WithLogger(a.logger),
		config.WithErrorCallback(func(error) {
			a.reloadMetrics.record(false, 0)
		}),
	)
	if err != nil {
		a.logger.Error("failed to create config watcher", observability.Error(err))
		return
	}
	if err := watcher.Start(ctx); err != nil {
		a.logger.Error("failed to start config watcher", observability.Error(err))
		_ = watcher.Stop()
		return
	}
	a.watcher = watcher
}
