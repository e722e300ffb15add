package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"

	"github.com/TriadSpectraMotion/proxy/internal/authn"
	"github.com/TriadSpectraMotion/proxy/internal/authn/keycache"
	"github.com/TriadSpectraMotion/proxy/internal/authn/validator"
	"github.com/TriadSpectraMotion/proxy/internal/config"
	"github.com/TriadSpectraMotion/proxy/internal/filter"
	"github.com/TriadSpectraMotion/proxy/internal/health"
	"github.com/TriadSpectraMotion/proxy/internal/keyfetch"
	"github.com/TriadSpectraMotion/proxy/internal/observability"
)

// application holds all application components.
type application struct {
	logger        observability.Logger
	registry      *prometheus.Registry
	metrics       *observability.Metrics
	reloadMetrics *reloadMetrics
	tracer        *observability.Tracer
	cache         *keycache.Cache
	redis         redis.UniversalClient
	fetcher       *keyfetch.Fetcher
	engine        *authn.Engine
	filter        *filter.Filter
	healthChecker *health.Checker
	grpcHealth    *grpchealth.Server

	httpServer    *http.Server
	grpcServer    *grpc.Server
	metricsServer *http.Server
	watcher       *config.Watcher
	bound         *listeners

	mu     sync.RWMutex
	config *config.Config

	// cancel stops the background key refresh started by start.
	cancel context.CancelFunc
}

// newApplication builds every component from cfg. Nothing listens or
// fetches until start is called.
func newApplication(ctx context.Context, cfg *config.Config, logger observability.Logger) (*application, error) {
	pol, err := cfg.BuildPolicy()
	if err != nil {
		return nil, fmt.Errorf("building policy: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetricsWithRegisterer(cfg.Metrics.Namespace, registry)

	tracerCfg := cfg.Tracing.TracerConfig()
	tracerCfg.ServiceVersion = version
	tracer, err := observability.NewTracer(ctx, tracerCfg)
	if err != nil {
		return nil, fmt.Errorf("creating tracer: %w", err)
	}

	app := &application{
		logger:        logger,
		registry:      registry,
		metrics:       metrics,
		reloadMetrics: newReloadMetrics(cfg.Metrics.Namespace, registry),
		tracer:        tracer,
		healthChecker: health.NewChecker(version),
		grpcHealth:    grpchealth.NewServer(),
		config:        cfg,
	}

	app.cache = keycache.New(
		keycache.WithLogger(logger),
		keycache.WithMetrics(metrics),
	)

	app.fetcher = keyfetch.NewFetcher(app.newKeySource(cfg.KeyFetch), app.cache,
		keyfetch.WithConfig(cfg.KeyFetch.FetcherConfig()),
		keyfetch.WithLogger(logger),
		keyfetch.WithMetrics(metrics),
	)
	app.fetcher.SetIssuers(keyfetch.IssuersFromPolicy(pol))

	validators := validator.Set{
		X509: validator.NewX509Validator(validator.WithX509Logger(logger)),
		JWT: validator.NewJWTValidator(app.cache,
			validator.WithJWTLogger(logger),
			validator.WithMissNotifier(app.fetcher),
		),
	}

	app.engine = authn.NewEngine(pol, validators,
		authn.WithLogger(logger),
		authn.WithMetrics(metrics),
		authn.WithTracer(tracer.Trace()),
	)
	app.filter = filter.New(app.engine,
		filter.WithLogger(logger),
		filter.WithTokenHeaders(cfg.Server.TokenHeaders...),
	)

	app.healthChecker.RegisterCheck("keys", true, health.IssuerKeysCheck(app.fetcher, app.cache))
	if app.redis != nil {
		app.healthChecker.RegisterCheck("redis", false, health.RedisCheck(app.redis))
	}

	if err := app.initServers(cfg); err != nil {
		_ = app.close(context.Background())
		return nil, err
	}

	logger.Info("application initialized",
		observability.Int("peer_methods", len(pol.Peers)),
		observability.Int("credential_rules", len(pol.CredentialRules)),
		observability.Int("jwt_issuers", len(app.fetcher.Issuers())),
		observability.Bool("redis", app.redis != nil),
	)
	return app, nil
}

// newKeySource builds the HTTP JWKS source, wrapped by the Redis cache when
// enabled.
func (a *application) newKeySource(cfg config.KeyFetchConfig) keyfetch.Source {
	var source keyfetch.Source = keyfetch.NewHTTPSource(
		keyfetch.WithRetry(cfg.HTTPRetry()),
		keyfetch.WithMaxResponseBytes(cfg.MaxResponseBytes),
		keyfetch.WithHTTPLogger(a.logger),
	)
	if cfg.Redis == nil || !cfg.Redis.Enabled {
		return source
	}

	a.redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	opts := []keyfetch.RedisOption{keyfetch.WithRedisLogger(a.logger)}
	if cfg.Redis.KeyPrefix != "" {
		opts = append(opts, keyfetch.WithKeyPrefix(cfg.Redis.KeyPrefix))
	}
	return keyfetch.NewRedisSource(a.redis, source, opts...)
}

// currentConfig returns the configuration in effect.
func (a *application) currentConfig() *config.Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.config
}
