package main

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/TriadSpectraMotion/proxy/internal/config"
	"github.com/TriadSpectraMotion/proxy/internal/observability"
)

// initServers builds the proxy, gRPC and metrics servers.
func (a *application) initServers(cfg *config.Config) error {
	tlsConfig, err := buildTLSConfig(cfg.Server.TLS)
	if err != nil {
		return err
	}

	upstream, err := newUpstreamHandler(cfg.Server.Upstream, a.logger)
	if err != nil {
		return err
	}

	a.httpServer = &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           a.filter.Middleware()(upstream),
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout.Duration(),
	}

	if cfg.Server.GRPCListen != "" {
		opts := []grpc.ServerOption{
			grpc.ChainUnaryInterceptor(a.filter.UnaryServerInterceptor()),
			grpc.ChainStreamInterceptor(a.filter.StreamServerInterceptor()),
		}
		if tlsConfig != nil {
			opts = append(opts, grpc.Creds(credentials.NewTLS(tlsConfig)))
		}
		a.grpcServer = grpc.NewServer(opts...)
		healthpb.RegisterHealthServer(a.grpcServer, a.grpcHealth)
	}

	if cfg.Metrics.Enabled {
		a.metricsServer = a.newMetricsServer(cfg.Metrics)
	}
	return nil
}

// buildTLSConfig returns nil when TLS is not configured. Client
// certificates are always requested; they are verified only against a
// configured client CA.
func buildTLSConfig(cfg *config.TLSConfig) (*tls.Config, error) {
	if cfg == nil {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading server certificate: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if cfg.ClientCAFile == "" {
		tlsConfig.ClientAuth = tls.RequestClientCert
		if cfg.RequireClientCert {
			tlsConfig.ClientAuth = tls.RequireAnyClientCert
		}
		return tlsConfig, nil
	}

	pem, err := os.ReadFile(cfg.ClientCAFile)
	if err != nil {
		return nil, fmt.Errorf("reading client CA: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("client CA %s: no certificates found", cfg.ClientCAFile)
	}
	tlsConfig.ClientCAs = pool
	tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
	if cfg.RequireClientCert {
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return tlsConfig, nil
}

// newUpstreamHandler forwards authenticated requests to upstream.
func newUpstreamHandler(upstream string, logger observability.Logger) (http.Handler, error) {
	target, err := url.Parse(upstream)
	if err != nil {
		return nil, fmt.Errorf("parsing upstream: %w", err)
	}

	return &httputil.ReverseProxy{
		Rewrite: func(r *httputil.ProxyRequest) {
			r.SetURL(target)
			r.SetXForwarded()
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.WithContext(r.Context()).Error("upstream request failed",
				observability.String("upstream", target.Host),
				observability.Error(err),
			)
			w.WriteHeader(http.StatusBadGateway)
		},
	}, nil
}

// newMetricsServer serves Prometheus metrics and the health probes.
func (a *application) newMetricsServer(cfg config.MetricsConfig) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}))
	a.healthChecker.Register(mux)

	return &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

// listeners holds the bound sockets of a started application.
type listeners struct {
	http    net.Listener
	grpc    net.Listener
	metrics net.Listener
}

// listen binds every configured server so address errors surface before
// anything is served.
func (a *application) listen() (*listeners, error) {
	var (
		ls  listeners
		err error
	)
	closeAll := func() {
		for _, l := range []net.Listener{ls.http, ls.grpc, ls.metrics} {
			if l != nil {
				_ = l.Close()
			}
		}
	}

	if ls.http, err = net.Listen("tcp", a.httpServer.Addr); err != nil {
		return nil, fmt.Errorf("proxy listener: %w", err)
	}
	if a.grpcServer != nil {
		if ls.grpc, err = net.Listen("tcp", a.currentConfig().Server.GRPCListen); err != nil {
			closeAll()
			return nil, fmt.Errorf("grpc listener: %w", err)
		}
	}
	if a.metricsServer != nil {
		if ls.metrics, err = net.Listen("tcp", a.metricsServer.Addr); err != nil {
			closeAll()
			return nil, fmt.Errorf("metrics listener: %w", err)
		}
	}
	return &ls, nil
}

// serve runs every server on its listener and reports the first failure.
func (a *application) serve(ls *listeners, errCh chan<- error) {
	report := func(name string, err error) {
		if err == nil || errors.Is(err, http.ErrServerClosed) || errors.Is(err, grpc.ErrServerStopped) {
			return
		}
		select {
		case errCh <- fmt.Errorf("%s server: %w", name, err):
		default:
		}
	}

	go func() {
		a.logger.Info("starting proxy server",
			observability.String("address", ls.http.Addr().String()),
			observability.Bool("tls", a.httpServer.TLSConfig != nil),
		)
		if a.httpServer.TLSConfig != nil {
			report("proxy", a.httpServer.ServeTLS(ls.http, "", ""))
			return
		}
		report("proxy", a.httpServer.Serve(ls.http))
	}()

	if ls.grpc != nil {
		go func() {
			a.logger.Info("starting grpc server", observability.String("address", ls.grpc.Addr().String()))
			report("grpc", a.grpcServer.Serve(ls.grpc))
		}()
	}

	if ls.metrics != nil {
		go func() {
			a.logger.Info("starting metrics server",
				observability.String("address", ls.metrics.Addr().String()),
				observability.String("metrics_path", a.currentConfig().Metrics.Path),
			)
			report("metrics", a.metricsServer.Serve(ls.metrics))
		}()
	}
}
