package main

import (
	"context"
	"errors"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/TriadSpectraMotion/proxy/internal/observability"
)

// run starts the application and blocks until ctx is cancelled or a server
// fails, then shuts everything down.
func run(ctx context.Context, app *application, configPath string) error {
	errCh := make(chan error, 1)
	if err := app.start(ctx, errCh); err != nil {
		_ = app.close(context.Background())
		return err
	}
	if configPath != "" {
		app.startConfigWatcher(ctx, configPath)
	}

	var runErr error
	select {
	case <-ctx.Done():
		app.logger.Info("received shutdown signal")
	case runErr = <-errCh:
		app.logger.Error("server failed, shutting down", observability.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		app.currentConfig().Server.ShutdownTimeout.Duration())
	defer cancel()

	return errors.Join(runErr, app.close(shutdownCtx))
}

// start loads the keys of every issuer, then begins serving.
func (a *application) start(ctx context.Context, errCh chan<- error) error {
	fetchCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	if err := a.fetcher.Start(fetchCtx); err != nil {
		return err
	}

	ls, err := a.listen()
	if err != nil {
		return err
	}
	a.bound = ls
	a.serve(ls, errCh)
	a.grpcHealth.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	a.logger.Info("authn-proxy started")
	return nil
}

// close stops every component. Servers drain first so in-flight requests
// still see fresh keys.
func (a *application) close(ctx context.Context) error {
	var errs []error

	if a.watcher != nil {
		if err := a.watcher.Stop(); err != nil {
			errs = append(errs, err)
		}
	}

	a.grpcHealth.Shutdown()
	if a.grpcServer != nil {
		stopped := make(chan struct{})
		go func() {
			a.grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			a.grpcServer.Stop()
		}
	}

	if a.httpServer != nil {
		if err := a.httpServer.Shutdown(ctx); err != nil {
			a.logger.Error("failed to stop proxy server gracefully", observability.Error(err))
			errs = append(errs, err)
		}
	}

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			a.logger.Error("failed to stop metrics server gracefully", observability.Error(err))
			errs = append(errs, err)
		}
	}

	if a.cancel != nil {
		a.cancel()
		a.fetcher.Wait()
	}

	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Error("failed to shutdown tracer", observability.Error(err))
			errs = append(errs, err)
		}
	}

	a.logger.Info("authn-proxy stopped")
	return errors.Join(errs...)
}
