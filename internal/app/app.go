// Package app wires the loader's collaborators together and supervises
// its top-level goroutines: the pipeline driver, the heartbeat, and the
// health/metrics HTTP server.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"loader/internal/config"
	"loader/internal/loader"
	"loader/internal/telemetry"
	httpTransport "loader/internal/transport/http"
	"loader/internal/version"
	"loader/pkg/logging"
	"loader/pkg/ulid"
)

// App runs the loader: the pipeline driver, the telemetry heartbeat,
// and a small HTTP server exposing /healthz and /metrics.
type App struct {
	config       *config.Config
	logger       *slog.Logger
	container    *Container
	httpServer   *httpTransport.Server
	cancel       context.CancelFunc
	runErr       chan error
	shutdownOnce sync.Once
}

// New builds an App from config, wiring every collaborator via
// ProvideContainer.
func New(cfg *config.Config) (*App, error) {
	logger := logging.NewLoggerWithFormat(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format)

	container, err := ProvideContainer(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to wire loader: %w", err)
	}

	httpServer := httpTransport.NewServer(cfg.Monitoring.HTTPAddr, container.Health, logger)

	return &App{
		config:     cfg,
		logger:     logger,
		container:  container,
		httpServer: httpServer,
		runErr:     make(chan error, 1),
	}, nil
}

// Start launches the pipeline driver, the telemetry heartbeat, and the
// HTTP server concurrently, the driver and the server supervised by an
// errgroup (the same pattern the loader's teacher codebase uses for its
// own server loops), and returns without waiting for them. When the
// driver exits, the HTTP server is stopped as well, so Wait/RunErr report
// the driver's result; the caller is expected to call Shutdown afterward
// regardless of outcome.
func (a *App) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	var g errgroup.Group

	g.Go(func() error {
		err := a.container.Driver.Run(ctx)
		if shutdownErr := a.httpServer.Shutdown(context.Background()); shutdownErr != nil {
			a.logger.Error("failed to shutdown health server", "error", shutdownErr)
		}
		return err
	})

	g.Go(func() error {
		return a.httpServer.Start()
	})

	go telemetry.Run(ctx, telemetry.Config{
		Endpoint:        a.config.Telemetry.Endpoint,
		LoaderVersion:   version.Get(),
		AppGeneratorURI: a.config.Telemetry.AppGeneratorURI,
		Interval:        a.config.Telemetry.Interval,
	}, a.logger)

	go func() {
		a.runErr <- g.Wait()
	}()

	a.logger.Info("loader started")
	return nil
}

// Wait blocks until the pipeline driver has exited and the HTTP server has
// stopped, and returns the first error either of them returned. The HTTP
// server failing on its own does not stop the driver, so Wait then keeps
// blocking until the driver exits.
func (a *App) Wait() error {
	return <-a.runErr
}

// RunErr exposes the channel Wait reads from, so a caller can select on it
// alongside other events (e.g. an OS signal) instead of blocking on Wait
// alone. Whichever of RunErr/Wait receives first consumes the single
// buffered value; the other must not be called afterward.
func (a *App) RunErr() <-chan error {
	return a.runErr
}

// Shutdown stops the pipeline and releases held resources. Safe to call
// more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.shutdownOnce.Do(func() {
		a.logger.Info("shutting down loader")
		if a.cancel != nil {
			a.cancel()
		}
		if err := a.httpServer.Shutdown(ctx); err != nil {
			a.logger.Error("failed to shutdown health server", "error", err)
		}
		shutdownErr = a.container.Close()
	})
	return shutdownErr
}

// GetConfig returns the application configuration.
func (a *App) GetConfig() *config.Config {
	return a.config
}

// loaderProcessor identifies this loader as the BadRow processor of
// spec.md §3.
func loaderProcessor() loader.Processor {
	return loader.Processor{Name: "loader", Version: version.Get()}
}

// sequenceGenerator returns a monotonically-sortable id generator for
// dead-letter object keys, avoiding collisions between concurrent Send
// calls without any shared counter state.
func sequenceGenerator() func() string {
	return func() string {
		return ulid.New().String()
	}
}
