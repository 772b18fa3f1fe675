// Package runtime wires configuration, telemetry, the speech pipeline and
// its optional bus and event store into a running service.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-s2s/internal/bus"
	"github.com/loqalabs/loqa-s2s/internal/capability"
	"github.com/loqalabs/loqa-s2s/internal/config"
	"github.com/loqalabs/loqa-s2s/internal/conversation"
	"github.com/loqalabs/loqa-s2s/internal/eventstore"
	"github.com/loqalabs/loqa-s2s/internal/httpapi"
	"github.com/loqalabs/loqa-s2s/internal/natsserver"
	"github.com/loqalabs/loqa-s2s/internal/pipeline"
	"github.com/loqalabs/loqa-s2s/internal/router"
)

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	telemetryClose func(context.Context) error
	metrics        http.Handler

	embedded *natsserver.EmbeddedServer
	bus      *bus.Client
	router   *router.Service
	registry *capability.Registry
	events   *eventstore.Store

	sessions     *conversation.Store
	orchestrator *pipeline.Orchestrator
	handler      http.Handler

	httpServer *http.Server
	ready      atomic.Bool
	wg         sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start wires every component, serves HTTP and blocks until ctx is done.
func (r *Runtime) Start(ctx context.Context) error {
	if err := r.setup(ctx); err != nil {
		return errors.Join(err, r.shutdown(context.Background()))
	}

	addr := net.JoinHostPort(r.cfg.HTTP.Bind, fmt.Sprint(r.cfg.HTTP.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Join(fmt.Errorf("listen on %s: %w", addr, err), r.shutdown(context.Background()))
	}
	r.httpServer = &http.Server{
		Handler:           r.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", ln.Addr().String()))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	var errs []error
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	r.wg.Wait()
	if err := r.shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (r *Runtime) setup(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetryClose = shutdownTelemetry
	r.metrics = metricsHandler

	orch, sessions, err := NewPipeline(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}
	r.orchestrator = orch
	r.sessions = sessions

	if err := registerSessionGauge(sessions); err != nil {
		r.logger.Warn("failed to register session gauge", slog.String("error", err.Error()))
	}

	events, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	r.events = events
	if events.Enabled() {
		orch.AddObserver(events)
	}

	if err := r.setupBus(ctx); err != nil {
		return err
	}

	r.handler = httpapi.NewRouter(orch, httpapi.Options{
		Name:            r.cfg.RuntimeName,
		UploadsDir:      r.cfg.HTTP.UploadsDir,
		MaxUploadBytes:  int64(r.cfg.HTTP.MaxUploadMB) << 20,
		StaticDir:       r.cfg.HTTP.StaticDir,
		RateLimitPerMin: r.cfg.HTTP.RateLimitPerMin,
		Metrics:         r.metrics,
		Ready:           r.Ready,
	}, r.logger)
	return nil
}

func (r *Runtime) setupBus(ctx context.Context) error {
	if !r.cfg.Bus.Enabled {
		return nil
	}
	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded bus: %w", err)
	}
	r.embedded = embedded
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}

	client, err := bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	r.bus = client

	r.router = router.NewService(ctx, client, r.orchestrator, time.Duration(r.cfg.Pipeline.ConverseTimeoutMS)*time.Millisecond, r.logger)
	if err := r.router.Start(); err != nil {
		return fmt.Errorf("failed to start chat router: %w", err)
	}
	r.orchestrator.AddObserver(router.NewStagePublisher(client, r.logger))

	registry, err := capability.NewRegistry(ctx, r.cfg.Node, capability.FromConfig(r.cfg), r.sessions.Len, client, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start capability registry: %w", err)
	}
	r.registry = registry
	return nil
}

// Ready reports whether the runtime accepts turns. With the bus enabled
// the connection and chat subscription must be live too.
func (r *Runtime) Ready() bool {
	if !r.ready.Load() {
		return false
	}
	if r.cfg.Bus.Enabled {
		return r.bus.Healthy() && r.router != nil && r.router.Healthy()
	}
	return true
}

// shutdown releases components in reverse start order.
func (r *Runtime) shutdown(ctx context.Context) error {
	var errs []error
	if r.registry != nil {
		r.registry.Close()
	}
	if r.router != nil {
		r.router.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.embedded != nil {
		r.embedded.Shutdown()
	}
	if r.events != nil {
		if err := r.events.Close(); err != nil {
			errs = append(errs, fmt.Errorf("event store close: %w", err))
		}
	}
	if r.telemetryClose != nil {
		if err := r.telemetryClose(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}
