package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/c360studio/semstreams/natsclient"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/c360studio/propd/config"
	"github.com/c360studio/propd/directory"
	"github.com/c360studio/propd/metrics"
	"github.com/c360studio/propd/processor/dispatcher"
	"github.com/c360studio/propd/processor/engine"
	"github.com/c360studio/propd/statusapi"
	"github.com/c360studio/propd/storage"
	"github.com/c360studio/propd/transport"
)

const shutdownTimeout = 30 * time.Second

// daemon is the lifecycle shared by the dispatcher and engine components.
type daemon interface {
	Start(ctx context.Context) error
	Wait() error
	Stop(timeout time.Duration) error
}

// App wires the infrastructure the daemons run on.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	// NATS
	embeddedServer *server.Server
	natsClient     *natsclient.Client
	js             jetstream.JetStream

	// Storage
	repo storage.TaskRepository

	registry *prometheus.Registry
}

// NewApp creates a new application instance.
func NewApp(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:      cfg,
		logger:   logger,
		registry: metrics.NewRegistry(),
	}
}

// Start connects to NATS, starting the embedded server when configured.
func (a *App) Start(ctx context.Context) error {
	if err := a.startNATS(ctx); err != nil {
		return fmt.Errorf("start NATS: %w", err)
	}
	return nil
}

func (a *App) startNATS(ctx context.Context) error {
	url := a.cfg.NATS.URL
	if a.cfg.NATS.Embedded {
		ns, err := transport.StartEmbedded(a.cfg.NATS.StoreDir)
		if err != nil {
			return err
		}
		a.embeddedServer = ns
		url = ns.ClientURL()
		a.logger.Info("Started embedded NATS server", "url", url, "store_dir", a.cfg.NATS.StoreDir)
	}

	a.logger.Info("Connecting to NATS", "url", url)
	client, err := natsclient.NewClient(url,
		natsclient.WithName(a.cfg.NATS.Name),
		natsclient.WithMaxReconnects(-1),
		natsclient.WithReconnectWait(time.Second),
		natsclient.WithHealthInterval(30*time.Second),
	)
	if err != nil {
		return fmt.Errorf("create NATS client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		return wrapNATSError(err, url)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		return wrapNATSError(err, url)
	}
	a.natsClient = client

	js, err := client.JetStream()
	if err != nil {
		return fmt.Errorf("create JetStream context: %w", err)
	}
	a.js = js
	a.logger.Info("Connected to NATS", "url", url)
	return nil
}

// wrapNATSError provides helpful guidance when NATS connection fails.
func wrapNATSError(err error, url string) error {
	errStr := err.Error()
	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no servers available") ||
		strings.Contains(errStr, "timeout") {
		return fmt.Errorf(`NATS connection failed: %w

NATS is not running at %s.

Set nats.url or PROPD_NATS_URL to a reachable server,
or set nats.embedded to run an in-process server.`, err, url)
	}
	return fmt.Errorf("NATS connection failed: %w", err)
}

func (a *App) openRepository(ctx context.Context) error {
	repo, err := storage.Open(ctx, a.cfg.Storage.Options(), a.js)
	if err != nil {
		return fmt.Errorf("open task repository: %w", err)
	}
	a.repo = repo
	a.logger.Info("Task repository ready", "backend", a.cfg.Storage.Backend)
	return nil
}

// newDispatcher builds the dispatcher and, when configured, its status API.
func (a *App) newDispatcher(ctx context.Context) (*dispatcher.Component, *statusapi.Server, error) {
	if a.repo == nil {
		if err := a.openRepository(ctx); err != nil {
			return nil, nil, err
		}
	}
	dir, err := directory.LoadFile(a.cfg.Dispatcher.DirectoryPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load directory: %w", err)
	}

	comp, err := dispatcher.New(a.cfg.Dispatcher, dispatcher.Deps{
		JS:        a.js,
		Repo:      a.repo,
		Directory: dir,
		Metrics:   metrics.NewDispatcher(a.registry),
		Logger:    a.logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create dispatcher: %w", err)
	}

	var srv *statusapi.Server
	if addr := a.cfg.Dispatcher.StatusAddr; addr != "" {
		router := statusapi.NewRouter(statusapi.Options{
			Health: func() (any, bool) {
				h := comp.Health()
				return h, h.Healthy
			},
			Gatherer: a.registry,
			Tasks:    comp.Pool(),
		})
		srv = statusapi.NewServer(addr, router, a.logger.With("component", "dispatcher-status"))
	}
	return comp, srv, nil
}

// newEngine builds the engine and, when configured, its status API.
func (a *App) newEngine() (*engine.Component, *statusapi.Server, error) {
	comp, err := engine.New(a.cfg.Engine, engine.Deps{
		JS:      a.js,
		Metrics: metrics.NewEngine(a.registry),
		Logger:  a.logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create engine: %w", err)
	}

	var srv *statusapi.Server
	if addr := a.cfg.Engine.StatusAddr; addr != "" {
		router := statusapi.NewRouter(statusapi.Options{
			Health: func() (any, bool) {
				h := comp.Health()
				return h, h.Healthy
			},
			Gatherer: a.registry,
		})
		srv = statusapi.NewServer(addr, router, a.logger.With("component", "engine-status"))
	}
	return comp, srv, nil
}

// Serve starts the daemons in order and runs them with their status servers
// until ctx ends or one of them fails. Daemons stop in reverse order.
func (a *App) Serve(ctx context.Context, daemons []daemon, servers []*statusapi.Server) error {
	var started []daemon
	stopAll := func() error {
		var errs error
		for i := len(started) - 1; i >= 0; i-- {
			errs = multierr.Append(errs, started[i].Stop(shutdownTimeout))
		}
		return errs
	}

	for _, d := range daemons {
		if err := d.Start(ctx); err != nil {
			return multierr.Append(err, stopAll())
		}
		started = append(started, d)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, d := range started {
		g.Go(func() error {
			if err := d.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	for _, s := range servers {
		if s == nil {
			continue
		}
		g.Go(func() error { return s.Run(gctx) })
	}

	<-gctx.Done()
	if ctx.Err() != nil {
		a.logger.Info("Received shutdown signal")
	}
	stopErr := stopAll()
	return multierr.Append(g.Wait(), stopErr)
}

// Shutdown releases the repository and the NATS connection.
func (a *App) Shutdown() error {
	var errs error
	if a.repo != nil {
		errs = multierr.Append(errs, a.repo.Close())
	}
	if a.natsClient != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		errs = multierr.Append(errs, a.natsClient.Close(ctx))
	}
	if a.embeddedServer != nil {
		a.embeddedServer.Shutdown()
		a.embeddedServer.WaitForShutdown()
	}
	return errs
}
