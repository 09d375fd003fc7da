// Package daemon wires the quickd core together: plugin registry, router,
// batcher, connection manager, transports and the action executor.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"github.com/machinefabric/quickd/action"
	"github.com/machinefabric/quickd/batch"
	"github.com/machinefabric/quickd/config"
	"github.com/machinefabric/quickd/conn"
	"github.com/machinefabric/quickd/logging"
	"github.com/machinefabric/quickd/plugin"
	"github.com/machinefabric/quickd/router"
	"github.com/machinefabric/quickd/server"
	"github.com/machinefabric/quickd/wire"
)

// Version is reported by the status method; release builds set it with
// -ldflags.
var Version = "dev"

// ErrAlreadyRunning is returned when another daemon holds the socket lock
var ErrAlreadyRunning = errors.New("another quickd daemon is already running")

// Option customizes a Daemon
type Option func(*Daemon)

// WithRunner replaces the process runner used for match actions
func WithRunner(r action.Runner) Option {
	return func(d *Daemon) { d.runner = r }
}

// WithPlugins registers extra plugin descriptors besides the discovered ones
func WithPlugins(descs ...plugin.Descriptor) Option {
	return func(d *Daemon) { d.extra = append(d.extra, descs...) }
}

// Daemon is one running quickd instance
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger
	runner action.Runner
	extra  []plugin.Descriptor

	registry *plugin.Registry
	conns    *conn.Manager
	batcher  *batch.Batcher
	router   *router.Router
	actions  *action.Executor

	started time.Time
	ready   chan struct{}
}

// New builds a daemon from validated configuration
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("daemon: nil config")
	}
	if cfg.Daemon.Socket == "" {
		return nil, errors.New("daemon: socket path is empty")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	d := &Daemon{cfg: cfg, logger: logger, ready: make(chan struct{})}
	for _, opt := range opts {
		opt(d)
	}

	limits := wire.Limits{MaxMessage: cfg.Connections.MaxMessageSize}
	d.registry = plugin.New(plugin.Options{
		RegistrationTimeout: cfg.Plugins.RegistrationTimeout.Std(),
		LivenessInterval:    cfg.Plugins.LivenessInterval.Std(),
		LivenessThreshold:   cfg.Plugins.LivenessThreshold,
		MaxRestarts:         cfg.Plugins.MaxRestarts,
		RestartBackoff:      cfg.Plugins.RestartBackoff.Std(),
		MaxBackoff:          cfg.Plugins.MaxBackoff.Std(),
		RestartWindow:       cfg.Plugins.RestartWindow.Std(),
		StopGrace:           cfg.Plugins.StopGrace.Std(),
		Limits:              limits,
		Logger:              logger,
	})
	d.conns = conn.NewManager(conn.Options{
		InboundQueue:  cfg.Connections.InboundQueue,
		OutboundQueue: cfg.Connections.OutboundQueue,
		MaxInFlight:   cfg.Routing.MaxInFlight,
		Limits:        limits,
		Logger:        logger,
	})
	d.batcher = batch.New(cfg.Routing.BatchWindow.Std(), d.flush, logger)
	d.router = router.New(d.registry, d.conns, d.batcher, router.Options{
		RequestTimeout: cfg.Routing.RequestTimeout.Std(),
		Logger:         logger,
	})
	d.actions = action.NewExecutor(action.Commands{
		Open:      cfg.Actions.Open,
		Clipboard: cfg.Actions.Clipboard,
		Launch:    cfg.Actions.Launch,
	}, d.runner, logger)

	d.registry.SetSink(d.router)
	d.conns.SetHandler(d.router)
	d.registerMethods()
	return d, nil
}

// Registry exposes the plugin registry, for embedders
func (d *Daemon) Registry() *plugin.Registry { return d.registry }

// Ready is closed once the daemon is listening and plugins were started
func (d *Daemon) Ready() <-chan struct{} { return d.ready }

func (d *Daemon) flush(connID string, out []*wire.Response) {
	if err := d.conns.EnqueueOutbound(connID, out); err != nil && !errors.Is(err, conn.ErrNotFound) {
		d.logger.Debug("batch not delivered", logging.Conn(connID), logging.Error(err))
	}
}

// Run serves until ctx is cancelled or a transport fails
func (d *Daemon) Run(ctx context.Context) error {
	lock := flock.New(d.cfg.Daemon.Socket + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire daemon lock: %w", err)
	}
	if !locked {
		return ErrAlreadyRunning
	}
	defer func() {
		_ = lock.Unlock()
		_ = os.Remove(lock.Path())
	}()

	var ws *server.WebSocketServer
	if addr := d.cfg.Daemon.WebSocketAddr; addr != "" {
		if ws, err = server.ListenWebSocket(addr, d.conns, d.logger); err != nil {
			return err
		}
	}
	unix, err := server.ListenUnix(d.cfg.Daemon.Socket, d.conns, d.logger)
	if err != nil {
		if ws != nil {
			ws.Close()
		}
		return err
	}

	d.started = time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.registry.Run(gctx) })
	g.Go(func() error { return d.router.Run(gctx) })
	g.Go(func() error { return unix.Serve(gctx) })
	if ws != nil {
		g.Go(func() error { return ws.Serve(gctx) })
	}

	d.startPlugins()
	close(d.ready)
	d.logger.Info("quickd ready",
		logging.String("socket", d.cfg.Daemon.Socket),
		logging.String("version", Version),
		logging.Int("plugins", len(d.registry.Snapshot())),
	)

	err = g.Wait()
	d.batcher.Close()
	d.conns.CloseAll()
	d.conns.Wait()
	d.logger.Info("quickd stopped")
	return err
}

func (d *Daemon) startPlugins() {
	found, err := plugin.Discover(d.cfg.Plugins.Dirs)
	if err != nil {
		logging.WarnWithContext(d.logger, "plugin discovery incomplete", "plugin_discovery_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check permissions of the plugin directories"),
		)
	}
	for _, desc := range append(found, d.extra...) {
		id, err := d.registry.Register(desc)
		if err != nil {
			d.logger.Warn("plugin not registered", logging.String("path", desc.Path), logging.Error(err))
			continue
		}
		// spawn failures leave the plugin Stopped and are logged by the registry
		_ = d.registry.Spawn(id)
	}
}
