package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"examrelay/internal/api"
	"examrelay/internal/backplane"
	"examrelay/internal/broker"
	"examrelay/internal/config"
	"examrelay/internal/database"
	"examrelay/internal/hub"
	"examrelay/internal/registry"
	"examrelay/internal/router"
	"examrelay/internal/session"
	"examrelay/internal/websocket"
	dbconfig "examrelay/pkg/database"
	"examrelay/pkg/metrics"
	"examrelay/pkg/types"
)

var _ api.SessionArchive = (*database.Manager)(nil)

// Application owns every relay component and their lifecycle.
// Components are built in dependency order:
// metrics → journal → store → registry → backplane → router → broker → hub → websocket → API → HTTP
type Application struct {
	config *config.Config
	logger *zap.Logger

	metrics  *metrics.Metrics
	journal  *database.Manager
	store    *session.Store
	registry *registry.Registry
	bus      *backplane.RedisBus
	router   *router.Router
	broker   *broker.Broker
	hub      *hub.Hub

	httpServer *http.Server

	mu          sync.Mutex
	listener    net.Listener
	serveErr    chan error
	stopCh      chan struct{}
	cancelSub   context.CancelFunc
	subscribers sync.WaitGroup
	started     bool
}

// NewApplication wires the relay. ctx bounds the start-up checks against
// external services (the backplane ping).
func NewApplication(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	app := &Application{
		config:   cfg,
		logger:   logger,
		serveErr: make(chan error, 1),
		stopCh:   make(chan struct{}),
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	app.metrics = metrics.New(promRegistry)

	if cfg.Journal.Enabled {
		dbCfg := dbconfig.DefaultConfig()
		dbCfg.Path = cfg.Journal.Path
		dbCfg.WriteQueueSize = cfg.Journal.WriteQueueSize
		dbCfg.RetryDelay = cfg.Journal.RetryDelay

		journal, err := database.NewManager(dbCfg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
		app.journal = journal
	}

	app.store = session.NewStore()
	app.registry = registry.NewRegistry()

	if cfg.Backplane.Enabled {
		bus, err := backplane.NewRedisBus(ctx, backplane.Options{
			Addr:     cfg.Backplane.RedisAddr,
			Password: cfg.Backplane.RedisPassword,
			DB:       cfg.Backplane.RedisDB,
			Channel:  cfg.Backplane.Channel,
		}, logger)
		if err != nil {
			_ = app.closeJournal()
			return nil, fmt.Errorf("failed to connect backplane: %w", err)
		}
		app.bus = bus
	}

	app.router = router.NewRouter(app.registry, logger, app.metrics)
	if app.bus != nil {
		app.router.SetBackplane(app.bus)
	}

	brokerOpts := []broker.Option{broker.WithMetrics(app.metrics)}
	if app.journal != nil {
		brokerOpts = append(brokerOpts, broker.WithJournal(app.journal))
	}
	app.broker = broker.NewBroker(app.registry, app.router, app.store, logger, brokerOpts...)

	app.hub = hub.NewHub(app.broker, logger,
		hub.WithQueueSize(cfg.WebSocket.QueueSize),
		hub.WithMetrics(app.metrics),
		hub.WithIdleSweep(cfg.Session.IdleTimeout, cfg.Session.SweepInterval),
	)

	wsHandler := websocket.NewHandler(app.hub, websocket.Options{
		PingInterval:    cfg.WebSocket.PingInterval,
		ReadTimeout:     cfg.WebSocket.ReadTimeout,
		WriteTimeout:    cfg.WebSocket.WriteTimeout,
		SendBuffer:      cfg.WebSocket.SendBuffer,
		MaxMessageSize:  cfg.WebSocket.MaxMessageSize,
		EventsPerMinute: cfg.WebSocket.EventsPerMinute,
		AllowedOrigins:  cfg.WebSocket.AllowedOrigins,
	}, logger, app.metrics)

	deps := api.Deps{
		Sessions:    app.store,
		Connections: app.registry,
		Rooms:       app.router,
		Metrics:     metrics.Handler(promRegistry),
		WebSocket:   wsHandler,
		CORSOrigins: cfg.HTTP.CORSOrigins,
	}
	// Leave the interface fields nil rather than holding typed nil pointers
	if app.journal != nil {
		deps.Journal = app.journal
	}
	if app.bus != nil {
		deps.Backplane = app.bus
	}

	app.httpServer = &http.Server{
		Addr:              cfg.HTTP.Addr(),
		Handler:           api.NewServer(deps, logger),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		ErrorLog:          zap.NewStdLog(logger.Named("http")),
	}

	return app, nil
}

// Start runs the hub, subscribes to the backplane and starts serving.
// It returns once the listener is bound. Cancelling ctx afterwards does
// not stop anything; Stop tears the components down in order.
func (app *Application) Start(ctx context.Context) error {
	app.mu.Lock()
	defer app.mu.Unlock()

	if app.started {
		return errors.New("application already started")
	}

	background := context.WithoutCancel(ctx)
	if err := app.hub.Start(background); err != nil {
		return fmt.Errorf("failed to start hub: %w", err)
	}

	if app.bus != nil {
		subCtx, cancel := context.WithCancel(background)
		app.cancelSub = cancel
		app.subscribers.Add(1)
		go app.subscribe(subCtx)
	}

	listener, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		app.stopBackground()
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	app.listener = listener
	app.started = true

	go func() {
		if err := app.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.serveErr <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	app.logger.Info("Exam relay started",
		zap.String("addr", listener.Addr().String()),
		zap.Bool("journal", app.journal != nil),
		zap.Bool("backplane", app.bus != nil))
	return nil
}

// subscribe feeds envelopes fanned out on other nodes to local members
func (app *Application) subscribe(ctx context.Context) {
	defer app.subscribers.Done()

	for {
		err := app.bus.Subscribe(ctx, func(msg types.BusMessage) {
			app.router.DeliverRemote(msg)
		})
		if ctx.Err() != nil {
			return
		}
		app.logger.Warn("Backplane subscription ended, retrying", zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

// Errors reports a serve failure after Start returned
func (app *Application) Errors() <-chan error {
	return app.serveErr
}

// Stop shuts components down in reverse order. Safe to call twice.
func (app *Application) Stop(ctx context.Context) error {
	app.mu.Lock()
	defer app.mu.Unlock()

	select {
	case <-app.stopCh:
		return nil
	default:
	}
	close(app.stopCh)

	app.logger.Info("Shutting down exam relay", zap.Any("connections", app.registry.GetStats()))

	var errs []error
	if app.started {
		if err := app.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}

	app.stopBackground()

	if app.bus != nil {
		if err := app.bus.Close(); err != nil {
			errs = append(errs, fmt.Errorf("backplane close: %w", err))
		}
	}
	if err := app.closeJournal(); err != nil {
		errs = append(errs, fmt.Errorf("journal close: %w", err))
	}

	app.logger.Info("Exam relay shutdown complete")
	return errors.Join(errs...)
}

// stopBackground must be called with app.mu held
func (app *Application) stopBackground() {
	if app.cancelSub != nil {
		app.cancelSub()
		app.subscribers.Wait()
		app.cancelSub = nil
	}
	if app.hub.IsRunning() {
		if err := app.hub.Stop(); err != nil {
			app.logger.Warn("Hub shutdown error", zap.Error(err))
		}
	}
}

func (app *Application) closeJournal() error {
	if app.journal == nil {
		return nil
	}
	return app.journal.Close()
}

// Addr returns the bound listen address, or the configured one before Start
func (app *Application) Addr() string {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}
