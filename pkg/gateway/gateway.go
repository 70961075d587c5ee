package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/beam-cloud/vmr/pkg/events"
	"github.com/beam-cloud/vmr/pkg/health"
	"github.com/beam-cloud/vmr/pkg/metrics"
	"github.com/beam-cloud/vmr/pkg/registry"
	"github.com/beam-cloud/vmr/pkg/routing"
	"github.com/beam-cloud/vmr/pkg/selector"
	"github.com/beam-cloud/vmr/pkg/session"
	"github.com/beam-cloud/vmr/pkg/types"
	"github.com/google/uuid"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const defaultShutdownTimeout = 15 * time.Second

// Gateway owns the registry, the health monitor, the session store and the selector,
// and serves the proxy and admin routes on top of them.
type Gateway struct {
	config types.AppConfig
	nodeID string

	ctx    context.Context
	cancel context.CancelFunc

	echo         *echo.Echo
	promRegistry *prometheus.Registry
	metrics      *metrics.Metrics
	resolver     *routing.RouteResolver

	registry *registry.Registry
	monitor  *health.Monitor
	sessions *session.AffinityStore
	selector *selector.Selector
	bus      events.Bus

	shutdownOnce sync.Once
	shutdownErr  error
}

type Option func(*Gateway)

// WithBus replaces the bus built from config.Events
func WithBus(bus events.Bus) Option {
	return func(g *Gateway) { g.bus = bus }
}

// NewGateway wires every component. Nothing runs until Start or Run.
func NewGateway(config types.AppConfig, opts ...Option) (*Gateway, error) {
	ctx, cancel := context.WithCancel(context.Background())

	g := &Gateway{
		config:       config,
		nodeID:       config.Gateway.NodeID,
		ctx:          ctx,
		cancel:       cancel,
		promRegistry: prometheus.NewRegistry(),
		resolver:     routing.NewRouteResolver(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.nodeID == "" {
		g.nodeID = uuid.NewString()
	}

	if err := g.init(); err != nil {
		cancel()
		if g.monitor != nil {
			_ = g.monitor.Close()
		}
		if g.bus != nil {
			_ = g.bus.Close()
		}
		return nil, err
	}
	return g, nil
}

func (g *Gateway) init() error {
	m, err := metrics.New(g.promRegistry)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}
	g.metrics = m
	g.promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if g.bus == nil {
		bus, err := newBus(g.ctx, g.config.Events)
		if err != nil {
			return err
		}
		g.bus = bus
	}

	g.monitor = health.NewMonitor(g.config.Health, health.WithMetrics(m))
	g.sessions = session.NewAffinityStore(
		session.WithMetrics(m),
		session.WithCleanupInterval(g.config.Session.CleanupInterval),
	)
	g.selector, err = selector.NewSelector(g.monitor, g.sessions, m)
	if err != nil {
		return err
	}

	g.registry = registry.NewRegistry(
		registry.WithBus(g.bus, g.nodeID),
		registry.WithListener(NewLifecycle(g.monitor, g.sessions, g.selector)),
	)
	if g.config.SeedFile != "" {
		if err := g.registry.LoadSeedFile(g.config.SeedFile); err != nil {
			return err
		}
	}

	return g.initHttp()
}

func newBus(ctx context.Context, config types.EventsConfig) (events.Bus, error) {
	switch config.Backend {
	case types.EventsBackendRedis:
		bus, err := events.NewRedisBus(ctx, config.Redis)
		if err != nil {
			return nil, err
		}
		return bus, nil
	case types.EventsBackendLocal, "":
		return events.NewLocalBus(), nil
	}
	return nil, fmt.Errorf("unknown events backend %q", config.Backend)
}

func (g *Gateway) initHttp() error {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	if g.config.Monitoring.MetricsEnabled {
		mw, err := echoprometheus.MiddlewareConfig{
			Namespace:  "vmr",
			Subsystem:  "http",
			Registerer: g.promRegistry,
			Skipper: func(c echo.Context) bool {
				return c.Path() == g.metricsPath()
			},
		}.ToMiddleware()
		if err != nil {
			return fmt.Errorf("failed to create http metrics middleware: %w", err)
		}
		e.Use(mw)
		e.GET(g.metricsPath(), echoprometheus.NewHandlerWithConfig(echoprometheus.HandlerConfig{
			Gatherer: g.promRegistry,
		}))
	}
	e.Use(g.requestLogger)

	e.GET("/", g.handleRoot)
	e.HEAD("/", g.handleLoopback)
	e.GET("/health", g.handleHealth)

	NewAdminService(g.registry, g.monitor, g.sessions).RegisterRoutes(e.Group("/v1.0"))
	NewProxyService(g.registry, g.selector, g.config.Gateway.ProxyTimeout).RegisterRoutes(e)

	g.echo = e
	return nil
}

func (g *Gateway) metricsPath() string {
	if g.config.Monitoring.MetricsPath == "" {
		return "/metrics"
	}
	return g.config.Monitoring.MetricsPath
}

// Start runs the gateway until SIGINT or SIGTERM
func (g *Gateway) Start() error {
	ctx, stop := signal.NotifyContext(g.ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return g.Run(ctx)
}

// Run serves HTTP, sweeps expired sessions and applies peer lifecycle events until ctx
// is done or one of them fails, then shuts everything down.
func (g *Gateway) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return g.sessions.RunCleanup(ctx)
	})

	eg.Go(func() error {
		err := g.bus.Subscribe(ctx, g.registry.Apply)
		if errors.Is(err, events.ErrBusClosed) {
			return nil
		}
		return err
	})

	eg.Go(func() error {
		addr := fmt.Sprintf("%s:%d", g.config.Gateway.Host, g.config.Gateway.HTTPPort)
		log.Info().Str("addr", addr).Str("node_id", g.nodeID).Msg("Gateway listening")

		if err := g.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		<-ctx.Done()

		timeout := g.config.Gateway.ShutdownTimeout
		if timeout <= 0 {
			timeout = defaultShutdownTimeout
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return g.Shutdown(shutdownCtx)
	})

	return eg.Wait()
}

// Shutdown stops the HTTP server, the probe loops, the session sweep and the bus. It is
// safe to call more than once.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		log.Info().Msg("Shutting down gateway...")

		var errs []error
		if err := g.echo.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http server: %w", err))
		}
		if err := g.monitor.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		g.sessions.Stop()
		if err := g.bus.Close(); err != nil {
			errs = append(errs, fmt.Errorf("event bus: %w", err))
		}
		g.cancel()

		g.shutdownErr = errors.Join(errs...)
		log.Info().Msg("Gateway shutdown complete")
	})
	return g.shutdownErr
}

// Handler returns the HTTP handler serving every gateway route
func (g *Gateway) Handler() http.Handler {
	return g.echo
}

func (g *Gateway) Registry() *registry.Registry {
	return g.registry
}

func (g *Gateway) Monitor() *health.Monitor {
	return g.monitor
}

func (g *Gateway) Sessions() *session.AffinityStore {
	return g.sessions
}

func (g *Gateway) NodeID() string {
	return g.nodeID
}

// ----------------------------------------------------------------------------
// Loopback routes
// ----------------------------------------------------------------------------

func (g *Gateway) handleRoot(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"service": "virtual-model-runner",
		"node_id": g.nodeID,
	})
}

func (g *Gateway) handleLoopback(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

// handleHealth handles GET /health
func (g *Gateway) handleHealth(c echo.Context) error {
	stats := g.registry.Stats()
	stats["status"] = "healthy"
	stats["node_id"] = g.nodeID
	return c.JSON(http.StatusOK, stats)
}

// requestLogger classifies every request and logs it once it completes
func (g *Gateway) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		start := time.Now()

		err := next(c)
		if err != nil {
			c.Error(err)
		}

		var requestType types.RequestType
		if urlCtx := routing.Parse(req.URL.Path, req.Method); urlCtx.IsValidVmrRequest {
			requestType = urlCtx.RequestType
		} else {
			requestType = g.resolver.Resolve(req.Method, req.URL.Path)
		}

		log.Debug().
			Str("method", req.Method).
			Str("path", req.URL.Path).
			Str("request_type", string(requestType)).
			Int("status", c.Response().Status).
			Dur("duration", time.Since(start)).
			Msg("Handled request")
		return nil
	}
}
