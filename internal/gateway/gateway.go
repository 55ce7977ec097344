// Package gateway constructs and owns every collaborator of a running
// sealvault process: the content store, the keystore, both custodian faces,
// the upload worker and the HTTP surface.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/sealvault/internal/accesscontrol"
	"github.com/kenneth/sealvault/internal/api"
	"github.com/kenneth/sealvault/internal/audit"
	"github.com/kenneth/sealvault/internal/cache"
	"github.com/kenneth/sealvault/internal/config"
	"github.com/kenneth/sealvault/internal/custodian"
	"github.com/kenneth/sealvault/internal/keystore"
	"github.com/kenneth/sealvault/internal/manifest"
	"github.com/kenneth/sealvault/internal/metrics"
	"github.com/kenneth/sealvault/internal/middleware"
	"github.com/kenneth/sealvault/internal/proxy"
	"github.com/kenneth/sealvault/internal/store"
	"github.com/kenneth/sealvault/internal/tracing"
	"github.com/kenneth/sealvault/internal/uploader"
)

// Gateway is the service object. Build it with New, run it with Start and
// release it with Close.
type Gateway struct {
	cfg    *config.Config
	logger *logrus.Logger

	metrics     *metrics.Metrics
	backend     store.Store
	store       store.Store
	keys        *keystore.Store
	service     accesscontrol.Service
	bus         *custodian.MemoryBus
	network     *custodian.NetworkCustodian
	requester   *custodian.Requester
	cached      *custodian.CachedCustodian
	worker      *uploader.Worker
	chunkCache  *cache.ChunkCache
	auditLogger audit.Logger
	rateLimiter *middleware.RateLimiter
	handler     http.Handler

	shutdownTracing tracing.ShutdownFunc

	mu        sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// Option overrides a collaborator New would otherwise build from config.
type Option func(*options)

type options struct {
	service accesscontrol.Service
	store   store.Store
	metrics *metrics.Metrics
	tracing []tracing.Option
}

// WithAccessControl uses service instead of an HTTP client for
// access_control.endpoint.
func WithAccessControl(service accesscontrol.Service) Option {
	return func(o *options) { o.service = service }
}

// WithStore uses st instead of the configured backend.
func WithStore(st store.Store) Option {
	return func(o *options) { o.store = st }
}

// WithMetrics records into m instead of the default Prometheus registry.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithTracingOptions passes opts to tracing.Setup.
func WithTracingOptions(opts ...tracing.Option) Option {
	return func(o *options) { o.tracing = append(o.tracing, opts...) }
}

// New builds every collaborator from cfg. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config, logger *logrus.Logger, opts ...Option) (_ *Gateway, err error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	g := &Gateway{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			g.release()
		}
	}()

	g.metrics = o.metrics
	if g.metrics == nil {
		g.metrics = metrics.NewMetrics()
	}

	g.shutdownTracing, err = tracing.Setup(ctx, cfg.Tracing, logger, o.tracing...)
	if err != nil {
		return nil, err
	}

	g.backend = o.store
	if g.backend == nil {
		g.backend, err = store.New(ctx, cfg.Store)
		if err != nil {
			return nil, fmt.Errorf("failed to create content store: %w", err)
		}
	}
	g.store = store.Observed(g.backend, g.metrics)
	logger.WithField("backend", cfg.Store.Backend).Info("Content store ready")

	g.keys, err = keystore.Open(cfg.Keystore, keystore.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	logger.WithField("path", cfg.Keystore.Path).Info("Keystore opened")

	g.service = o.service
	if g.service == nil {
		client, err := accesscontrol.NewClient(cfg.AccessControl)
		if err != nil {
			return nil, fmt.Errorf("failed to create access-control client: %w", err)
		}
		g.service = client
	}

	binding := manifest.Binding{
		Network:   cfg.AccessControl.Network,
		Contract:  cfg.AccessControl.Contract,
		Recipient: cfg.AccessControl.Recipient,
	}
	custodianOpts := []custodian.Option{
		custodian.WithLogger(logger),
		custodian.WithObserver(g.metrics),
	}
	g.bus = custodian.NewMemoryBus()
	g.network = custodian.NewNetworkCustodian(g.service, g.keys, g.store, cfg.Custodian, binding, custodianOpts...)
	g.requester = custodian.NewRequester(g.bus, cfg.Custodian.RequestTimeout, logger)
	g.metrics.ObservePending(g.requester.Pending)
	g.cached = custodian.NewCachedCustodian(g.keys, g.store, g.requester, custodianOpts...)

	up := uploader.New(g.store,
		uploader.WithChunkSize(cfg.Uploader.ChunkSize),
		uploader.WithAdaptive(cfg.Uploader.Adaptive),
		uploader.WithLogger(logger),
		uploader.WithObserver(g.metrics),
	)
	g.worker = uploader.NewWorker(up, g.network, uploader.WorkerConfig{QueueSize: cfg.Uploader.QueueSize}, logger)

	g.chunkCache = cache.New(cfg.Cache)
	if g.chunkCache != nil {
		logger.WithFields(logrus.Fields{
			"max_size":    cfg.Cache.MaxSize,
			"max_items":   cfg.Cache.MaxItems,
			"default_ttl": cfg.Cache.DefaultTTL,
		}).Info("Chunk cache enabled")
	}

	if cfg.Audit.Enabled {
		g.auditLogger = audit.NewLogger(cfg.Audit.MaxEvents, audit.NewLogrusWriter(logger))
		logger.WithField("max_events", cfg.Audit.MaxEvents).Info("Audit logging enabled")
	}

	g.handler = g.buildHandler()
	return g, nil
}

func (g *Gateway) buildHandler() http.Handler {
	router := mux.NewRouter()
	router.Use(middleware.MetricsMiddleware(g.metrics))
	router.Handle("/metrics", g.metrics.Handler()).Methods("GET")

	checks := map[string]metrics.Check{
		"keystore":  g.checkKeystore,
		"custodian": g.checkCustodian,
	}
	api.NewHandler(g.worker, g.network, g.store, g.cfg.Uploader, g.logger, g.metrics, g.auditLogger, checks).RegisterRoutes(router)
	proxy.NewHandler(g.cached, g.store, g.chunkCache, g.cfg.Proxy, g.logger, g.metrics, g.auditLogger).RegisterRoutes(router)

	var h http.Handler = router
	h = middleware.RecoveryMiddleware(g.logger)(h)
	if g.cfg.Tracing.Enabled {
		h = middleware.TracingMiddleware(g.cfg.Tracing.RedactSensitive)(h)
	}
	if g.cfg.Logging.AccessLog {
		h = middleware.LoggingMiddleware(g.logger, &g.cfg.Logging)(h)
	}
	h = middleware.SecurityHeadersMiddleware()(h)

	if g.cfg.RateLimit.Enabled {
		g.rateLimiter = middleware.NewRateLimiter(g.cfg.RateLimit.Limit, g.cfg.RateLimit.Window, g.logger)
		g.rateLimiter.SetObserver(g.metrics)
		h = middleware.RateLimitMiddleware(g.rateLimiter)(h)
		g.logger.WithFields(logrus.Fields{
			"limit":  g.cfg.RateLimit.Limit,
			"window": g.cfg.RateLimit.Window,
		}).Info("Rate limiting enabled")
	}

	return middleware.RequestIDMiddleware()(h)
}

func (g *Gateway) checkKeystore(ctx context.Context) error {
	_, err := g.keys.Stats()
	return err
}

func (g *Gateway) checkCustodian(ctx context.Context) error {
	if g.bus.Subscribers(custodian.KindDecryptRequest) == 0 {
		return errors.New("network custodian is not serving")
	}
	return nil
}

// Handler returns the HTTP surface with the full middleware chain applied.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// Start launches the background goroutines: the network custodian, the
// upload worker, keystore cleanup and the system metrics collector. Start
// returns once the custodian is subscribed to the bus.
func (g *Gateway) Start(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancel != nil {
		return
	}
	ctx, g.cancel = context.WithCancel(ctx)

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := g.network.Serve(ctx, g.bus); err != nil && !errors.Is(err, context.Canceled) {
			g.logger.WithError(err).Error("Network custodian stopped")
		}
	}()
	// Serve subscribes asynchronously; readiness and the first key request
	// must not race it.
	for g.bus.Subscribers(custodian.KindDecryptRequest) == 0 && ctx.Err() == nil {
		time.Sleep(time.Millisecond)
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.keys.RunCleanup(ctx, g.cfg.Keystore.CleanupInterval, g.cfg.Keystore.SessionMaxAge)
	}()

	g.worker.Start(ctx)
	g.metrics.StartSystemMetricsCollector(ctx.Done())

	g.logger.WithFields(logrus.Fields{
		"custodian_workers": g.cfg.Custodian.Workers,
		"queue_size":        g.cfg.Uploader.QueueSize,
	}).Info("Gateway started")
}

// ApplyConfig applies the settings of next that can change at runtime. It
// is registered as the config reloader callback.
func (g *Gateway) ApplyConfig(old, next *config.Config) error {
	if next.LogLevel != old.LogLevel {
		level, err := logrus.ParseLevel(next.LogLevel)
		if err != nil {
			return err
		}
		g.logger.SetLevel(level)
		g.logger.WithField("log_level", level.String()).Info("Log level changed")
	}
	return nil
}

// Close stops background work and releases every resource. It is safe to
// call more than once.
func (g *Gateway) Close() error {
	g.closeOnce.Do(func() {
		g.mu.Lock()
		cancel := g.cancel
		g.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		g.closeErr = g.release()
		g.logger.Info("Gateway stopped")
	})
	return g.closeErr
}

func (g *Gateway) release() error {
	var errs []error
	if g.worker != nil {
		g.worker.Stop()
	}
	if g.requester != nil {
		g.requester.Close()
	}
	if g.bus != nil {
		errs = append(errs, g.bus.Close())
	}
	g.wg.Wait()
	if g.rateLimiter != nil {
		g.rateLimiter.Stop()
	}
	if c, ok := g.service.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	if g.keys != nil {
		errs = append(errs, g.keys.Close())
	}
	if c, ok := g.backend.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	if g.shutdownTracing != nil {
		errs = append(errs, g.shutdownTracing(context.Background()))
	}
	return errors.Join(errs...)
}
