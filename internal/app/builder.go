package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/pos-sync/internal/api"
	"github.com/stacklok/pos-sync/internal/app/storage"
	"github.com/stacklok/pos-sync/internal/config"
	"github.com/stacklok/pos-sync/internal/lock"
	"github.com/stacklok/pos-sync/internal/service"
	syncengine "github.com/stacklok/pos-sync/internal/sync"
	"github.com/stacklok/pos-sync/internal/sync/coordinator"
	"github.com/stacklok/pos-sync/internal/sync/recovery"
	"github.com/stacklok/pos-sync/internal/telemetry"
	"github.com/stacklok/pos-sync/internal/transport"
)

const (
	defaultHTTPAddress    = ":8080"
	defaultRequestTimeout = 10 * time.Minute
	defaultReadTimeout    = 30 * time.Second
	defaultWriteTimeout   = 10 * time.Minute
	defaultIdleTimeout    = 60 * time.Second
)

// SyncAppOptions is a function that configures the sync app builder
type SyncAppOptions func(*syncAppConfig) error

// syncAppConfig collects what is needed to build a SyncApp.
// It supports dependency injection for testing while providing sensible defaults for production
type syncAppConfig struct {
	config *config.Config

	// Optional component overrides (primarily for testing)
	storageFactory storage.Factory
	peer           transport.Peer
	autoMigrate    bool

	// HTTP server options
	address        string
	middlewares    []func(http.Handler) http.Handler
	requestTimeout time.Duration
	readTimeout    time.Duration
	writeTimeout   time.Duration
	idleTimeout    time.Duration

	// Telemetry components
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	metricsHandler http.Handler
}

func baseConfig(opts ...SyncAppOptions) (*syncAppConfig, error) {
	cfg := &syncAppConfig{
		address:        defaultHTTPAddress,
		requestTimeout: defaultRequestTimeout,
		readTimeout:    defaultReadTimeout,
		writeTimeout:   defaultWriteTimeout,
		idleTimeout:    defaultIdleTimeout,
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.config == nil {
		return nil, fmt.Errorf("config is required")
	}

	return cfg, nil
}

// NewSyncApp builds the sync server: storage, engine, recovery, HTTP API
// and the background coordinator.
func NewSyncApp(
	ctx context.Context,
	opts ...SyncAppOptions,
) (*SyncApp, error) {
	cfg, err := baseConfig(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build base configuration: %w", err)
	}

	components, cleanup, err := buildComponents(ctx, cfg)
	if err != nil {
		return nil, err
	}

	// Ensure cleanup happens on error
	var cleanupNeeded = true
	defer func() {
		if cleanupNeeded {
			cleanup()
		}
	}()

	httpServer, err := buildHTTPServer(ctx, cfg, components.SyncService)
	if err != nil {
		return nil, fmt.Errorf("failed to build HTTP server: %w", err)
	}

	appCtx, cancel := context.WithCancel(ctx)

	// Cleanup is now handled by the app, not in defer
	cleanupNeeded = false

	return &SyncApp{
		config:     cfg.config,
		components: components,
		httpServer: httpServer,
		ctx:        appCtx,
		cancelFunc: cancel,
		cleanup:    cleanup,
	}, nil
}

// BuildComponents builds every component except the HTTP server. It is used
// by commands that run one operation and exit. The returned cleanup function
// releases storage and must be called once the components are no longer used.
func BuildComponents(ctx context.Context, opts ...SyncAppOptions) (*AppComponents, func(), error) {
	cfg, err := baseConfig(opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build base configuration: %w", err)
	}
	return buildComponents(ctx, cfg)
}

// WithConfig sets the configuration
func WithConfig(c *config.Config) SyncAppOptions {
	return func(cfg *syncAppConfig) error {
		cfg.config = c
		return nil
	}
}

// WithAddress sets the HTTP server address
func WithAddress(addr string) SyncAppOptions {
	return func(cfg *syncAppConfig) error {
		if addr == "" {
			return fmt.Errorf("address cannot be empty")
		}

		host, port, found := strings.Cut(addr, ":")
		if !found || port == "" {
			return fmt.Errorf("address is not a valid port: %s", addr)
		}
		if host == "localhost" {
			host = "127.0.0.1"
		}
		if host == "" {
			host = "0.0.0.0"
		}

		if _, err := netip.ParseAddrPort(host + ":" + port); err != nil {
			return fmt.Errorf("address is not a valid port: %w", err)
		}

		cfg.address = addr
		return nil
	}
}

// WithMiddlewares sets custom HTTP middlewares
func WithMiddlewares(mw ...func(http.Handler) http.Handler) SyncAppOptions {
	return func(cfg *syncAppConfig) error {
		cfg.middlewares = mw
		return nil
	}
}

// WithRequestTimeout sets how long one request may run. Full resyncs are
// served synchronously, so this must cover the slowest recovery.
func WithRequestTimeout(d time.Duration) SyncAppOptions {
	return func(cfg *syncAppConfig) error {
		if d <= 0 {
			return fmt.Errorf("request timeout must be positive")
		}
		cfg.requestTimeout = d
		cfg.writeTimeout = d
		return nil
	}
}

// WithStorageFactory allows injecting a custom storage factory (for testing)
func WithStorageFactory(f storage.Factory) SyncAppOptions {
	return func(cfg *syncAppConfig) error {
		cfg.storageFactory = f
		return nil
	}
}

// WithPeer allows injecting the peer client instead of building one from masterUrl
func WithPeer(p transport.Peer) SyncAppOptions {
	return func(cfg *syncAppConfig) error {
		cfg.peer = p
		return nil
	}
}

// WithAutoMigrate applies pending PostgreSQL migrations on startup
func WithAutoMigrate(enabled bool) SyncAppOptions {
	return func(cfg *syncAppConfig) error {
		cfg.autoMigrate = enabled
		return nil
	}
}

// WithMeterProvider sets the OpenTelemetry meter provider for HTTP and sync metrics
func WithMeterProvider(mp metric.MeterProvider) SyncAppOptions {
	return func(cfg *syncAppConfig) error {
		cfg.meterProvider = mp
		return nil
	}
}

// WithTracerProvider sets the OpenTelemetry tracer provider
func WithTracerProvider(tp trace.TracerProvider) SyncAppOptions {
	return func(cfg *syncAppConfig) error {
		cfg.tracerProvider = tp
		return nil
	}
}

// WithMetricsHandler serves h at /metrics
func WithMetricsHandler(h http.Handler) SyncAppOptions {
	return func(cfg *syncAppConfig) error {
		cfg.metricsHandler = h
		return nil
	}
}

// buildComponents wires storage, engine, recovery, service and coordinator
func buildComponents(ctx context.Context, b *syncAppConfig) (*AppComponents, func(), error) {
	slog.Info("Initializing sync components", "role", b.config.Role)

	reg, err := b.config.Registry()
	if err != nil {
		return nil, nil, fmt.Errorf("invalid table registry: %w", err)
	}

	// Create storage factory (single decision point for DB vs File)
	if b.storageFactory == nil {
		var dbOpts []storage.DatabaseFactoryOption
		if b.autoMigrate {
			dbOpts = append(dbOpts, storage.WithAutoMigrate(true))
		}
		b.storageFactory, err = storage.NewStorageFactory(ctx, b.config, dbOpts...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create storage factory: %w", err)
		}
	}
	factory := b.storageFactory
	cleanup := factory.Cleanup

	fail := func(err error) (*AppComponents, func(), error) {
		cleanup()
		return nil, nil, err
	}

	rowStore, err := factory.CreateRowStore(ctx)
	if err != nil {
		return fail(fmt.Errorf("failed to create row store: %w", err))
	}

	stateStore, err := factory.CreateStateService(ctx)
	if err != nil {
		return fail(fmt.Errorf("failed to create state service: %w", err))
	}

	if err := InitializeSyncState(ctx, reg, stateStore); err != nil {
		return fail(err)
	}

	peer, err := buildPeer(b)
	if err != nil {
		return fail(fmt.Errorf("failed to create peer client: %w", err))
	}

	var syncMetrics *telemetry.SyncMetrics
	if b.meterProvider != nil {
		syncMetrics, err = telemetry.NewSyncMetrics(b.meterProvider)
		if err != nil {
			return fail(fmt.Errorf("failed to create sync metrics: %w", err))
		}
		slog.Info("Sync metrics enabled")
	}

	cycleLock := lock.New(b.config.GetLockPath())
	role := b.config.Role

	engine := syncengine.NewEngine(reg, rowStore, stateStore, peer, cycleLock, role,
		syncengine.WithBatchSize(b.config.BatchSize),
		syncengine.WithCycleDeadline(b.config.GetCycleDeadline()),
		syncengine.WithSyncMetrics(syncMetrics),
		syncengine.WithTracerProvider(b.tracerProvider),
	)

	components := &AppComponents{
		Registry:   reg,
		RowStore:   rowStore,
		StateStore: stateStore,
		Engine:     engine,
	}

	svcOpts := []service.Option{
		service.WithBatchSize(b.config.BatchSize),
		service.WithTracerProvider(b.tracerProvider),
	}

	// Only a slave pulls full snapshots from its master. The coordinator
	// takes a nil interface, not a nil *recovery.Manager.
	var recoverer coordinator.Recoverer
	if b.config.IsSlave() {
		components.Recovery = recovery.New(reg, rowStore, stateStore, peer, cycleLock, role,
			recovery.WithFailureThreshold(b.config.FailureThreshold),
			recovery.WithStalenessThreshold(b.config.GetStalenessThreshold()),
			recovery.WithSyncMetrics(syncMetrics),
			recovery.WithTracerProvider(b.tracerProvider),
		)
		recoverer = components.Recovery
		svcOpts = append(svcOpts, service.WithRecoverer(components.Recovery))
	}

	components.SyncService, err = service.New(reg, rowStore, stateStore, engine, role, svcOpts...)
	if err != nil {
		return fail(fmt.Errorf("failed to create sync service: %w", err))
	}

	components.SyncCoordinator = coordinator.New(engine, recoverer, b.config)

	slog.Info("Sync components initialized successfully", "tables", reg.Names())
	return components, cleanup, nil
}

// buildPeer returns the injected peer, a client for the master when running
// as a slave, or nil on a master
func buildPeer(b *syncAppConfig) (transport.Peer, error) {
	if b.peer != nil {
		return b.peer, nil
	}
	if !b.config.IsSlave() {
		return nil, nil
	}

	client, err := transport.New(b.config.MasterURL, b.config.Role,
		transport.WithTimeout(b.config.GetTimeout()),
		transport.WithRetryAttempts(b.config.RetryAttempts),
		transport.WithTracerProvider(b.tracerProvider),
	)
	if err != nil {
		return nil, err
	}
	slog.Info("Peer client configured", "master_url", b.config.MasterURL)
	return client, nil
}

// buildHTTPServer builds the HTTP server with router and middleware
//
//nolint:unparam // we prefer having a similar interface
func buildHTTPServer(
	_ context.Context,
	b *syncAppConfig,
	svc service.SyncService,
) (*http.Server, error) {
	slog.Info("Initializing HTTP server")

	// Use default middlewares if not provided
	if b.middlewares == nil {
		b.middlewares = []func(http.Handler) http.Handler{
			middleware.RequestID,
			middleware.RealIP,
			middleware.Recoverer,
			middleware.Timeout(b.requestTimeout),
			api.LoggingMiddleware,
		}
	}

	// Tracing runs outermost so every other middleware sees the span
	var leading []func(http.Handler) http.Handler
	if b.tracerProvider != nil {
		leading = append(leading, telemetry.TracingMiddleware(b.tracerProvider))
		slog.Info("HTTP tracing middleware enabled")
	}

	if b.meterProvider != nil {
		metricsMiddleware, err := telemetry.MetricsMiddleware(b.meterProvider)
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics middleware: %w", err)
		}
		if metricsMiddleware != nil {
			leading = append(leading, metricsMiddleware)
			slog.Info("HTTP metrics middleware enabled")
		}
	}
	b.middlewares = append(leading, b.middlewares...)

	serverOpts := []api.ServerOption{api.WithMiddlewares(b.middlewares...)}
	if b.metricsHandler != nil {
		serverOpts = append(serverOpts, api.WithMetricsHandler(b.metricsHandler))
	}
	router := api.NewServer(svc, serverOpts...)

	server := &http.Server{
		Addr:         b.address,
		Handler:      router,
		ReadTimeout:  b.readTimeout,
		WriteTimeout: b.writeTimeout,
		IdleTimeout:  b.idleTimeout,
	}

	slog.Info("HTTP server configured", "address", b.address)
	return server, nil
}
