// Package app wires application dependencies.
package app

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/limitd/limitd/internal/ratelimit/config"
	"github.com/limitd/limitd/internal/ratelimit/core"
	"github.com/limitd/limitd/internal/ratelimit/gateway"
	"github.com/limitd/limitd/internal/ratelimit/observability"
	memorystore "github.com/limitd/limitd/internal/ratelimit/store/memory"
	redisstore "github.com/limitd/limitd/internal/ratelimit/store/redis"
	httptransport "github.com/limitd/limitd/internal/ratelimit/transport/http"
)

// Options injects alternatives for wiring, mostly for tests.
type Options struct {
	Logger  observability.Logger
	Metrics *observability.VMMetrics
	// Store overrides the backend selected by configuration.
	Store core.CounterStore
	Clock func() time.Time
}

// Application holds the wired components of the limiter service.
type Application struct {
	Config    *config.Config
	Policies  *core.PolicySet
	Engine    *core.Engine
	Service   *core.Service
	Store     core.CounterStore
	Breaker   *core.CircuitBreaker
	DenyCache *core.DenyCache

	ready         atomic.Bool
	storeHealthy  atomic.Bool
	httpTransport *httptransport.HTTPTransport
	metrics       *observability.VMMetrics
	logger        observability.Logger
	drainTimeout  time.Duration
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	now           func() time.Time
}

// NewApplication validates configuration and wires the application.
func NewApplication(ctx context.Context, cfg *config.Config, opts Options) (*Application, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 5 * time.Second
	}
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = 10 * time.Second
	}
	if cfg.HTTP.IdleTimeout == 0 {
		cfg.HTTP.IdleTimeout = 60 * time.Second
	}
	if cfg.HTTP.DrainTimeout == 0 {
		cfg.HTTP.DrainTimeout = 5 * time.Second
	}
	if cfg.HTTP.MaxBodyBytes <= 0 {
		cfg.HTTP.MaxBodyBytes = 1 << 20
	}

	logger := opts.Logger
	if logger == nil {
		zl, err := observability.NewZapLogger(cfg.Log.Level)
		if err != nil {
			return nil, err
		}
		logger = zl
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.NewVMMetrics()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}

	store := opts.Store
	if store == nil {
		var err error
		store, err = newStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
	}

	policies := core.NewPolicySet()
	loaded, err := cfg.CorePolicies()
	if err != nil {
		return nil, err
	}
	if err := policies.Replace(loaded); err != nil {
		return nil, err
	}

	breaker := core.NewCircuitBreaker(core.CircuitOptions{
		FailureThreshold: cfg.Engine.BreakerThreshold,
		OpenDuration:     cfg.Engine.BreakerOpenFor,
	})
	deny := core.NewDenyCache(cfg.Engine.DenyCacheTTL, cfg.Engine.DenyCacheMaxEntries)

	engine, err := core.NewEngine(store, core.EngineOptions{
		StoreTimeout: cfg.Store.Timeout,
		Breaker:      breaker,
		DenyCache:    deny,
		Metrics:      metrics,
		Logger:       logger,
		Clock:        now,
	})
	if err != nil {
		return nil, err
	}
	service, err := core.NewService(engine, policies)
	if err != nil {
		return nil, err
	}

	app := &Application{
		Config:       cfg,
		Policies:     policies,
		Engine:       engine,
		Service:      service,
		Store:        store,
		Breaker:      breaker,
		DenyCache:    deny,
		metrics:      metrics,
		logger:       logger,
		drainTimeout: cfg.HTTP.DrainTimeout,
		now:          now,
	}

	transport := httptransport.NewHTTPTransport(cfg.HTTP.Addr, app.Ready)
	if err := transport.Serve(service); err != nil {
		return nil, err
	}
	transport.Configure(httptransport.HTTPTransportConfig{
		ReadTimeout:   cfg.HTTP.ReadTimeout,
		WriteTimeout:  cfg.HTTP.WriteTimeout,
		IdleTimeout:   cfg.HTTP.IdleTimeout,
		MaxBodyBytes:  cfg.HTTP.MaxBodyBytes,
		Logger:        logger,
		Metrics:       metrics,
		MetricsWriter: metrics.WritePrometheus,
		Clock:         now,
	})
	app.httpTransport = transport

	return app, nil
}

func newStore(ctx context.Context, cfg *config.Config) (core.CounterStore, error) {
	switch cfg.Store.Backend {
	case "memory":
		return memorystore.New(), nil
	default:
		return redisstore.New(ctx, redisstore.Options{
			Addr:      cfg.Store.Addr,
			Password:  cfg.Store.Password,
			DB:        cfg.Store.DB,
			KeyPrefix: cfg.Store.KeyPrefix,
			PoolSize:  cfg.Store.PoolSize,
		})
	}
}

// Start begins serving and background work. It returns once startup is done.
func (app *Application) Start(ctx context.Context) error {
	if app == nil {
		return errors.New("application is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	app.cancel = cancel

	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		app.runHealthLoop(ctx, 0)
	}()
	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		if err := app.httpTransport.Start(); err != nil {
			app.logger.Error("http transport stopped", map[string]any{"error": err.Error()})
		}
	}()

	app.ready.Store(true)
	app.logger.Info("application started", map[string]any{
		"addr":     app.Config.HTTP.Addr,
		"backend":  app.Config.Store.Backend,
		"policies": len(app.Policies.List()),
	})
	return nil
}

// Shutdown drains the transport and stops background work.
func (app *Application) Shutdown(ctx context.Context) error {
	if app == nil {
		return errors.New("application is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	app.ready.Store(false)
	app.logger.Info("application shutdown", map[string]any{"addr": app.Config.HTTP.Addr})

	drainCtx := ctx
	if app.drainTimeout > 0 {
		var cancel context.CancelFunc
		drainCtx, cancel = context.WithTimeout(ctx, app.drainTimeout)
		defer cancel()
	}
	shutdownErr := app.httpTransport.Shutdown(drainCtx)

	if app.cancel != nil {
		app.cancel()
	}
	done := make(chan struct{})
	go func() {
		app.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if app.Store != nil {
		if err := app.Store.Close(); err != nil && shutdownErr == nil {
			shutdownErr = err
		}
	}
	return shutdownErr
}

// Ready reports whether the application can serve traffic. The counter store
// must have been reachable on the last health probe.
func (app *Application) Ready() bool {
	if app == nil {
		return false
	}
	return app.ready.Load() && app.storeHealthy.Load()
}

// WatchConfig hot-reloads policies when the config file changes. Transport
// and store settings need a restart; only the policy list is swapped.
func (app *Application) WatchConfig(loader *config.Loader) {
	if app == nil || loader == nil {
		return
	}
	loader.Watch(func(cfg *config.Config) {
		policies, err := cfg.CorePolicies()
		if err != nil {
			app.logger.Error("config reload rejected", map[string]any{"error": err.Error()})
			return
		}
		if err := app.Policies.Replace(policies); err != nil {
			app.logger.Error("config reload rejected", map[string]any{"error": err.Error()})
			return
		}
		app.logger.Info("policies reloaded", map[string]any{"count": len(policies)})
	}, func(err error) {
		app.logger.Error("config reload failed", map[string]any{"error": err.Error()})
	})
}

// GatewayMiddleware builds a shim enforcing the named policy with the
// configured fail mode. For embedding limitd in front of other handlers.
func (app *Application) GatewayMiddleware(policyID string, extractor gateway.KeyExtractor) (*gateway.Middleware, error) {
	if app == nil {
		return nil, errors.New("application is nil")
	}
	return gateway.NewMiddleware(app.Service, gateway.Options{
		PolicyID:  policyID,
		Extractor: extractor,
		FailMode:  app.Config.ParsedFailMode(),
		Metrics:   app.metrics,
		Logger:    app.logger,
		Clock:     app.now,
	})
}
