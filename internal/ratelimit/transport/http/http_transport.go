package httptransport

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/limitd/limitd/internal/ratelimit/core"
	"github.com/limitd/limitd/internal/ratelimit/observability"
)

// CheckService is the decision surface the transport needs.
type CheckService interface {
	Check(ctx context.Context, key, policyID string, cost int64) (*core.Decision, error)
	CheckBatch(ctx context.Context, policyID string, keys []string, costs []int64) ([]*core.Decision, error)
	Policy(id string) (*core.Policy, error)
	Policies() []*core.Policy
}

// HTTPTransport serves the check and policy APIs over HTTP.
type HTTPTransport struct {
	addr          string
	srv           *http.Server
	service       CheckService
	storeReady    func() bool
	metrics       observability.Metrics
	metricsWriter func(io.Writer)
	middlewares   []func(http.Handler) http.Handler
	router        http.Handler
	mu            sync.Mutex
	readTimeout   time.Duration
	writeTimeout  time.Duration
	idleTimeout   time.Duration
	maxBodyBytes  int64
	logger        observability.Logger
	now           func() time.Time
}

// HTTPTransportConfig configures the HTTP transport.
type HTTPTransportConfig struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	MaxBodyBytes int64
	Logger       observability.Logger
	Metrics      observability.Metrics
	// MetricsWriter renders the /metrics exposition body.
	MetricsWriter func(io.Writer)
	// Middlewares are mounted on the /v1 route group, e.g. gateway shims
	// protecting the API itself. Health and metrics stay unguarded.
	Middlewares []func(http.Handler) http.Handler
	Clock       func() time.Time
}

// NewHTTPTransport constructs a transport bound to an address. ready reports
// whether the counter store is reachable and feeds /readyz.
func NewHTTPTransport(addr string, ready func() bool) *HTTPTransport {
	if addr == "" {
		addr = ":8080"
	}
	if ready == nil {
		ready = func() bool { return false }
	}
	return &HTTPTransport{addr: addr, storeReady: ready, now: time.Now}
}

// Serve registers the check service.
func (t *HTTPTransport) Serve(service CheckService) error {
	if service == nil {
		return errors.New("check service is required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.service = service
	return nil
}

// Configure applies transport configuration values.
func (t *HTTPTransport) Configure(cfg HTTPTransportConfig) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.readTimeout = cfg.ReadTimeout
	t.writeTimeout = cfg.WriteTimeout
	t.idleTimeout = cfg.IdleTimeout
	if cfg.MaxBodyBytes > 0 {
		t.maxBodyBytes = cfg.MaxBodyBytes
	}
	t.logger = cfg.Logger
	t.metrics = cfg.Metrics
	t.metricsWriter = cfg.MetricsWriter
	t.middlewares = cfg.Middlewares
	if cfg.Clock != nil {
		t.now = cfg.Clock
	}
}

// Start begins serving HTTP requests. It blocks until Shutdown.
func (t *HTTPTransport) Start() error {
	if t == nil {
		return errors.New("http transport is nil")
	}
	handler, err := t.handler()
	if err != nil {
		return err
	}
	t.mu.Lock()
	if t.srv == nil {
		t.srv = &http.Server{
			Addr:         t.addr,
			Handler:      handler,
			ReadTimeout:  t.readTimeout,
			WriteTimeout: t.writeTimeout,
			IdleTimeout:  t.idleTimeout,
		}
	}
	srv := t.srv
	t.mu.Unlock()

	listener, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}
	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the server.
func (t *HTTPTransport) Shutdown(ctx context.Context) error {
	if t == nil {
		return errors.New("http transport is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	t.mu.Lock()
	srv := t.srv
	t.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Handler returns the HTTP handler for testing.
func (t *HTTPTransport) Handler() (http.Handler, error) {
	return t.handler()
}

func (t *HTTPTransport) handler() (http.Handler, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.router != nil {
		return t.router, nil
	}
	if t.service == nil {
		return nil, errors.New("service must be registered before starting")
	}
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(RequestID)
	r.Use(chimiddleware.Recoverer)
	t.registerRoutes(r)
	t.router = r
	return r, nil
}
