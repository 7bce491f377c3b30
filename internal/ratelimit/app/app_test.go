package app

import (
	"context"
	"testing"
	"time"

	"github.com/limitd/limitd/internal/ratelimit/config"
	"github.com/limitd/limitd/internal/ratelimit/gateway"
	"github.com/limitd/limitd/internal/ratelimit/observability"
	memorystore "github.com/limitd/limitd/internal/ratelimit/store/memory"
)

func testConfig() *config.Config {
	return &config.Config{
		HTTP:    config.HTTPConfig{Addr: "127.0.0.1:0"},
		Store:   config.StoreConfig{Backend: "memory"},
		Gateway: config.GatewayConfig{FailMode: "closed"},
		Policies: []config.PolicyConfig{
			{ID: "api", Algorithm: "fixed_window", Limit: 10, Window: time.Minute},
		},
	}
}

func newTestApp(t *testing.T) *Application {
	t.Helper()
	application, err := NewApplication(context.Background(), testConfig(), Options{
		Logger: observability.NopLogger{},
	})
	if err != nil {
		t.Fatalf("NewApplication: %v", err)
	}
	return application
}

func TestNewApplication_RejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Gateway.FailMode = ""
	if _, err := NewApplication(context.Background(), cfg, Options{Logger: observability.NopLogger{}}); err == nil {
		t.Fatalf("expected missing fail mode to be rejected")
	}

	cfg = testConfig()
	cfg.Policies = nil
	if _, err := NewApplication(context.Background(), cfg, Options{Logger: observability.NopLogger{}}); err == nil {
		t.Fatalf("expected empty policy list to be rejected")
	}
}

func TestApplication_WiresPolicies(t *testing.T) {
	t.Parallel()

	application := newTestApp(t)
	policy, ok := application.Policies.Get("api")
	if !ok {
		t.Fatalf("expected api policy to be loaded")
	}
	if policy.Version != 1 {
		t.Fatalf("expected initial version 1, got %d", policy.Version)
	}

	decision, err := application.Service.Check(context.Background(), "user:1", "api", 1)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("expected allow")
	}
}

func TestApplication_ReadinessTracksStoreHealth(t *testing.T) {
	t.Parallel()

	application := newTestApp(t)
	if application.Ready() {
		t.Fatalf("expected not ready before start")
	}

	ctx := context.Background()
	if err := application.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = application.Shutdown(context.Background()) }()

	waitFor(t, time.Second, application.Ready)

	store, ok := application.Store.(*memorystore.Store)
	if !ok {
		t.Fatalf("expected memory backend, got %T", application.Store)
	}
	store.SetHealthy(false)
	application.probeStore(ctx)
	if application.Ready() {
		t.Fatalf("expected unhealthy store to gate readiness")
	}
	store.SetHealthy(true)
	application.probeStore(ctx)
	if !application.Ready() {
		t.Fatalf("expected readiness back after recovery")
	}
}

func TestApplication_StartAndShutdown(t *testing.T) {
	t.Parallel()

	application := newTestApp(t)
	if err := application.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := application.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestApplication_GatewayMiddleware(t *testing.T) {
	t.Parallel()

	application := newTestApp(t)
	shim, err := application.GatewayMiddleware("api", gateway.FromClientIP())
	if err != nil {
		t.Fatalf("GatewayMiddleware: %v", err)
	}
	if shim == nil {
		t.Fatalf("expected a middleware")
	}
	if _, err := application.GatewayMiddleware("", gateway.FromClientIP()); err == nil {
		t.Fatalf("expected empty policy id to be rejected")
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}
