package httptransport

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/limitd/limitd/internal/ratelimit/core"
	"github.com/limitd/limitd/internal/ratelimit/observability"
	memorystore "github.com/limitd/limitd/internal/ratelimit/store/memory"
)

func newTestTransport(t *testing.T, ready bool) (*HTTPTransport, http.Handler) {
	t.Helper()
	now := time.Unix(1000, 0)
	clock := func() time.Time { return now }
	store := memorystore.New(memorystore.WithClock(clock))
	metrics := observability.NewVMMetrics()
	engine, err := core.NewEngine(store, core.EngineOptions{Clock: clock, Metrics: metrics})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	policies := core.NewPolicySet()
	err = policies.Replace([]*core.Policy{
		{ID: "api", Algorithm: core.AlgorithmFixedWindow, Limit: 2, Window: time.Minute},
		{ID: "ingest", Algorithm: core.AlgorithmTokenBucket, Limit: 5, RefillRate: 1, Burst: 10},
	})
	if err != nil {
		t.Fatalf("Replace: %v", err)
	}
	service, err := core.NewService(engine, policies)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	transport := NewHTTPTransport(":0", func() bool { return ready })
	if err := transport.Serve(service); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	transport.Configure(HTTPTransportConfig{
		Metrics:       metrics,
		MetricsWriter: metrics.WritePrometheus,
		Clock:         clock,
	})
	handler, err := transport.Handler()
	if err != nil {
		t.Fatalf("Handler: %v", err)
	}
	return transport, handler
}

func postJSON(handler http.Handler, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHandleCheck(t *testing.T) {
	t.Parallel()

	_, handler := newTestTransport(t, true)

	rec := postJSON(handler, "/v1/check", `{"key":"user:1","policy":"api"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp HTTPCheckResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Allowed || resp.Remaining != 1 || resp.Limit != 2 {
		t.Fatalf("unexpected response %+v", resp)
	}

	postJSON(handler, "/v1/check", `{"key":"user:1","policy":"api"}`)
	rec = postJSON(handler, "/v1/check", `{"key":"user:1","policy":"api"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("denials are still 200 on the check API, got %d", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Allowed {
		t.Fatalf("expected denial on third request")
	}
	if resp.RetryAfterMs <= 0 {
		t.Fatalf("expected positive retryAfterMs, got %d", resp.RetryAfterMs)
	}
}

func TestHandleCheck_Validation(t *testing.T) {
	t.Parallel()

	_, handler := newTestTransport(t, true)

	cases := []string{
		`{`,
		`{"policy":"api"}`,
		`{"key":"user:1"}`,
		`{"key":"user:1","policy":"api","cost":-1}`,
		`{"key":"user:1","policy":"api","bogus":true}`,
	}
	for i, body := range cases {
		rec := postJSON(handler, "/v1/check", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("case %d: expected 400, got %d", i, rec.Code)
		}
	}

	rec := postJSON(handler, "/v1/check", `{"key":"user:1","policy":"nope"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown policy, got %d", rec.Code)
	}
	var errResp httpErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if errResp.Code != string(core.CodePolicyNotFound) {
		t.Fatalf("expected POLICY_NOT_FOUND code, got %q", errResp.Code)
	}
}

func TestHandleCheckBatch(t *testing.T) {
	t.Parallel()

	_, handler := newTestTransport(t, true)

	rec := postJSON(handler, "/v1/check/batch",
		`{"policy":"api","checks":[{"key":"a"},{"key":"a"},{"key":"a"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp []HTTPCheckResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp) != 3 {
		t.Fatalf("expected 3 decisions, got %d", len(resp))
	}
	if !resp[0].Allowed || !resp[1].Allowed || resp[2].Allowed {
		t.Fatalf("expected allow, allow, deny")
	}

	if rec := postJSON(handler, "/v1/check/batch", `{"policy":"api","checks":[]}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty batch, got %d", rec.Code)
	}

	var big bytes.Buffer
	big.WriteString(`{"policy":"api","checks":[`)
	for i := 0; i < 300; i++ {
		if i > 0 {
			big.WriteString(",")
		}
		big.WriteString(`{"key":"k"}`)
	}
	big.WriteString(`]}`)
	if rec := postJSON(handler, "/v1/check/batch", big.String()); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for oversized batch, got %d", rec.Code)
	}
}

func TestHandlePolicies(t *testing.T) {
	t.Parallel()

	_, handler := newTestTransport(t, true)

	req := httptest.NewRequest(http.MethodGet, "/v1/policies", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var policies []HTTPPolicyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &policies); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("expected 2 policies, got %d", len(policies))
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/policies/ingest", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var policy HTTPPolicyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &policy); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if policy.Algorithm != "token_bucket" || policy.Burst != 10 {
		t.Fatalf("unexpected policy %+v", policy)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/policies/nope", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHealthAndReadiness(t *testing.T) {
	t.Parallel()

	_, handler := newTestTransport(t, true)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected healthy, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected ready, got %d", rec.Code)
	}

	_, notReady := newTestTransport(t, false)
	req = httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec = httptest.NewRecorder()
	notReady.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when not ready, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	_, handler := newTestTransport(t, true)
	postJSON(handler, "/v1/check", `{"key":"user:1","policy":"api"}`)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "ratelimit_checks_total") {
		t.Fatalf("expected check counter in exposition, got:\n%s", rec.Body.String())
	}
}

func TestRequestIDHeader(t *testing.T) {
	t.Parallel()

	_, handler := newTestTransport(t, true)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Fatalf("expected a generated request id")
	}

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if got := rec.Header().Get(RequestIDHeader); got != "abc-123" {
		t.Fatalf("expected caller request id to be echoed, got %q", got)
	}
}
