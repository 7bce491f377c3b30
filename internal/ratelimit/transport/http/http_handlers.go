package httptransport

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/limitd/limitd/internal/ratelimit/core"
)

const defaultMaxBodyBytes = 1 << 20

// maxBatchSize bounds one pipeline round trip.
const maxBatchSize = 256

type httpErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func (t *HTTPTransport) registerRoutes(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		for _, mw := range t.middlewares {
			r.Use(mw)
		}
		r.Post("/check", t.handleCheck)
		r.Post("/check/batch", t.handleCheckBatch)
		r.Get("/policies", t.handlePolicies)
		r.Get("/policies/{id}", t.handlePolicy)
	})
	r.Get("/healthz", t.handleHealth)
	r.Get("/readyz", t.handleReady)
	r.Get("/metrics", t.handleMetrics)
}

func (t *HTTPTransport) handleCheck(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() {
		if t.metrics != nil {
			t.metrics.ObserveLatency("httpCheck", time.Since(start))
		}
	}()
	var httpReq HTTPCheckRequest
	if err := t.decodeJSON(w, r, &httpReq); err != nil {
		t.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if httpReq.Cost == 0 {
		httpReq.Cost = 1
	}
	if httpReq.Key == "" || httpReq.Policy == "" || httpReq.Cost < 1 {
		t.writeError(w, r, http.StatusBadRequest, core.ErrInvalidInput)
		return
	}
	decision, err := t.service.Check(r.Context(), httpReq.Key, httpReq.Policy, httpReq.Cost)
	if err != nil {
		t.writeCheckError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fromDecision(decision, t.now()))
}

func (t *HTTPTransport) handleCheckBatch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() {
		if t.metrics != nil {
			t.metrics.ObserveLatency("httpCheckBatch", time.Since(start))
		}
	}()
	var httpReq HTTPBatchCheckRequest
	if err := t.decodeJSON(w, r, &httpReq); err != nil {
		t.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if httpReq.Policy == "" || len(httpReq.Checks) == 0 {
		t.writeError(w, r, http.StatusBadRequest, core.ErrInvalidInput)
		return
	}
	if len(httpReq.Checks) > maxBatchSize {
		t.writeError(w, r, http.StatusBadRequest, core.Wrap(core.CodeInvalidInput, "batch too large", core.ErrInvalidInput))
		return
	}
	keys := make([]string, len(httpReq.Checks))
	costs := make([]int64, len(httpReq.Checks))
	for i, item := range httpReq.Checks {
		cost := item.Cost
		if cost == 0 {
			cost = 1
		}
		if item.Key == "" || cost < 1 {
			t.writeError(w, r, http.StatusBadRequest, core.ErrInvalidInput)
			return
		}
		keys[i] = item.Key
		costs[i] = cost
	}
	decisions, err := t.service.CheckBatch(r.Context(), httpReq.Policy, keys, costs)
	if err != nil {
		t.writeCheckError(w, r, err)
		return
	}
	now := t.now()
	result := make([]HTTPCheckResponse, len(decisions))
	for i, decision := range decisions {
		result[i] = fromDecision(decision, now)
	}
	writeJSON(w, http.StatusOK, result)
}

func (t *HTTPTransport) handlePolicies(w http.ResponseWriter, r *http.Request) {
	policies := t.service.Policies()
	resp := make([]HTTPPolicyResponse, len(policies))
	for i, policy := range policies {
		resp[i] = fromPolicy(policy)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (t *HTTPTransport) handlePolicy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	policy, err := t.service.Policy(id)
	if err != nil {
		t.writeError(w, r, statusForCode(core.CodeOf(err)), err)
		return
	}
	writeJSON(w, http.StatusOK, fromPolicy(policy))
}

func (t *HTTPTransport) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (t *HTTPTransport) handleReady(w http.ResponseWriter, r *http.Request) {
	if t.storeReady != nil && t.storeReady() {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
}

func (t *HTTPTransport) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if t.metricsWriter == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	t.metricsWriter(w)
}

func (t *HTTPTransport) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return core.ErrInvalidInput
	}
	maxBytes := t.maxBodyBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBodyBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return core.ErrInvalidInput
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return core.ErrInvalidInput
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (t *HTTPTransport) writeCheckError(w http.ResponseWriter, r *http.Request, err error) {
	t.writeError(w, r, statusForCode(core.CodeOf(err)), err)
}

func (t *HTTPTransport) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	if t != nil && t.logger != nil && status >= http.StatusInternalServerError {
		t.logger.Warn("request failed", map[string]any{
			"path":      r.URL.Path,
			"status":    status,
			"error":     err.Error(),
			"requestID": GetRequestID(r.Context()),
		})
	}
	writeJSON(w, status, httpErrorResponse{Error: err.Error(), Code: string(core.CodeOf(err))})
}

func statusForCode(code core.ErrorCode) int {
	switch code {
	case core.CodeInvalidInput, core.CodeInvalidPolicy:
		return http.StatusBadRequest
	case core.CodePolicyNotFound:
		return http.StatusNotFound
	case core.CodeStoreUnavailable, core.CodeCanceled:
		return http.StatusServiceUnavailable
	case core.CodeAmbiguousMutation:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
