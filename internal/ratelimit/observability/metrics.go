// Package observability provides service metrics.
package observability

import (
	"fmt"
	"io"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

// Metrics records service measurements.
type Metrics interface {
	IncCheck(result string, algorithm string)
	ObserveLatency(op string, d time.Duration)
	IncStoreError(op string, code string)
	IncFailMode(mode string)
}

// VMMetrics records measurements into a VictoriaMetrics set.
type VMMetrics struct {
	set *metrics.Set
}

// NewVMMetrics constructs a metrics recorder with its own set.
func NewVMMetrics() *VMMetrics {
	return &VMMetrics{set: metrics.NewSet()}
}

// IncCheck increments the check counter for a result/algorithm pair.
func (m *VMMetrics) IncCheck(result string, algorithm string) {
	if m == nil || m.set == nil {
		return
	}
	name := fmt.Sprintf(`ratelimit_checks_total{result=%q,algorithm=%q}`, result, algorithm)
	m.set.GetOrCreateCounter(name).Inc()
}

// ObserveLatency tracks operation latency.
func (m *VMMetrics) ObserveLatency(op string, d time.Duration) {
	if m == nil || m.set == nil {
		return
	}
	name := fmt.Sprintf(`ratelimit_op_duration_seconds{op=%q}`, op)
	m.set.GetOrCreateHistogram(name).Update(d.Seconds())
}

// IncStoreError increments the store error counter.
func (m *VMMetrics) IncStoreError(op string, code string) {
	if m == nil || m.set == nil {
		return
	}
	name := fmt.Sprintf(`ratelimit_store_errors_total{op=%q,code=%q}`, op, code)
	m.set.GetOrCreateCounter(name).Inc()
}

// IncFailMode counts decisions taken under a fail-open or fail-closed policy.
func (m *VMMetrics) IncFailMode(mode string) {
	if m == nil || m.set == nil {
		return
	}
	name := fmt.Sprintf(`ratelimit_failmode_total{mode=%q}`, mode)
	m.set.GetOrCreateCounter(name).Inc()
}

// SetStoreHealthy records store health as a gauge (1 healthy, 0 unhealthy).
func (m *VMMetrics) SetStoreHealthy(healthy bool) {
	if m == nil || m.set == nil {
		return
	}
	value := 0.0
	if healthy {
		value = 1.0
	}
	m.set.GetOrCreateGauge(`ratelimit_store_healthy`, nil).Set(value)
}

// WritePrometheus writes the set in Prometheus exposition format.
func (m *VMMetrics) WritePrometheus(w io.Writer) {
	if m == nil || m.set == nil {
		return
	}
	m.set.WritePrometheus(w)
}

// NopMetrics discards all measurements.
type NopMetrics struct{}

// IncCheck is a no-op.
func (NopMetrics) IncCheck(result string, algorithm string) {}

// ObserveLatency is a no-op.
func (NopMetrics) ObserveLatency(op string, d time.Duration) {}

// IncStoreError is a no-op.
func (NopMetrics) IncStoreError(op string, code string) {}

// IncFailMode is a no-op.
func (NopMetrics) IncFailMode(mode string) {}
