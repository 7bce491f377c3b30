package observability

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestVMMetrics_WritePrometheus(t *testing.T) {
	t.Parallel()

	m := NewVMMetrics()
	m.IncCheck("allowed", "fixed_window")
	m.IncCheck("allowed", "fixed_window")
	m.IncCheck("denied", "fixed_window")
	m.IncStoreError("check", "STORE_UNAVAILABLE")
	m.IncFailMode("open")
	m.ObserveLatency("check", 3*time.Millisecond)
	m.SetStoreHealthy(true)

	var buf bytes.Buffer
	m.WritePrometheus(&buf)
	out := buf.String()

	for _, want := range []string{
		`ratelimit_checks_total{result="allowed",algorithm="fixed_window"} 2`,
		`ratelimit_checks_total{result="denied",algorithm="fixed_window"} 1`,
		`ratelimit_store_errors_total{op="check",code="STORE_UNAVAILABLE"} 1`,
		`ratelimit_failmode_total{mode="open"} 1`,
		`ratelimit_store_healthy 1`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in exposition:\n%s", want, out)
		}
	}
	if !strings.Contains(out, "ratelimit_op_duration_seconds") {
		t.Fatalf("missing latency histogram in exposition:\n%s", out)
	}
}

func TestVMMetrics_SetsAreIsolated(t *testing.T) {
	t.Parallel()

	a := NewVMMetrics()
	b := NewVMMetrics()
	a.IncCheck("allowed", "token_bucket")

	var buf bytes.Buffer
	b.WritePrometheus(&buf)
	if strings.Contains(buf.String(), "token_bucket") {
		t.Fatalf("expected per-instance metric sets")
	}
}

func TestNilMetricsAreInert(t *testing.T) {
	t.Parallel()

	var m *VMMetrics
	m.IncCheck("allowed", "fixed_window")
	m.ObserveLatency("check", time.Millisecond)
	m.SetStoreHealthy(false)
	var buf bytes.Buffer
	m.WritePrometheus(&buf)
	if buf.Len() != 0 {
		t.Fatalf("nil metrics must write nothing")
	}

	NopMetrics{}.IncCheck("allowed", "fixed_window")
	NopMetrics{}.IncFailMode("closed")
}
