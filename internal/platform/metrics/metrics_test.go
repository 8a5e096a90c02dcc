package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveFHIRRequest("Appointment", "success", time.Second)
	m.IncFHIRRetry("rate_limited")
	m.IncTokenRefresh("success")
	m.IncImport("success")
	m.AddAutoMatch("surgeon", "auto_applied", 2)
	m.SetBreakerState("epic", 1)
	m.ObserveHTTP("GET", "/x", "200", time.Millisecond)
}

func TestHandlerExposesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.ObserveFHIRRequest("Appointment", "success", 250*time.Millisecond)
	m.IncFHIRRetry("timeout")
	m.AddAutoMatch("room", "suggested", 3)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`epic_fhir_requests_total{outcome="success",resource="Appointment"} 1`,
		`epic_fhir_retries_total{reason="timeout"} 1`,
		`epic_auto_match_results_total{action="suggested",mapping_type="room"} 3`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
