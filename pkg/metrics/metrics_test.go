package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	io_prometheus_client "github.com/prometheus/client_model/go"
)

func TestInstrumentHandlerRecordsMetrics(t *testing.T) {
	handler := InstrumentHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	req := httptest.NewRequest(http.MethodGet, "/executions/exec-1", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}

	if !metricCounterGreaterOrEqual(t, "drs_orchestrator_http_requests_total", map[string]string{
		"method": "GET",
		"path":   "/executions/:id",
		"status": "202",
	}, 1) {
		t.Fatalf("expected http request counter to increment")
	}

	if !metricHistogramCountGreaterOrEqual(t, "drs_orchestrator_http_request_duration_seconds", map[string]string{
		"method": "GET",
		"path":   "/executions/:id",
	}, 1) {
		t.Fatalf("expected http duration histogram to record samples")
	}
}

func TestInstrumentHandlerSkipsMetricsEndpoint(t *testing.T) {
	called := false
	handler := InstrumentHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if !called {
		t.Fatal("expected the wrapped handler to still run")
	}
	if metricCounterGreaterOrEqual(t, "drs_orchestrator_http_requests_total", map[string]string{
		"method": "GET",
		"path":   "/metrics",
		"status": "200",
	}, 1) {
		t.Fatal("expected /metrics requests not to be counted")
	}
}

func TestRecordExecutionAndWave(t *testing.T) {
	RecordExecution("RECOVERY", "COMPLETED", 5*time.Minute)
	if !metricCounterGreaterOrEqual(t, "drs_orchestrator_execution_outcomes_total", map[string]string{
		"type":   "RECOVERY",
		"status": "COMPLETED",
	}, 1) {
		t.Fatal("expected execution outcome counter to increase")
	}
	if !metricHistogramCountGreaterOrEqual(t, "drs_orchestrator_execution_duration_seconds", map[string]string{
		"type":   "RECOVERY",
		"status": "COMPLETED",
	}, 1) {
		t.Fatal("expected execution duration histogram to record")
	}

	RecordWave("COMPLETED", 90*time.Second, 3)
	if !metricHistogramCountGreaterOrEqual(t, "drs_orchestrator_wave_duration_seconds", map[string]string{"status": "COMPLETED"}, 1) {
		t.Fatal("expected wave duration histogram to record")
	}
	if !metricHistogramCountGreaterOrEqual(t, "drs_orchestrator_wave_server_count", map[string]string{"status": "COMPLETED"}, 1) {
		t.Fatal("expected wave server count histogram to record")
	}
}

func TestRecordPollerMetrics(t *testing.T) {
	RecordPoll("111122223333", "us-east-1")
	if !metricCounterGreaterOrEqual(t, "drs_orchestrator_poller_polls_total", map[string]string{
		"account_id": "111122223333",
		"region":     "us-east-1",
	}, 1) {
		t.Fatal("expected poll counter to increase")
	}

	RecordServerLaunchOutcome("LAUNCHED")
	if !metricCounterGreaterOrEqual(t, "drs_orchestrator_poller_server_launch_outcomes_total", map[string]string{"status": "LAUNCHED"}, 1) {
		t.Fatal("expected server launch outcome counter to increase")
	}

	SetTrackedJobs(7)
	if !metricGaugeEquals(t, "drs_orchestrator_poller_tracked_jobs", nil, 7) {
		t.Fatal("expected tracked jobs gauge to be set")
	}

	RecordDRSCall("DescribeJobs", "success", 25*time.Millisecond)
	if !metricHistogramCountGreaterOrEqual(t, "drs_orchestrator_drs_call_duration_seconds", map[string]string{
		"operation": "DescribeJobs",
		"outcome":   "success",
	}, 1) {
		t.Fatal("expected DRS call duration histogram to record")
	}

	SetCircuitBreakerState("111122223333", "us-east-1", 2)
	if !metricGaugeEquals(t, "drs_orchestrator_drs_circuit_breaker_state", map[string]string{
		"account_id": "111122223333",
		"region":     "us-east-1",
	}, 2) {
		t.Fatal("expected circuit breaker state gauge to be set")
	}
}

func TestCanonicalPath(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"", "/"},
		{"/", "/"},
		{"//", "/"},
		{"/executions", "/executions"},
		{"/executions/exec-1", "/executions/:id"},
		{"/executions/exec-1/commands", "/executions/:id/commands"},
		{"/commands", "/commands"},
		{"/commands/start", "/commands/:kind"},
		{"/metrics", "/metrics"},
	}
	for _, tt := range tests {
		if got := canonicalPath(tt.input); got != tt.expected {
			t.Errorf("canonicalPath(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func metricCounterGreaterOrEqual(t *testing.T, name string, labels map[string]string, min float64) bool {
	t.Helper()
	families, err := Registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			if labelsMatch(metric, labels) && metric.GetCounter() != nil {
				return metric.GetCounter().GetValue() >= min
			}
		}
	}
	return false
}

func metricGaugeEquals(t *testing.T, name string, labels map[string]string, expected float64) bool {
	t.Helper()
	families, err := Registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			if labelsMatch(metric, labels) && metric.GetGauge() != nil {
				return metric.GetGauge().GetValue() == expected
			}
		}
	}
	return false
}

func metricHistogramCountGreaterOrEqual(t *testing.T, name string, labels map[string]string, min uint64) bool {
	t.Helper()
	families, err := Registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			if labelsMatch(metric, labels) && metric.GetHistogram() != nil {
				return metric.GetHistogram().GetSampleCount() >= min
			}
		}
	}
	return false
}

func labelsMatch(metric *io_prometheus_client.Metric, labels map[string]string) bool {
	if len(metric.GetLabel()) < len(labels) {
		return false
	}
	matched := 0
	for _, lbl := range metric.GetLabel() {
		if val, ok := labels[lbl.GetName()]; ok && val == lbl.GetValue() {
			matched++
		}
	}
	return matched == len(labels)
}
