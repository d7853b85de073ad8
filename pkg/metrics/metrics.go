// Package metrics exposes the engine's Prometheus collectors: HTTP request
// instrumentation for the Command Gateway's API surface, and domain
// counters/histograms for Execution outcomes, wave durations, Job Poller
// activity, and DRS call latency.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds this engine's collectors, kept separate from the default
// global registry so tests can construct throwaway instances.
var Registry = prometheus.NewRegistry()

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "drs_orchestrator",
		Subsystem: "http",
		Name:      "inflight_requests",
		Help:      "Current number of in-flight HTTP requests.",
	})

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "drs_orchestrator",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of HTTP requests handled by the Command Gateway.",
	}, []string{"method", "path", "status"})

	httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "drs_orchestrator",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Duration of Command Gateway HTTP requests.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
	}, []string{"method", "path"})

	executionOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "drs_orchestrator",
		Subsystem: "execution",
		Name:      "outcomes_total",
		Help:      "Total number of Executions reaching a terminal status.",
	}, []string{"type", "status"})

	executionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "drs_orchestrator",
		Subsystem: "execution",
		Name:      "duration_seconds",
		Help:      "Wall-clock duration of an Execution from start to terminal status.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~4.5h
	}, []string{"type", "status"})

	waveDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "drs_orchestrator",
		Subsystem: "wave",
		Name:      "duration_seconds",
		Help:      "Wall-clock duration of one wave from launch to settle.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"status"})

	waveServerCount = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "drs_orchestrator",
		Subsystem: "wave",
		Name:      "server_count",
		Help:      "Number of source servers launched per wave.",
		Buckets:   prometheus.LinearBuckets(1, 5, 10),
	}, []string{"status"})

	pollsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "drs_orchestrator",
		Subsystem: "poller",
		Name:      "polls_total",
		Help:      "Total number of Describe-Jobs polling ticks, per account/region.",
	}, []string{"account_id", "region"})

	pollOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "drs_orchestrator",
		Subsystem: "poller",
		Name:      "server_launch_outcomes_total",
		Help:      "Terminal ServerLaunch outcomes observed by the Job Poller.",
	}, []string{"status"})

	pollTrackedJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "drs_orchestrator",
		Subsystem: "poller",
		Name:      "tracked_jobs",
		Help:      "Current number of DRS jobs the Job Poller is tracking.",
	})

	drsCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "drs_orchestrator",
		Subsystem: "drs",
		Name:      "call_duration_seconds",
		Help:      "Duration of calls made to the DRS/EC2 Service collaborator.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"operation", "outcome"})

	circuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "drs_orchestrator",
		Subsystem: "drs",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state per account/region: 0=closed, 1=half-open, 2=open.",
	}, []string{"account_id", "region"})
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		executionOutcomes,
		executionDuration,
		waveDuration,
		waveServerCount,
		pollsTotal,
		pollOutcomes,
		pollTrackedJobs,
		drsCallDuration,
		circuitBreakerState,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler exposes the registered collectors for scraping.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps next with HTTP request counting/timing, skipping
// the metrics endpoint itself to avoid it showing up in its own counters.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordExecution records a terminal Execution outcome and its total
// duration.
func RecordExecution(execType, status string, duration time.Duration) {
	executionOutcomes.WithLabelValues(execType, status).Inc()
	if duration > 0 {
		executionDuration.WithLabelValues(execType, status).Observe(duration.Seconds())
	}
}

// RecordWave records a settled wave's outcome, duration and server count.
func RecordWave(status string, duration time.Duration, serverCount int) {
	if duration > 0 {
		waveDuration.WithLabelValues(status).Observe(duration.Seconds())
	}
	waveServerCount.WithLabelValues(status).Observe(float64(serverCount))
}

// RecordPoll increments the per-(account,region) polling tick counter.
func RecordPoll(accountID, region string) {
	pollsTotal.WithLabelValues(accountID, region).Inc()
}

// RecordServerLaunchOutcome records a terminal ServerLaunch status as
// observed by the Job Poller.
func RecordServerLaunchOutcome(status string) {
	pollOutcomes.WithLabelValues(status).Inc()
}

// SetTrackedJobs reports the Job Poller's current in-memory job count.
func SetTrackedJobs(n int) {
	pollTrackedJobs.Set(float64(n))
}

// RecordDRSCall records one DRS/EC2 Service call's latency and outcome.
func RecordDRSCall(operation, outcome string, duration time.Duration) {
	drsCallDuration.WithLabelValues(operation, outcome).Observe(duration.Seconds())
}

// SetCircuitBreakerState records a gobreaker.State on the gauge's documented scale,
// avoiding an import of gobreaker here (this package stays infrastructure-
// agnostic; callers pass the already-resolved int).
func SetCircuitBreakerState(accountID, region string, state int) {
	circuitBreakerState.WithLabelValues(accountID, region).Set(float64(state))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// canonicalPath collapses path parameters so the requests_total/duration
// label cardinality stays bounded regardless of how many distinct
// execution/plan ids are requested.
func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	switch parts[0] {
	case "executions":
		switch {
		case len(parts) == 1:
			return "/executions"
		case len(parts) == 2:
			return "/executions/:id"
		default:
			return "/executions/:id/" + strings.Join(parts[2:], "/")
		}
	case "commands":
		if len(parts) >= 2 {
			return "/commands/:kind"
		}
		return "/commands"
	default:
		return "/" + parts[0]
	}
}
