package monitoring

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the JSON-RPC runtime, all under the rpc_ prefix.
var (
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rpc_connections_total",
		Help: "Total number of connections accepted (HTTP and WebSocket)",
	})

	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rpc_connections_active",
		Help: "Current number of open connections tracked for admission (HTTP connections, or raw WebSocket connections when HTTP is disabled; a connection upgraded to WebSocket on the HTTP listener stops counting once hijacked)",
	})

	ConnectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rpc_connections_rejected_total",
		Help: "Total connection attempts rejected, by reason",
	}, []string{"reason"})

	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rpc_requests_total",
		Help: "Total JSON-RPC calls dispatched, by method and outcome",
	}, []string{"method", "outcome"})

	RequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rpc_request_duration_seconds",
		Help:    "Call handler latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	ResponseBytes = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "rpc_response_bytes",
		Help:    "Serialized response size in bytes",
		Buckets: []float64{64, 256, 1024, 4096, 16384, 65536, 262144, 1048576},
	})

	BatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "rpc_batch_size",
		Help:    "Number of items per batch request",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128},
	})

	OversizedResponses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rpc_oversized_responses_total",
		Help: "Total responses rejected for exceeding max_response_body_size",
	})

	SubscriptionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rpc_subscriptions_active",
		Help: "Current number of live subscriptions across all connections",
	})

	SubscriptionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rpc_subscriptions_rejected_total",
		Help: "Total subscribe calls rejected, by reason",
	}, []string{"reason"})

	NotificationsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rpc_notifications_dropped_total",
		Help: "Total subscription notifications dropped, by reason",
	}, []string{"reason"})

	WorkerQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rpc_worker_queue_depth",
		Help: "Current number of call tasks waiting in a connection's dispatch queue",
	})

	GoroutinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rpc_goroutines_active",
		Help: "Current number of active goroutines",
	})

	CPUUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rpc_cpu_usage_percent",
		Help: "Current CPU usage percentage, from cgroup CPU accounting with a gopsutil host-sampling fallback",
	})

	MemoryUsageBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rpc_memory_bytes",
		Help: "Current process memory usage in bytes",
	})

	ErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rpc_errors_total",
		Help: "Total internal errors, by component and severity",
	}, []string{"component", "severity"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal, ConnectionsActive, ConnectionsRejected,
		RequestsTotal, RequestDuration, ResponseBytes, BatchSize,
		OversizedResponses, SubscriptionsActive, SubscriptionsRejected,
		NotificationsDropped, WorkerQueueDepth, GoroutinesActive,
		CPUUsagePercent, MemoryUsageBytes, ErrorsTotal,
	)
}

// Handler returns the Prometheus handler for the default registry; it
// answers on whatever path it is mounted at.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SampleRuntime updates the process-wide gauges (goroutines, heap) once;
// StartRuntimeSampler calls it on an interval. CPU usage is sampled
// separately by internal/server, using internal/limits' CPU monitor.
func SampleRuntime() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	MemoryUsageBytes.Set(float64(mem.Alloc))
	GoroutinesActive.Set(float64(runtime.NumGoroutine()))
}

// StartRuntimeSampler runs SampleRuntime every interval until stop is closed.
func StartRuntimeSampler(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				SampleRuntime()
			case <-stop:
				return
			}
		}
	}()
}

// RecordError increments ErrorsTotal for component/severity.
func RecordError(component, severity string) {
	ErrorsTotal.WithLabelValues(component, severity).Inc()
}

const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
	SeverityFatal    = "fatal"
)
