package metrics

import (
	"sync"

	"github.com/Perf-Org-5KRepos/data-broker/pkg/buildversion"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type BackendMetrics struct {
	RequestsPosted      metric.Int64Counter
	RequestsCompleted   metric.Int64Counter
	RequestsOutstanding metric.Int64UpDownCounter
	RequestsCanceled    metric.Int64Counter
	RequestLatency      metric.Float64Histogram
	Redirects           metric.Int64Counter
	TopologyRefreshes   metric.Int64Counter
	TopologyNodes       metric.Int64Gauge
}

var (
	backendMetrics     *BackendMetrics
	backendMetricsLock sync.Mutex
)

func GetBackendMetrics() *BackendMetrics {
	backendMetricsLock.Lock()

	if backendMetrics != nil {
		backendMetricsLock.Unlock()
		return backendMetrics
	}

	backendMetrics = newBackendMetrics()

	backendMetricsLock.Unlock()
	return backendMetrics
}

var buildVersion string = buildversion.GetVersion("github.com/Perf-Org-5KRepos/data-broker")

func newBackendMetrics() *BackendMetrics {
	return NewBackendMetrics(otel.Meter(
		"com.databroker.backend",
		metric.WithInstrumentationVersion(buildVersion)))
}

// NewBackendMetrics creates the backend instruments on meter. Most callers
// want the shared set from GetBackendMetrics.
func NewBackendMetrics(meter metric.Meter) *BackendMetrics {
	requestsPosted, _ := meter.Int64Counter("dbbe_requests_posted_total")
	requestsCompleted, _ := meter.Int64Counter("dbbe_requests_completed_total")
	requestsOutstanding, _ := meter.Int64UpDownCounter("dbbe_requests_outstanding")
	requestsCanceled, _ := meter.Int64Counter("dbbe_requests_canceled_total")
	requestLatency, _ := meter.Float64Histogram("dbbe_request_duration_seconds",
		metric.WithUnit("s"))
	redirects, _ := meter.Int64Counter("dbbe_redirects_total")
	topologyRefreshes, _ := meter.Int64Counter("dbbe_topology_refreshes_total")
	topologyNodes, _ := meter.Int64Gauge("dbbe_topology_nodes")

	return &BackendMetrics{
		RequestsPosted:      requestsPosted,
		RequestsCompleted:   requestsCompleted,
		RequestsOutstanding: requestsOutstanding,
		RequestsCanceled:    requestsCanceled,
		RequestLatency:      requestLatency,
		Redirects:           redirects,
		TopologyRefreshes:   topologyRefreshes,
		TopologyNodes:       topologyNodes,
	}
}
