package metrics

import (
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	Namespace = "skein_provisioner"

	LaunchSucceeded = "succeeded"
	LaunchTimedOut  = "timed_out"
	LaunchFailed    = "failed"
)

// ProvisionerMetrics holds the Prometheus collectors updated by the driver supervisor and by kernel provisioners.
//
// All the Observe methods may be called on a nil *ProvisionerMetrics, in which case they do nothing.
type ProvisionerMetrics struct {
	log logger.Logger

	registry *prometheus.Registry

	// SupervisorRestartsCounter counts how many times the resource manager client was torn down and recreated.
	SupervisorRestartsCounter prometheus.Counter

	// FailedHealthChecksCounter counts pings of the resource manager client that failed.
	FailedHealthChecksCounter prometheus.Counter

	// KernelLaunchesCounterVec counts kernel launches, labelled by "outcome".
	KernelLaunchesCounterVec *prometheus.CounterVec

	// ConnectAttemptsCounter counts individual attempts to connect to a submitted application.
	ConnectAttemptsCounter prometheus.Counter

	// LaunchLatencySecondsHistogram is the time from submission to receipt of the kernel's connection info.
	LaunchLatencySecondsHistogram prometheus.Histogram
}

// NewProvisionerMetrics creates the collectors and registers them with a dedicated registry, along with
// the standard Go and process collectors.
func NewProvisionerMetrics(nodeId string) (*ProvisionerMetrics, error) {
	m := &ProvisionerMetrics{
		registry: prometheus.NewRegistry(),
	}
	config.InitLogger(&m.log, m)

	constLabels := prometheus.Labels{"node_id": nodeId}

	m.SupervisorRestartsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   Namespace,
		Subsystem:   "supervisor",
		Name:        "restarts_total",
		Help:        "Number of times the resource manager client was recreated.",
		ConstLabels: constLabels,
	})

	m.FailedHealthChecksCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   Namespace,
		Subsystem:   "supervisor",
		Name:        "failed_health_checks_total",
		Help:        "Number of failed pings of the resource manager client.",
		ConstLabels: constLabels,
	})

	m.KernelLaunchesCounterVec = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   Namespace,
		Subsystem:   "kernel",
		Name:        "launches_total",
		Help:        "Number of kernel launches by outcome.",
		ConstLabels: constLabels,
	}, []string{"outcome"})

	m.ConnectAttemptsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   Namespace,
		Subsystem:   "kernel",
		Name:        "connect_attempts_total",
		Help:        "Number of attempts made to connect to submitted kernel applications.",
		ConstLabels: constLabels,
	})

	m.LaunchLatencySecondsHistogram = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   Namespace,
		Subsystem:   "kernel",
		Name:        "launch_latency_seconds",
		Help:        "Time from submitting a kernel application to receiving its connection info.",
		ConstLabels: constLabels,
		Buckets:     []float64{1, 2, 5, 10, 15, 20, 30, 45, 60, 90, 120, 180, 300},
	})

	cs := []prometheus.Collector{
		m.SupervisorRestartsCounter,
		m.FailedHealthChecksCounter,
		m.KernelLaunchesCounterVec,
		m.ConnectAttemptsCounter,
		m.LaunchLatencySecondsHistogram,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}

	for _, collector := range cs {
		if err := m.registry.Register(collector); err != nil {
			m.log.Error("Failed to register Prometheus collector: %v", err)
			return nil, errors.Wrap(err, "failed to register Prometheus collector")
		}
	}

	return m, nil
}

// Registry returns the registry that the collectors are registered with.
func (m *ProvisionerMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// HandleRequest handles Prometheus HTTP requests (when Prometheus is scraping for metrics).
func (m *ProvisionerMetrics) HandleRequest(c *gin.Context) {
	promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(c.Writer, c.Request)
}

func (m *ProvisionerMetrics) ObserveSupervisorRestart() {
	if m == nil {
		return
	}

	m.SupervisorRestartsCounter.Inc()
}

func (m *ProvisionerMetrics) ObserveFailedHealthCheck() {
	if m == nil {
		return
	}

	m.FailedHealthChecksCounter.Inc()
}

func (m *ProvisionerMetrics) ObserveConnectAttempt() {
	if m == nil {
		return
	}

	m.ConnectAttemptsCounter.Inc()
}

// ObserveKernelLaunch records the outcome of a launch. The latency is recorded only for successful launches.
func (m *ProvisionerMetrics) ObserveKernelLaunch(outcome string, latency time.Duration) {
	if m == nil {
		return
	}

	m.KernelLaunchesCounterVec.With(prometheus.Labels{"outcome": outcome}).Inc()

	if outcome == LaunchSucceeded {
		m.LaunchLatencySecondsHistogram.Observe(latency.Seconds())
	}
}
