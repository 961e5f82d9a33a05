// Package metrics exports worker metrics to Prometheus and samples GPU state
// from nvidia-smi.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"refgen_worker/pipeline"
)

// Namespace prefixes every metric name.
const Namespace = "refgen"

// Collector owns a private registry so tests and multiple workers in one
// process never collide on the global one.
//
// Collector implements pipeline.Observer and handlers.Observer.
type Collector struct {
	registry *prometheus.Registry

	buildsTotal   *prometheus.CounterVec
	buildDuration prometheus.Histogram
	features      *prometheus.CounterVec
	ready         prometheus.Gauge

	generationsTotal   *prometheus.CounterVec
	generationDuration prometheus.Histogram

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	queueDepth prometheus.Gauge
	jobsTotal  *prometheus.CounterVec

	gpuAvailable   prometheus.Gauge
	gpuUtilization *prometheus.GaugeVec
	gpuTemperature *prometheus.GaugeVec
	gpuMemoryUsed  *prometheus.GaugeVec
	gpuMemoryTotal *prometheus.GaugeVec
}

// NewCollector registers all worker metrics plus the Go runtime and process
// collectors on a fresh registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	// Model loads take tens of seconds to minutes.
	loadBuckets := []float64{1, 5, 15, 30, 60, 120, 300, 600}
	genBuckets := []float64{0.5, 1, 2, 5, 10, 20, 40, 80, 160}

	c := &Collector{registry: reg}

	c.buildsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "pipeline_builds_total",
		Help:      "Pipeline construction attempts by result.",
	}, []string{"result"})
	c.buildDuration = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: Namespace,
		Name:      "pipeline_build_duration_seconds",
		Help:      "Time spent constructing the pipeline.",
		Buckets:   loadBuckets,
	})
	c.features = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "pipeline_feature_outcomes_total",
		Help:      "Optional feature outcomes by feature and state (enabled, degraded, skipped).",
	}, []string{"feature", "state"})
	c.ready = f.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "pipeline_ready",
		Help:      "1 once the pipeline has been built.",
	})

	c.generationsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "generations_total",
		Help:      "Model invocations by result.",
	}, []string{"result"})
	c.generationDuration = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: Namespace,
		Name:      "generation_duration_seconds",
		Help:      "Model invocation latency.",
		Buckets:   genBuckets,
	})

	c.requestsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "requests_total",
		Help:      "Handled generation requests by outcome (success or failure kind).",
	}, []string{"outcome"})
	c.requestDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Name:      "request_duration_seconds",
		Help:      "End-to-end handler latency by outcome.",
		Buckets:   genBuckets,
	}, []string{"outcome"})

	c.httpRequestsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by method, route and status.",
	}, []string{"method", "route", "status"})
	c.httpRequestDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})

	c.queueDepth = f.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "job_queue_depth",
		Help:      "Async jobs waiting for a worker.",
	})
	c.jobsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "jobs_total",
		Help:      "Async jobs by final status.",
	}, []string{"status"})

	c.gpuAvailable = f.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "gpu_available",
		Help:      "1 when nvidia-smi returned a sample.",
	})
	c.gpuUtilization = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "gpu_utilization_percent",
		Help:      "GPU utilization.",
	}, []string{"gpu", "name"})
	c.gpuTemperature = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "gpu_temperature_celsius",
		Help:      "GPU temperature.",
	}, []string{"gpu", "name"})
	c.gpuMemoryUsed = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "gpu_memory_used_bytes",
		Help:      "GPU memory in use.",
	}, []string{"gpu", "name"})
	c.gpuMemoryTotal = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "gpu_memory_total_bytes",
		Help:      "GPU memory capacity.",
	}, []string{"gpu", "name"})

	return c
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// BuildFinished implements pipeline.Observer.
func (c *Collector) BuildFinished(elapsed time.Duration, err error) {
	c.buildsTotal.WithLabelValues(resultLabel(err)).Inc()
	c.buildDuration.Observe(elapsed.Seconds())
	if err == nil {
		c.ready.Set(1)
	}
}

// FeatureRecorded implements pipeline.Observer.
func (c *Collector) FeatureRecorded(o pipeline.FeatureOutcome) {
	state := "skipped"
	switch {
	case o.Succeeded:
		state = "enabled"
	case o.Degraded():
		state = "degraded"
	}
	c.features.WithLabelValues(o.Feature, state).Inc()
}

// GenerateFinished implements pipeline.Observer.
func (c *Collector) GenerateFinished(elapsed time.Duration, err error) {
	c.generationsTotal.WithLabelValues(resultLabel(err)).Inc()
	c.generationDuration.Observe(elapsed.Seconds())
}

// RequestFinished implements handlers.Observer.
func (c *Collector) RequestFinished(outcome string, elapsed time.Duration) {
	c.requestsTotal.WithLabelValues(outcome).Inc()
	c.requestDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// RecordHTTPRequest records one served HTTP request. route should be the
// route pattern, not the raw path, to keep cardinality bounded.
func (c *Collector) RecordHTTPRequest(method, route string, status int, elapsed time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// SetQueueDepth reports how many async jobs are waiting.
func (c *Collector) SetQueueDepth(n int) {
	c.queueDepth.Set(float64(n))
}

// JobFinished counts an async job by its final status.
func (c *Collector) JobFinished(status string) {
	c.jobsTotal.WithLabelValues(status).Inc()
}

// UpdateGPUMetrics publishes one sample per device.
func (c *Collector) UpdateGPUMetrics(samples []GPUMetrics) {
	c.gpuAvailable.Set(1)
	for _, s := range samples {
		labels := []string{strconv.Itoa(s.Index), s.Name}
		c.gpuUtilization.WithLabelValues(labels...).Set(s.Utilization)
		c.gpuTemperature.WithLabelValues(labels...).Set(s.Temperature)
		c.gpuMemoryUsed.WithLabelValues(labels...).Set(float64(s.MemoryUsed))
		c.gpuMemoryTotal.WithLabelValues(labels...).Set(float64(s.MemoryTotal))
	}
}

// SetGPUUnavailable marks the GPU as unreadable.
func (c *Collector) SetGPUUnavailable() {
	c.gpuAvailable.Set(0)
}
