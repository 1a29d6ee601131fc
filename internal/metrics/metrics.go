// Package metrics owns the Prometheus collectors for the platform and the
// scrape handler the ops listener mounts. Instruments register against a
// private registry so embedding applications and tests never collide on the
// default one.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trellishq/trellis/internal/channels"
	"github.com/trellishq/trellis/internal/circuitbreaker"
	"github.com/trellishq/trellis/internal/tasks"
)

// taskDurationBuckets stretch well past the request buckets; background
// work routinely runs for minutes.
var taskDurationBuckets = []float64{
	0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 600,
}

// Metrics bundles every exported instrument. HTTP instruments are written
// directly by the instrumentation middleware; breaker, worker and channel
// metrics are read from their owners at scrape time.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	taskEvents      *prometheus.CounterVec
	taskDuration    *prometheus.HistogramVec
}

// New creates the instrument set on a fresh registry, including the standard
// Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trellis_http_requests_total",
			Help: "HTTP requests served, by method, matched route and status.",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trellis_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		taskEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trellis_task_events_total",
			Help: "Task lifecycle events (started, completed, retried, failed) by queue.",
		}, []string{"queue", "event"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trellis_task_duration_seconds",
			Help:    "Task execution time from claim to completion.",
			Buckets: taskDurationBuckets,
		}, []string{"queue"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requestsTotal,
		m.requestDuration,
		m.taskEvents,
		m.taskDuration,
	)
	return m
}

// Registry exposes the underlying registry for additional collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler returns the scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest is called once per finished HTTP exchange.
func (m *Metrics) RecordRequest(method, route string, status int, elapsed time.Duration) {
	m.requestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// ObserveWorker counts task lifecycle events through the worker's signal hub
// and exports the worker gauges at scrape time.
func (m *Metrics) ObserveWorker(w *tasks.Worker) {
	sig := w.Signals()
	sig.OnStarted(func(t *tasks.Task) {
		m.taskEvents.WithLabelValues(t.Queue, "started").Inc()
	})
	sig.OnCompleted(func(t *tasks.Task) {
		m.taskEvents.WithLabelValues(t.Queue, "completed").Inc()
		if t.StartedAt != nil && t.CompletedAt != nil {
			m.taskDuration.WithLabelValues(t.Queue).
				Observe(t.CompletedAt.Sub(*t.StartedAt).Seconds())
		}
	})
	sig.OnRetried(func(t *tasks.Task) {
		m.taskEvents.WithLabelValues(t.Queue, "retried").Inc()
	})
	sig.OnFailed(func(t *tasks.Task) {
		m.taskEvents.WithLabelValues(t.Queue, "failed").Inc()
	})
	m.registry.MustRegister(&workerCollector{worker: w})
}

// ObserveBreakers exports per-upstream breaker state and outcome totals.
func (m *Metrics) ObserveBreakers(reg *circuitbreaker.Registry) {
	m.registry.MustRegister(&breakerCollector{breakers: reg})
}

// ObserveChannels exports group pub/sub occupancy.
func (m *Metrics) ObserveChannels(layer *channels.Layer) {
	m.registry.MustRegister(&layerCollector{layer: layer})
}

// ObserveSessions exports the live WebSocket session count. count is called
// at scrape time.
func (m *Metrics) ObserveSessions(count func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "trellis_channel_sessions",
		Help: "Open WebSocket sessions.",
	}, func() float64 { return float64(count()) }))
}

var (
	breakerStateDesc = prometheus.NewDesc(
		"trellis_breaker_state",
		"Circuit breaker state (0=closed, 1=open, 2=half_open).",
		[]string{"upstream"}, nil)
	breakerRequestsDesc = prometheus.NewDesc(
		"trellis_breaker_requests_total",
		"Outcomes recorded by each breaker.",
		[]string{"upstream", "outcome"}, nil)
)

// breakerCollector reads the breaker registry at scrape time; breakers come
// and go with upstream hosts, so const metrics beat pre-registered vectors.
type breakerCollector struct {
	breakers *circuitbreaker.Registry
}

func (c *breakerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- breakerStateDesc
	ch <- breakerRequestsDesc
}

func (c *breakerCollector) Collect(ch chan<- prometheus.Metric) {
	for host, snap := range c.breakers.Snapshots() {
		ch <- prometheus.MustNewConstMetric(breakerStateDesc,
			prometheus.GaugeValue, stateValue(snap.State), host)
		ch <- prometheus.MustNewConstMetric(breakerRequestsDesc,
			prometheus.CounterValue, float64(snap.TotalSuccesses), host, "success")
		ch <- prometheus.MustNewConstMetric(breakerRequestsDesc,
			prometheus.CounterValue, float64(snap.TotalFailures), host, "failure")
		ch <- prometheus.MustNewConstMetric(breakerRequestsDesc,
			prometheus.CounterValue, float64(snap.TotalRejected), host, "rejected")
	}
}

func stateValue(state string) float64 {
	switch state {
	case "open":
		return 1
	case "half_open":
		return 2
	default:
		return 0
	}
}

var (
	tasksInFlightDesc = prometheus.NewDesc(
		"trellis_tasks_in_flight",
		"Task handlers currently executing.",
		nil, nil)
	tasksStaleDesc = prometheus.NewDesc(
		"trellis_tasks_stale_released_total",
		"Tasks reclaimed from workers presumed dead.",
		nil, nil)
)

type workerCollector struct {
	worker *tasks.Worker
}

func (c *workerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- tasksInFlightDesc
	ch <- tasksStaleDesc
}

func (c *workerCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.worker.Stats()
	ch <- prometheus.MustNewConstMetric(tasksInFlightDesc,
		prometheus.GaugeValue, float64(stats.InFlight))
	ch <- prometheus.MustNewConstMetric(tasksStaleDesc,
		prometheus.CounterValue, float64(stats.StaleReleased))
}

var (
	channelGroupsDesc = prometheus.NewDesc(
		"trellis_channel_groups",
		"Groups with at least one member.",
		nil, nil)
	channelGroupedDesc = prometheus.NewDesc(
		"trellis_channel_grouped_sessions",
		"Distinct sessions that belong to at least one group.",
		nil, nil)
)

type layerCollector struct {
	layer *channels.Layer
}

func (c *layerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- channelGroupsDesc
	ch <- channelGroupedDesc
}

func (c *layerCollector) Collect(ch chan<- prometheus.Metric) {
	groups, sessions := c.layer.Snapshot()
	ch <- prometheus.MustNewConstMetric(channelGroupsDesc,
		prometheus.GaugeValue, float64(len(groups)))
	ch <- prometheus.MustNewConstMetric(channelGroupedDesc,
		prometheus.GaugeValue, float64(sessions))
}
