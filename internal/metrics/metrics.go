// ABOUTME: Prometheus metrics for the runtime gateway on a per-instance registry.
// ABOUTME: Served by the HTTP ops surface at the configured metrics path.

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "coven_runtime"

// Event delivery results.
const (
	ResultDelivered    = "delivered"
	ResultDeadLettered = "dead_lettered"
	ResultDuplicate    = "duplicate"
	ResultRateLimited  = "rate_limited"
)

// RPC and state operation results.
const (
	ResultOK                = "ok"
	ResultError             = "error"
	ResultTimeout           = "timeout"
	ResultTargetUnavailable = "target_unavailable"
	ResultNoWorker          = "no_worker"
	ResultConflict          = "conflict"
	ResultNotFound          = "not_found"
)

// Metrics holds every collector the gateway updates.
type Metrics struct {
	registry *prometheus.Registry

	ConnectedWorkers prometheus.Gauge
	Events           *prometheus.CounterVec
	Redelivered      prometheus.Counter
	DeadLetterDrops  prometheus.Counter
	Placements       prometheus.Counter
	RPCs             *prometheus.CounterVec
	RPCDuration      prometheus.Histogram
	StateOps         *prometheus.CounterVec
	StateDuration    *prometheus.HistogramVec
}

// New creates the collectors and registers them, along with the Go runtime
// and process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ConnectedWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_workers",
			Help:      "Number of worker connections currently open",
		}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Published events by delivery result, counted per subscribed agent type",
		}, []string{"result"}),
		Redelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_redelivered_total",
			Help:      "Dead-lettered or buffered events delivered to a new subscription",
		}),
		DeadLetterDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letter_drops_total",
			Help:      "Dead letters dropped because a topic's list was full",
		}),
		Placements: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "placements_total",
			Help:      "New agent placements",
		}),
		RPCs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_requests_total",
			Help:      "Forwarded RPC requests by result",
		}, []string{"result"}),
		RPCDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rpc_duration_seconds",
			Help:      "Time from forwarding an RPC to relaying its response",
			Buckets:   prometheus.DefBuckets,
		}),
		StateOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_operations_total",
			Help:      "Agent state operations by operation and result",
		}, []string{"op", "result"}),
		StateDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "state_operation_duration_seconds",
			Help:      "Agent state operation latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ConnectedWorkers,
		m.Events,
		m.Redelivered,
		m.DeadLetterDrops,
		m.Placements,
		m.RPCs,
		m.RPCDuration,
		m.StateOps,
		m.StateDuration,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRPC records one finished RPC.
func (m *Metrics) ObserveRPC(result string, started time.Time) {
	m.RPCs.WithLabelValues(result).Inc()
	m.RPCDuration.Observe(time.Since(started).Seconds())
}

// ObserveState records one state store operation.
func (m *Metrics) ObserveState(op, result string, started time.Time) {
	m.StateOps.WithLabelValues(op, result).Inc()
	m.StateDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

// Gauge registers a gauge whose value is read from fn at scrape time.
func (m *Metrics) Gauge(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}
