// Package metrics holds the server's Prometheus collectors. They live on a
// private registry so tests can build as many servers as they like.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "backhaul"

// Transfer directions and outcomes used as label values.
const (
	Upload   = "upload"
	Download = "download"

	ResultOK    = "ok"
	ResultError = "error"
)

// Metrics is the set of collectors updated by the server.
type Metrics struct {
	registry *prometheus.Registry

	Accepted               prometheus.Counter
	ReverseConnectFailures prometheus.Counter
	Commands               *prometheus.CounterVec
	RejectedCommands       *prometheus.CounterVec
	Transfers              *prometheus.CounterVec
	Bytes                  *prometheus.CounterVec
	StaleEvents            prometheus.Counter
	Pairings               prometheus.Gauge
	Downloads              prometheus.Gauge
	// EventDrops is set by ObserveEventDrops.
	EventDrops prometheus.CounterFunc
}

// New creates and registers the collectors, plus Go runtime and process
// collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		Accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_accepted_total",
			Help:      "Control connections accepted.",
		}),
		ReverseConnectFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reverse_connect_failures_total",
			Help:      "Reverse data connections that could not be established.",
		}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Well-formed commands dispatched, by operation.",
		}, []string{"op"}),
		RejectedCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_rejected_total",
			Help:      "Control frames rejected without a state change, by reason.",
		}, []string{"reason"}),
		Transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_total",
			Help:      "Finished transfers by direction and result.",
		}, []string{"direction", "result"}),
		Bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_bytes_total",
			Help:      "Bytes moved over data channels by direction.",
		}, []string{"direction"}),
		StaleEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_events_total",
			Help:      "Readiness events discarded because the descriptor had been reused.",
		}),
		Pairings: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pairings_active",
			Help:      "Control/data pairings currently open.",
		}),
		Downloads: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "downloads_active",
			Help:      "Download tasks queued or streaming.",
		}),
	}
	reg.MustRegister(
		m.Accepted,
		m.ReverseConnectFailures,
		m.Commands,
		m.RejectedCommands,
		m.Transfers,
		m.Bytes,
		m.StaleEvents,
		m.Pairings,
		m.Downloads,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveEventDrops exposes dropped(), the number of events a slow feed
// watcher missed, as backhaul_event_drops_total. Call it once.
func (m *Metrics) ObserveEventDrops(dropped func() uint64) {
	m.EventDrops = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "event_drops_total",
		Help:      "Events not delivered to an ops feed watcher because its queue was full.",
	}, func() float64 { return float64(dropped()) })
	m.registry.MustRegister(m.EventDrops)
}

// ObserveTransfer records a finished transfer.
func (m *Metrics) ObserveTransfer(direction string, bytes int64, err error) {
	result := ResultOK
	if err != nil {
		result = ResultError
	}
	m.Transfers.WithLabelValues(direction, result).Inc()
	if bytes > 0 {
		m.Bytes.WithLabelValues(direction).Add(float64(bytes))
	}
}
