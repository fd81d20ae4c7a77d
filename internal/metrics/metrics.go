package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "didcomm"

// Role labels distinguish inbound (server) from outbound (client) connections.
const (
	RoleServer = "server"
	RoleClient = "client"
)

// Metrics collects transport counters. All methods are safe on a nil receiver so
// components can run without instrumentation.
type Metrics struct {
	gatherer prometheus.Gatherer

	receivedMessages  prometheus.Counter
	exchanges         *prometheus.CounterVec
	exchangeDuration  *prometheus.HistogramVec
	activeConnections *prometheus.GaugeVec
	connectionFaults  *prometheus.CounterVec
	pendingWaiters    prometheus.Gauge
	pooledConnections prometheus.Gauge
	outboundRequests  *prometheus.CounterVec
}

// New registers the collectors on reg. A nil reg uses a fresh private registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		receivedMessages: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inbound",
			Name:      "received_messages_total",
			Help:      "Total number of inbound messages handed to a session",
		}),
		exchanges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inbound",
			Name:      "exchanges_total",
			Help:      "Completed exchanges by HTTP status",
		}, []string{"method", "status"}),
		exchangeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "inbound",
			Name:      "exchange_duration_seconds",
			Help:      "Time from request completion to response emission",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"method"}),
		activeConnections: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "active_connections",
			Help:      "Open HTTP/2 connections",
		}, []string{"role"}),
		connectionFaults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "connection_closures_total",
			Help:      "Connection closures by role and cause",
		}, []string{"role", "cause"}),
		pendingWaiters: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "outbound",
			Name:      "pending_waiters",
			Help:      "Outbound requests awaiting a response",
		}),
		pooledConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "outbound",
			Name:      "pooled_connections",
			Help:      "Connections held by the outbound pool",
		}),
		outboundRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbound",
			Name:      "requests_total",
			Help:      "Outbound requests by result",
		}, []string{"result"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) MessageReceived() {
	if m == nil {
		return
	}
	m.receivedMessages.Inc()
}

func (m *Metrics) ExchangeCompleted(method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.exchanges.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.exchangeDuration.WithLabelValues(method).Observe(d.Seconds())
}

func (m *Metrics) ConnectionOpened(role string) {
	if m == nil {
		return
	}
	m.activeConnections.WithLabelValues(role).Inc()
}

func (m *Metrics) ConnectionClosed(role, cause string) {
	if m == nil {
		return
	}
	m.activeConnections.WithLabelValues(role).Dec()
	m.connectionFaults.WithLabelValues(role, cause).Inc()
}

func (m *Metrics) SetPendingWaiters(n int) {
	if m == nil {
		return
	}
	m.pendingWaiters.Set(float64(n))
}

func (m *Metrics) SetPooledConnections(n int) {
	if m == nil {
		return
	}
	m.pooledConnections.Set(float64(n))
}

func (m *Metrics) OutboundRequest(result string) {
	if m == nil {
		return
	}
	m.outboundRequests.WithLabelValues(result).Inc()
}
