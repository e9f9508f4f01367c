package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "gather"

const (
	streamKindMessages = "messages"
	streamKindPresence = "presence"

	presenceResultAccepted    = "accepted"
	presenceResultRateLimited = "rate_limited"
	presenceResultRejected    = "rejected"
)

// Metrics owns a private registry so handlers built in tests do not collide.
type Metrics struct {
	registry         *prometheus.Registry
	requests         *prometheus.CounterVec
	messagesInserted prometheus.Counter
	presenceTracks   *prometheus.CounterVec
	activeStreams    *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	metrics := &Metrics{
		registry: registry,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		messagesInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_inserted_total",
			Help:      "Messages accepted by the API.",
		}),
		presenceTracks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "presence_tracks_total",
			Help:      "Presence track requests by result.",
		}, []string{"result"}),
		activeStreams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_streams",
			Help:      "Open server-sent event streams by kind.",
		}, []string{"kind"}),
	}
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.requests,
		metrics.messagesInserted,
		metrics.presenceTracks,
		metrics.activeStreams,
	)
	return metrics
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) instrument(c *gin.Context) {
	c.Next()
	route := c.FullPath()
	if route == "" {
		route = "unmatched"
	}
	m.requests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
}

func (m *Metrics) streamOpened(kind string) func() {
	gauge := m.activeStreams.WithLabelValues(kind)
	gauge.Inc()
	return gauge.Dec
}
