package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/marcus/medsync/internal/sync"
)

const namespace = "medsync"

// Metrics holds the Prometheus collectors for one server. Each server has
// its own registry so tests can run several side by side.
type Metrics struct {
	registry *prometheus.Registry

	Requests        *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	RecordsReceived *prometheus.CounterVec
	Exchanges       *prometheus.CounterVec
	RateLimited     *prometheus.CounterVec
}

// NewMetrics creates the collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Requests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by route pattern and status class",
			},
			[]string{"route", "status"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency by route pattern",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
			},
			[]string{"route"},
		),
		RecordsReceived: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_received_total",
				Help:      "Records ingested from peers by outcome",
			},
			[]string{"peer", "outcome"},
		),
		Exchanges: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "exchanges_total",
				Help:      "Exchanges handled by direction and transmission state",
			},
			[]string{"peer", "direction", "state"},
		),
		RateLimited: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_total",
				Help:      "Requests refused by the per-peer rate limiter",
			},
			[]string{"peer"},
		),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordRequest counts a finished request.
func (m *Metrics) RecordRequest(route string, status int, seconds float64) {
	if route == "" {
		route = "unmatched"
	}
	m.Requests.WithLabelValues(route, strconv.Itoa(status/100)+"xx").Inc()
	m.RequestDuration.WithLabelValues(route).Observe(seconds)
}

// RecordImport counts the records of one ingested transmission.
func (m *Metrics) RecordImport(peer string, res sync.ApplyResult) {
	m.RecordsReceived.WithLabelValues(peer, "committed").Add(float64(res.Committed))
	m.RecordsReceived.WithLabelValues(peer, "already_committed").Add(float64(res.AlreadyCommitted))
	m.RecordsReceived.WithLabelValues(peer, "failed").Add(float64(res.Failed))
	m.RecordsReceived.WithLabelValues(peer, "rejected").Add(float64(res.Rejected))
}

// peerLabel names a peer in metrics by its nickname, whatever reference the
// request used.
func (s *Server) peerLabel(ctx context.Context, peerID string) string {
	if p, err := s.engine.GetPeer(ctx, peerID); err == nil {
		return p.Nickname
	}
	return peerID
}

// RecordExchange counts an exchange by its resulting state.
func (m *Metrics) RecordExchange(peer, direction, state string) {
	m.Exchanges.WithLabelValues(peer, direction, state).Inc()
}
