// Package metrics holds the Prometheus instrumentation for the bridge.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Set contains every metric the bridge exports.
type Set struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ErrorsTotal     *prometheus.CounterVec
	TimeoutsTotal   prometheus.Counter
	PendingRequests prometheus.Gauge
	ActiveSessions  prometheus.Gauge
	SessionsEvicted *prometheus.CounterVec
	ChunksDelivered prometheus.Counter
	ChunksShed      prometheus.Counter
	SweptEntries    prometheus.Counter
	SweptSessions   prometheus.Counter
}

// New creates the metric set.
func New() *Set {
	return &Set{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "chatgate",
				Subsystem: "requests",
				Name:      "total",
				Help:      "Total requests accepted, by transport and outcome.",
			},
			[]string{"transport", "outcome"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "chatgate",
				Subsystem: "requests",
				Name:      "duration_seconds",
				Help:      "Time from submission to resolution.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"transport"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "chatgate",
				Subsystem: "requests",
				Name:      "errors_total",
				Help:      "Request failures by class.",
			},
			[]string{"class"},
		),
		TimeoutsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "chatgate",
				Subsystem: "requests",
				Name:      "timeouts_total",
				Help:      "Requests that expired before the consumer replied.",
			},
		),
		PendingRequests: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "chatgate",
				Subsystem: "correlation",
				Name:      "pending",
				Help:      "Correlation entries currently awaiting resolution.",
			},
		),
		ActiveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "chatgate",
				Subsystem: "sessions",
				Name:      "active",
				Help:      "Sessions currently open.",
			},
		),
		SessionsEvicted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "chatgate",
				Subsystem: "sessions",
				Name:      "closed_total",
				Help:      "Sessions closed, by reason.",
			},
			[]string{"reason"},
		),
		ChunksDelivered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "chatgate",
				Subsystem: "stream",
				Name:      "chunks_delivered_total",
				Help:      "Streaming chunks handed to a transport.",
			},
		),
		ChunksShed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "chatgate",
				Subsystem: "stream",
				Name:      "chunks_shed_total",
				Help:      "Streaming chunks dropped on a full queue.",
			},
		),
		SweptEntries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "chatgate",
				Subsystem: "sweeper",
				Name:      "entries_total",
				Help:      "Expired correlation entries removed by the sweeper.",
			},
		),
		SweptSessions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "chatgate",
				Subsystem: "sweeper",
				Name:      "sessions_total",
				Help:      "Idle sessions closed by the sweeper.",
			},
		),
	}
}

// Register installs the set plus Go runtime collectors on a fresh registry
// and returns it.
func (s *Set) Register() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		s.RequestsTotal,
		s.RequestDuration,
		s.ErrorsTotal,
		s.TimeoutsTotal,
		s.PendingRequests,
		s.ActiveSessions,
		s.SessionsEvicted,
		s.ChunksDelivered,
		s.ChunksShed,
		s.SweptEntries,
		s.SweptSessions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}
