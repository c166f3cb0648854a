// Package telemetry exposes the connection registry (C3) and job queue (C5)
// running counters as Prometheus gauges/counters on a dedicated registry, so
// /metrics never collides with the default global registerer other packages
// might touch in tests.
package telemetry

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/UnknownEngineOfficial/xteam/internal/queue"
	"github.com/UnknownEngineOfficial/xteam/internal/registry"
)

// NewRegistry builds a Prometheus registry populated with gauges that read
// live values off conns and q on every scrape.
func NewRegistry(conns *registry.Registry, q *queue.Queue) *prometheus.Registry {
	reg := prometheus.NewRegistry()

	reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Namespace: "xteam", Subsystem: "connections", Name: "active", Help: "Currently registered live sessions."},
		func() float64 { return float64(conns.Metrics().CurrentActive) },
	))
	reg.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{Namespace: "xteam", Subsystem: "connections", Name: "total", Help: "Total sessions ever registered."},
		func() float64 { return float64(conns.Metrics().TotalConnections) },
	))
	reg.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{Namespace: "xteam", Subsystem: "connections", Name: "messages_sent_total", Help: "Total messages delivered to live sessions."},
		func() float64 { return float64(conns.Metrics().TotalMessagesSent) },
	))
	reg.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{Namespace: "xteam", Subsystem: "connections", Name: "send_errors_total", Help: "Total delivery errors to live sessions."},
		func() float64 { return float64(conns.Metrics().TotalErrors) },
	))

	reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Namespace: "xteam", Subsystem: "queue", Name: "pending", Help: "Jobs waiting to be claimed."},
		func() float64 { return float64(queueStats(q).Pending) },
	))
	reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Namespace: "xteam", Subsystem: "queue", Name: "processing", Help: "Jobs currently claimed by a worker."},
		func() float64 { return float64(queueStats(q).Processing) },
	))
	reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Namespace: "xteam", Subsystem: "queue", Name: "dead_letter", Help: "Jobs that exhausted their retries."},
		func() float64 { return float64(queueStats(q).DeadLetter) },
	))

	return reg
}

// queueStats calls Stats with a background context and swallows errors —
// GaugeFunc collectors have no way to report an error, so a transient Redis
// hiccup just reads as a momentary zero rather than failing the scrape.
func queueStats(q *queue.Queue) queue.Stats {
	stats, err := q.Stats(context.Background())
	if err != nil {
		return queue.Stats{}
	}
	return stats
}
