// Package svcmetrics is the engine's optional Prometheus instrumentation,
// grounded on the teacher's internal/metrics/prometheus.go. A nil
// *Collector disables instrumentation entirely; every call site on the
// hot path guards on nil before touching a collector, so metrics never
// gate correctness.
package svcmetrics

import "github.com/prometheus/client_golang/prometheus"

// Collector holds every metric the engine records.
type Collector struct {
	registry *prometheus.Registry

	ConnectionsActive prometheus.Gauge
	LinksLeased       prometheus.Gauge
	CreditsIssued     prometheus.Counter
	MessagesSettled   *prometheus.CounterVec // label: outcome
	SendDuration      prometheus.Histogram
	LockRenewals      prometheus.Counter
	ManagementLatency prometheus.Histogram
}

// New creates a Collector registered on a fresh Prometheus registry,
// namespaced "svcbus", mirroring the teacher's PrometheusMetrics constructor.
func New() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "svcbus", Name: "connections_active", Help: "AMQP connections currently held by the pool.",
		}),
		LinksLeased: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "svcbus", Name: "links_leased", Help: "Links currently leased across all connections.",
		}),
		CreditsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "svcbus", Name: "credits_issued_total", Help: "Flow credits issued to receiver links.",
		}),
		MessagesSettled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "svcbus", Name: "messages_settled_total", Help: "Messages settled, by outcome.",
		}, []string{"outcome"}),
		SendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "svcbus", Name: "send_duration_seconds", Help: "Sender.Send latency.",
			Buckets: prometheus.DefBuckets,
		}),
		LockRenewals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "svcbus", Name: "lock_renewals_total", Help: "Successful lock renewals.",
		}),
		ManagementLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "svcbus", Name: "management_request_duration_seconds", Help: "Management request round-trip latency.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(c.ConnectionsActive, c.LinksLeased, c.CreditsIssued, c.MessagesSettled,
		c.SendDuration, c.LockRenewals, c.ManagementLatency)
	return c
}

// Registry exposes the underlying registry for an application to mount on
// an HTTP /metrics endpoint via promhttp.HandlerFor.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }
