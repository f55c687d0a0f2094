package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles process-level counters. Durable aggregates (cases
// registered, reunions) live in the document store; these mirror them for
// scraping and add operational gauges.
type Metrics struct {
	registry *prometheus.Registry

	CasesRegistered prometheus.Counter
	Reunions        prometheus.Counter
	Searches        prometheus.Counter
	SearchRejected  prometheus.Counter
	LiveSessions    prometheus.Gauge
}

// New constructs a registry with all collectors registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		CasesRegistered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "findkin_cases_registered_total",
			Help: "Cases fully committed by the registration flow.",
		}),
		Reunions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "findkin_reunions_total",
			Help: "Cases closed with reunited=true.",
		}),
		Searches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "findkin_similarity_searches_total",
			Help: "Similarity searches that passed the cooldown gate.",
		}),
		SearchRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "findkin_similarity_searches_rejected_total",
			Help: "Similarity searches rejected by the cooldown.",
		}),
		LiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "findkin_notification_sessions",
			Help: "Currently connected notification push sessions.",
		}),
	}
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.CasesRegistered,
		m.Reunions,
		m.Searches,
		m.SearchRejected,
		m.LiveSessions,
	)
	return m
}

// Handler exposes the scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
