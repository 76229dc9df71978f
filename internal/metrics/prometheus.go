package metrics

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"scopesafe/internal/lifetime"
)

// PrometheusCollector keeps metrics in its own registry and serves them
// through Handler.
type PrometheusCollector struct {
	registry *prometheus.Registry

	checkouts       *prometheus.CounterVec
	settlements     *prometheus.CounterVec
	availableSlots  prometheus.Gauge
	remainingInTier *prometheus.GaugeVec
	claimedPercent  prometheus.Gauge
	swept           prometheus.Counter
	requests        *prometheus.CounterVec
	requestLatency  *prometheus.HistogramVec
}

// NewPrometheusCollector creates the collector and registers its metrics
// plus the Go runtime and process collectors.
func NewPrometheusCollector() *PrometheusCollector {
	p := &PrometheusCollector{
		registry: prometheus.NewRegistry(),

		checkouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lifetime_checkouts_total",
				Help: "Lifetime checkout attempts by outcome.",
			},
			[]string{"outcome"},
		),
		settlements: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stripe_settlements_total",
				Help: "Stripe webhook settlements by event type and outcome.",
			},
			[]string{"event_type", "outcome"},
		),
		availableSlots: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lifetime_available_slots",
			Help: "Unclaimed lifetime slots across all tiers at the last availability read.",
		}),
		remainingInTier: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "lifetime_remaining_in_tier",
				Help: "Slots left in the currently open tier.",
			},
			[]string{"tier"},
		),
		claimedPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lifetime_claimed_percentage",
			Help: "Share of lifetime capacity that is paid or reserved.",
		}),
		swept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lifetime_reservations_swept_total",
			Help: "Lapsed pending reservations marked expired by the sweeper.",
		}),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "API requests by method, route pattern and status.",
			},
			[]string{"method", "route", "status"},
		),
		requestLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "API request latency by method and route pattern.",
				Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "route"},
		),
	}

	p.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		p.checkouts, p.settlements,
		p.availableSlots, p.remainingInTier, p.claimedPercent,
		p.swept, p.requests, p.requestLatency,
	)
	return p
}

// Handler serves the registry in the Prometheus exposition format.
func (p *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (p *PrometheusCollector) Registry() *prometheus.Registry {
	return p.registry
}

func norm(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

func (p *PrometheusCollector) RecordCheckout(_ context.Context, outcome string) {
	p.checkouts.WithLabelValues(norm(outcome)).Inc()
}

func (p *PrometheusCollector) RecordSettlement(_ context.Context, eventType, outcome string) {
	p.settlements.WithLabelValues(norm(eventType), norm(outcome)).Inc()
}

// RecordAvailability replaces the remaining-in-tier series so only the
// open tier is reported.
func (p *PrometheusCollector) RecordAvailability(_ context.Context, avail lifetime.Availability) {
	p.availableSlots.Set(float64(avail.AvailableSlots))
	p.claimedPercent.Set(float64(avail.ClaimedPercentage))
	p.remainingInTier.Reset()
	p.remainingInTier.WithLabelValues(string(avail.Tier)).Set(float64(avail.RemainingInTier))
}

func (p *PrometheusCollector) RecordSweep(_ context.Context, expired int64) {
	p.swept.Add(float64(max(expired, 0)))
}

func (p *PrometheusCollector) RecordRequest(method, endpoint, status string, duration time.Duration) {
	p.requests.WithLabelValues(method, endpoint, status).Inc()
	p.requestLatency.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
