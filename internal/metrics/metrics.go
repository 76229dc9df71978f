// Package metrics provides the telemetry backends selected by
// METRICS_BACKEND: CloudWatch, Prometheus, or a no-op.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"scopesafe/internal/core"
	"scopesafe/internal/lifetime"
)

// Collector receives every metric the service emits.
type Collector interface {
	lifetime.Metrics
	core.MetricsCollector
	// RecordSweep counts reservations the sweeper marked expired.
	RecordSweep(ctx context.Context, expired int64)
}

// Backend names accepted by New.
const (
	BackendCloudWatch = "cloudwatch"
	BackendPrometheus = "prometheus"
	BackendNone       = "none"
)

// New returns the collector for backend. The handler is non-nil only for
// Prometheus and serves the scrape endpoint.
func New(backend, namespace string, cw CloudWatchClient, logger *slog.Logger) (Collector, http.Handler, error) {
	switch backend {
	case BackendCloudWatch:
		if cw == nil {
			return nil, nil, fmt.Errorf("metrics: cloudwatch backend selected without a client")
		}
		return NewCloudWatchCollector(cw, namespace, logger), nil, nil
	case BackendPrometheus:
		p := NewPrometheusCollector()
		return p, p.Handler(), nil
	case BackendNone, "":
		return Noop{}, nil, nil
	}
	return nil, nil, fmt.Errorf("metrics: unknown backend %q", backend)
}

// Noop discards every metric.
type Noop struct{}

func (Noop) RecordCheckout(context.Context, string) {}
func (Noop) RecordSettlement(context.Context, string, string) {}
func (Noop) RecordAvailability(context.Context, lifetime.Availability) {}
func (Noop) RecordRequest(string, string, string, time.Duration) {}
func (Noop) RecordSweep(context.Context, int64) {}

var (
	_ Collector = Noop{}
	_ Collector = (*CloudWatchCollector)(nil)
	_ Collector = (*PrometheusCollector)(nil)
)
