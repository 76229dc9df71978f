package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"scopesafe/internal/lifetime"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// Metric and dimension names.
const (
	MetricCheckout        = "LifetimeCheckout"
	MetricSettlement      = "StripeSettlement"
	MetricAvailableSlots  = "LifetimeAvailableSlots"
	MetricRemainingInTier = "LifetimeRemainingInTier"
	MetricSwept           = "ReservationsSwept"
	MetricAPIRequest      = "APIRequest"
	MetricAPILatency      = "APIRequestLatency"

	DimOutcome   = "Outcome"
	DimEventType = "EventType"
	DimTier      = "Tier"
	DimMethod    = "Method"
	DimEndpoint  = "Endpoint"
	DimStatus    = "Status"
)

// requestMetricTimeout bounds PutMetricData calls made outside a request
// context.
const requestMetricTimeout = 2 * time.Second

// CloudWatchCollector publishes metrics with PutMetricData. Publishing
// failures are logged and never surface to callers.
//
// Metrics emitted:
//   - LifetimeCheckout: Dims {Outcome}
//   - StripeSettlement: Dims {EventType, Outcome}
//   - LifetimeAvailableSlots, LifetimeRemainingInTier: Dims {Tier}
//   - ReservationsSwept: no dims
//   - APIRequest, APIRequestLatency: Dims {Method, Endpoint, Status}
type CloudWatchCollector struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

// NewCloudWatchCollector creates a CloudWatchCollector publishing to namespace.
func NewCloudWatchCollector(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchCollector {
	if logger == nil {
		logger = slog.Default()
	}
	if namespace == "" {
		namespace = "ScopeSafe"
	}
	return &CloudWatchCollector{client: client, namespace: namespace, logger: logger}
}

func dims(kv ...string) []cwtypes.Dimension {
	out := make([]cwtypes.Dimension, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, cwtypes.Dimension{Name: aws.String(kv[i]), Value: aws.String(kv[i+1])})
	}
	return out
}

func count(name string, d []cwtypes.Dimension) cwtypes.MetricDatum {
	return cwtypes.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: d,
	}
}

func (m *CloudWatchCollector) put(ctx context.Context, data ...cwtypes.MetricDatum) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: data,
	}
	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.Error("failed to publish metric",
			"error", err.Error(),
			"metric", aws.ToString(data[0].MetricName),
		)
	}
}

// RecordCheckout emits LifetimeCheckout with the Outcome dimension.
func (m *CloudWatchCollector) RecordCheckout(ctx context.Context, outcome string) {
	m.put(ctx, count(MetricCheckout, dims(DimOutcome, outcome)))
}

// RecordSettlement emits StripeSettlement with EventType and Outcome.
func (m *CloudWatchCollector) RecordSettlement(ctx context.Context, eventType, outcome string) {
	m.put(ctx, count(MetricSettlement, dims(DimEventType, eventType, DimOutcome, outcome)))
}

// RecordAvailability emits the open tier's remaining slots and the overall
// available slots as gauges.
func (m *CloudWatchCollector) RecordAvailability(ctx context.Context, avail lifetime.Availability) {
	tier := dims(DimTier, string(avail.Tier))
	m.put(ctx,
		cwtypes.MetricDatum{
			MetricName: aws.String(MetricAvailableSlots),
			Value:      aws.Float64(float64(avail.AvailableSlots)),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: tier,
		},
		cwtypes.MetricDatum{
			MetricName: aws.String(MetricRemainingInTier),
			Value:      aws.Float64(float64(avail.RemainingInTier)),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: tier,
		},
	)
}

// RecordSweep emits ReservationsSwept.
func (m *CloudWatchCollector) RecordSweep(ctx context.Context, expired int64) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(MetricSwept),
		Value:      aws.Float64(float64(expired)),
		Unit:       cwtypes.StandardUnitCount,
	})
}

// RecordRequest emits a request count and its latency in milliseconds.
func (m *CloudWatchCollector) RecordRequest(method, endpoint, status string, duration time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), requestMetricTimeout)
	defer cancel()

	d := dims(DimMethod, method, DimEndpoint, endpoint, DimStatus, status)
	m.put(ctx,
		count(MetricAPIRequest, d),
		cwtypes.MetricDatum{
			MetricName: aws.String(MetricAPILatency),
			Value:      aws.Float64(float64(duration.Milliseconds())),
			Unit:       cwtypes.StandardUnitMilliseconds,
			Dimensions: d,
		},
	)
}
