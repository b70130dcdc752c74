package dispatch

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"wellpulse/internal/types"
)

// MetricNamespace is the CloudWatch namespace all dispatch metrics land in.
const MetricNamespace = "WellPulse/Notifications"

// Metrics records dispatch outcomes for operational visibility. All methods
// are fire-and-forget: a metrics failure never affects dispatch.
type Metrics interface {
	RecordDispatch(ctx context.Context, channel types.ChannelType, status types.DispatchStatus)
	RecordDispatchLatency(ctx context.Context, channel types.ChannelType, duration time.Duration)
}

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchMetrics publishes dispatch metrics to AWS CloudWatch.
//
// Metrics emitted:
//   - DispatchOutcome: Dims {Channel, Status} -- on every dispatch decision
//   - DispatchLatency: Dims {Channel} -- time taken per delivery attempt
type CloudWatchMetrics struct {
	client CloudWatchClient
	logger types.Logger
}

var _ Metrics = (*CloudWatchMetrics)(nil)

func NewCloudWatchMetrics(client CloudWatchClient, logger types.Logger) *CloudWatchMetrics {
	return &CloudWatchMetrics{client: client, logger: logger}
}

func (m *CloudWatchMetrics) RecordDispatch(ctx context.Context, channel types.ChannelType, status types.DispatchStatus) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(MetricNamespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String("DispatchOutcome"),
				Value:      aws.Float64(1),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{
					{Name: aws.String("Channel"), Value: aws.String(string(channel))},
					{Name: aws.String("Status"), Value: aws.String(string(status))},
				},
			},
		},
	}
	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.Error("failed to record dispatch metric",
			"error", err.Error(),
			"channel", string(channel),
			"status", string(status),
		)
	}
}

func (m *CloudWatchMetrics) RecordDispatchLatency(ctx context.Context, channel types.ChannelType, duration time.Duration) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(MetricNamespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String("DispatchLatency"),
				Value:      aws.Float64(float64(duration.Milliseconds())),
				Unit:       cwtypes.StandardUnitMilliseconds,
				Dimensions: []cwtypes.Dimension{
					{Name: aws.String("Channel"), Value: aws.String(string(channel))},
				},
			},
		},
	}
	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.Error("failed to record latency metric",
			"error", err.Error(),
			"channel", string(channel),
			"duration_ms", duration.Milliseconds(),
		)
	}
}

// NoopMetrics discards all metrics. Used in local mode and tests.
type NoopMetrics struct{}

var _ Metrics = NoopMetrics{}

func (NoopMetrics) RecordDispatch(context.Context, types.ChannelType, types.DispatchStatus) {}
func (NoopMetrics) RecordDispatchLatency(context.Context, types.ChannelType, time.Duration) {}

// InstrumentedDispatcher times every delivery attempt and records the
// latency against the inner dispatcher's channel.
type InstrumentedDispatcher struct {
	inner   Dispatcher
	metrics Metrics
}

var _ Dispatcher = (*InstrumentedDispatcher)(nil)

func NewInstrumentedDispatcher(inner Dispatcher, metrics Metrics) *InstrumentedDispatcher {
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	return &InstrumentedDispatcher{inner: inner, metrics: metrics}
}

func (d *InstrumentedDispatcher) Channel() types.ChannelType { return d.inner.Channel() }

func (d *InstrumentedDispatcher) Dispatch(ctx context.Context, job types.NotificationJob) types.NotificationDispatchResult {
	start := time.Now()
	result := d.inner.Dispatch(ctx, job)
	d.metrics.RecordDispatchLatency(ctx, d.inner.Channel(), time.Since(start))
	return result
}
