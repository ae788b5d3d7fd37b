package assistant

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentation = "github.com/minhharry/voiceassistant/assistant"

var latencyBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

type metrics struct {
	frames         metric.Int64Counter
	utterances     metric.Int64Counter
	discarded      metric.Int64Counter
	duration       metric.Float64Histogram
	outcomes       metric.Int64Counter
	transcribeTime metric.Float64Histogram
	classifyTime   metric.Float64Histogram
	handlerErrors  metric.Int64Counter
	failures       metric.Int64Counter
}

func newMetrics() (*metrics, error) {
	meter := otel.Meter(instrumentation)
	m := &metrics{}
	var err error
	if m.frames, err = meter.Int64Counter("assistant.frames",
		metric.WithDescription("Audio frames scored by the speech oracle")); err != nil {
		return nil, err
	}
	if m.utterances, err = meter.Int64Counter("assistant.utterances",
		metric.WithDescription("Utterances emitted by the segmenter")); err != nil {
		return nil, err
	}
	if m.discarded, err = meter.Int64Counter("assistant.utterances.discarded",
		metric.WithDescription("Episodes dropped below the minimum length or at shutdown")); err != nil {
		return nil, err
	}
	if m.duration, err = meter.Float64Histogram("assistant.utterance.duration",
		metric.WithUnit("s"), metric.WithExplicitBucketBoundaries(latencyBuckets...)); err != nil {
		return nil, err
	}
	if m.outcomes, err = meter.Int64Counter("assistant.classifications",
		metric.WithDescription("Classification outcomes by strategy")); err != nil {
		return nil, err
	}
	if m.transcribeTime, err = meter.Float64Histogram("assistant.transcription.latency",
		metric.WithUnit("s"), metric.WithExplicitBucketBoundaries(latencyBuckets...)); err != nil {
		return nil, err
	}
	if m.classifyTime, err = meter.Float64Histogram("assistant.classification.latency",
		metric.WithUnit("s"), metric.WithExplicitBucketBoundaries(latencyBuckets...)); err != nil {
		return nil, err
	}
	if m.handlerErrors, err = meter.Int64Counter("assistant.handler.failures"); err != nil {
		return nil, err
	}
	if m.failures, err = meter.Int64Counter("assistant.upstream.failures",
		metric.WithDescription("Transcription and classification backend failures")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *metrics) outcome(ctx context.Context, strategy, outcome string) {
	m.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("strategy", strategy),
		attribute.String("outcome", outcome),
	))
}

func (m *metrics) failure(ctx context.Context, stage string) {
	m.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

// observeQueue exports queue depth and drop count from a live queue. The
// caller unregisters the callback once the queue is gone.
func observeQueue(depth func() int64, dropped func() int64) (metric.Registration, error) {
	meter := otel.Meter(instrumentation)
	depthGauge, err := meter.Int64ObservableGauge("assistant.queue.depth",
		metric.WithDescription("Frames waiting for the consumer"))
	if err != nil {
		return nil, err
	}
	droppedCounter, err := meter.Int64ObservableCounter("assistant.frames.dropped",
		metric.WithDescription("Frames evicted by the drop_oldest overflow policy"))
	if err != nil {
		return nil, err
	}
	return meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(depthGauge, depth())
		obs.ObserveInt64(droppedCounter, dropped())
		return nil
	}, depthGauge, droppedCounter)
}

func metricAttrs(strategy string) metric.RecordOption {
	return metric.WithAttributes(attribute.String("strategy", strategy))
}
