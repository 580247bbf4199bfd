package queues

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type queueMetrics struct {
	offered  metric.Int64Counter
	polled   metric.Int64Counter
	rejected metric.Int64Counter
}

func newQueueMetrics(logger pslog.Logger) *queueMetrics {
	meter := otel.Meter("pkt.systems/gridsync/queues")
	m := &queueMetrics{}
	var err error

	m.offered, err = meter.Int64Counter(
		"gridsync.queue.offered",
		metric.WithDescription("Elements accepted by distributed queues"),
	)
	logMetricInitError(logger, "gridsync.queue.offered", err)

	m.polled, err = meter.Int64Counter(
		"gridsync.queue.polled",
		metric.WithDescription("Elements removed from distributed queues"),
	)
	logMetricInitError(logger, "gridsync.queue.polled", err)

	m.rejected, err = meter.Int64Counter(
		"gridsync.queue.rejected",
		metric.WithDescription("Offers rejected because the queue was full"),
	)
	logMetricInitError(logger, "gridsync.queue.rejected", err)
	return m
}

func queueAttr(name string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("gridsync.queue", name))
}

func (m *queueMetrics) recordOffer(ctx context.Context, name string, accepted bool) {
	if m == nil {
		return
	}
	if accepted {
		if m.offered != nil {
			m.offered.Add(ctx, 1, queueAttr(name))
		}
		return
	}
	if m.rejected != nil {
		m.rejected.Add(ctx, 1, queueAttr(name))
	}
}

func (m *queueMetrics) recordPoll(ctx context.Context, name string) {
	if m == nil || m.polled == nil {
		return
	}
	m.polled.Add(ctx, 1, queueAttr(name))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
