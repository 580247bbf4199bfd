package objectgrid

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type engineMetrics struct {
	conflicts metric.Int64Counter
}

func newEngineMetrics(logger pslog.Logger) *engineMetrics {
	meter := otel.Meter("pkt.systems/gridsync/grid")
	m := &engineMetrics{}
	var err error
	m.conflicts, err = meter.Int64Counter(
		"gridsync.grid.cas.conflicts",
		metric.WithDescription("Conditional group writes that lost a race and were retried"),
	)
	if err != nil {
		logger.Warn("telemetry.metric.init_failed", "name", "gridsync.grid.cas.conflicts", "error", err)
	}
	return m
}

func (m *engineMetrics) recordConflict(ctx context.Context, namespace string) {
	if m == nil || m.conflicts == nil {
		return
	}
	m.conflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("gridsync.namespace", namespace)))
}
