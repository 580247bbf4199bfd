package semaphores

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type semaphoreMetrics struct {
	acquiredPermits metric.Int64Counter
	releasedPermits metric.Int64Counter
	timeouts        metric.Int64Counter
	overReleases    metric.Int64Counter
	acquireWait     metric.Float64Histogram
}

func newSemaphoreMetrics(logger pslog.Logger) *semaphoreMetrics {
	meter := otel.Meter("pkt.systems/gridsync/semaphores")
	m := &semaphoreMetrics{}
	var err error

	m.acquiredPermits, err = meter.Int64Counter(
		"gridsync.semaphore.acquired",
		metric.WithDescription("Permits acquired from distributed semaphores"),
	)
	logMetricInitError(logger, "gridsync.semaphore.acquired", err)

	m.releasedPermits, err = meter.Int64Counter(
		"gridsync.semaphore.released",
		metric.WithDescription("Permits released to distributed semaphores"),
	)
	logMetricInitError(logger, "gridsync.semaphore.released", err)

	m.timeouts, err = meter.Int64Counter(
		"gridsync.semaphore.acquire.timeouts",
		metric.WithDescription("Bounded acquires that ran out of time"),
	)
	logMetricInitError(logger, "gridsync.semaphore.acquire.timeouts", err)

	m.overReleases, err = meter.Int64Counter(
		"gridsync.semaphore.over_releases",
		metric.WithDescription("Releases rejected for exceeding capacity"),
	)
	logMetricInitError(logger, "gridsync.semaphore.over_releases", err)

	m.acquireWait, err = meter.Float64Histogram(
		"gridsync.semaphore.acquire.wait",
		metric.WithDescription("Time spent in Acquire before permits were granted"),
		metric.WithUnit("s"),
	)
	logMetricInitError(logger, "gridsync.semaphore.acquire.wait", err)
	return m
}

func nameAttr(name string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("gridsync.semaphore", name))
}

func (m *semaphoreMetrics) acquired(ctx context.Context, name string, n int64) {
	if m == nil || m.acquiredPermits == nil {
		return
	}
	m.acquiredPermits.Add(ctx, n, nameAttr(name))
}

func (m *semaphoreMetrics) released(ctx context.Context, name string, n int64) {
	if m == nil || m.releasedPermits == nil {
		return
	}
	m.releasedPermits.Add(ctx, n, nameAttr(name))
}

func (m *semaphoreMetrics) timedOut(ctx context.Context, name string) {
	if m == nil || m.timeouts == nil {
		return
	}
	m.timeouts.Add(context.WithoutCancel(ctx), 1, nameAttr(name))
}

func (m *semaphoreMetrics) overReleased(ctx context.Context, name string) {
	if m == nil || m.overReleases == nil {
		return
	}
	m.overReleases.Add(ctx, 1, nameAttr(name))
}

func (m *semaphoreMetrics) waited(ctx context.Context, name string, d time.Duration) {
	if m == nil || m.acquireWait == nil {
		return
	}
	m.acquireWait.Record(ctx, d.Seconds(), nameAttr(name))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
