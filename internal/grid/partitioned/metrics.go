package partitioned

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type storeMetrics struct {
	entries      metric.Int64ObservableGauge
	transferring metric.Int64ObservableGauge
	registration metric.Registration
}

func newStoreMetrics(logger pslog.Logger, store *Store) *storeMetrics {
	meter := otel.Meter("pkt.systems/gridsync/grid")
	m := &storeMetrics{}
	var err error

	m.entries, err = meter.Int64ObservableGauge(
		"gridsync.grid.partition.entries",
		metric.WithDescription("Entries held by each partition's primary replica"),
	)
	logMetricInitError(logger, "gridsync.grid.partition.entries", err)

	m.transferring, err = meter.Int64ObservableGauge(
		"gridsync.grid.partition.transferring",
		metric.WithDescription("Partitions currently refusing requests while in transfer"),
	)
	logMetricInitError(logger, "gridsync.grid.partition.transferring", err)

	m.registration, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		transferring := int64(0)
		for _, st := range store.Stats() {
			o.ObserveInt64(m.entries, int64(st.Entries), metric.WithAttributes(attribute.Int("gridsync.partition", st.ID)))
			if st.Transferring {
				transferring++
			}
		}
		o.ObserveInt64(m.transferring, transferring)
		return nil
	}, m.entries, m.transferring)
	if err != nil {
		logger.Warn("telemetry.metric.callback_failed", "name", "gridsync.grid.partition", "error", err)
	}
	return m
}

func (m *storeMetrics) unregister() {
	if m == nil || m.registration == nil {
		return
	}
	_ = m.registration.Unregister()
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
