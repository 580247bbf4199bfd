// Package logging decorates a grid.Store with OpenTelemetry spans and
// trace/debug logging.
package logging

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/gridsync/internal/correlation"
	"pkt.systems/gridsync/internal/grid"
	"pkt.systems/gridsync/internal/svcfields"
	"pkt.systems/pslog"
)

type store struct {
	inner  grid.Store
	logger pslog.Logger
	tracer trace.Tracer
	sys    string
}

// Wrap decorates inner with trace/debug logging.
func Wrap(inner grid.Store, logger pslog.Logger, sys string) grid.Store {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &store{
		inner:  inner,
		logger: logger,
		tracer: otel.Tracer("pkt.systems/gridsync/grid"),
		sys:    sys,
	}
}

func (s *store) start(ctx context.Context, op string, key grid.Key) (context.Context, trace.Span, pslog.Logger, time.Time, func(error)) {
	begin := time.Now()
	ctx, span := s.tracer.Start(ctx, "gridsync.grid."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("gridsync.grid.operation", op),
		attribute.String("gridsync.grid.namespace", key.Namespace),
		attribute.String("gridsync.sys", s.sys),
	)
	if key.ID != "" {
		span.SetAttributes(attribute.String("gridsync.grid.key", key.ID))
	}
	if key.Affinity != "" {
		span.SetAttributes(attribute.String("gridsync.grid.affinity", key.Affinity))
	}
	if cid := correlation.ID(ctx); cid != "" {
		span.SetAttributes(attribute.String("gridsync.correlation_id", cid))
	}
	logger := svcfields.FromContext(ctx, s.logger).With("namespace", key.Namespace)
	if key.ID != "" {
		logger = logger.With("key", key.ID)
	}
	ctx = pslog.ContextWithLogger(ctx, logger)
	return ctx, span, logger, begin, func(err error) {
		result := "ok"
		switch {
		case err == nil:
			span.SetStatus(codes.Ok, "")
		case errors.Is(err, grid.ErrNotFound):
			result = "not_found"
			span.SetStatus(codes.Ok, "")
		default:
			result = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, "grid_error")
		}
		span.AddEvent("gridsync.grid.end", trace.WithAttributes(
			attribute.String("gridsync.grid.result", result),
			attribute.Int64("gridsync.grid.duration_ms", time.Since(begin).Milliseconds()),
		))
	}
}

func (s *store) Invoke(ctx context.Context, key grid.Key, p grid.Processor) ([]byte, error) {
	ctx, span, logger, begin, finish := s.start(ctx, "invoke", key)
	defer span.End()

	ctx, id := grid.EnsureInvocationID(ctx)
	span.SetAttributes(attribute.String("gridsync.grid.invocation_id", id))
	logger.Trace("grid.invoke.begin", "processor", processorName(p), "invocation", id)
	result, err := s.inner.Invoke(ctx, key, p)
	finish(err)
	if err != nil {
		logger.Debug("grid.invoke.error", "processor", processorName(p), "invocation", id, "error", err, "elapsed", time.Since(begin))
		return result, err
	}
	logger.Trace("grid.invoke.success", "processor", processorName(p), "invocation", id, "result_bytes", len(result), "elapsed", time.Since(begin))
	return result, nil
}

func (s *store) Get(ctx context.Context, key grid.Key) ([]byte, error) {
	ctx, span, logger, begin, finish := s.start(ctx, "get", key)
	defer span.End()

	value, err := s.inner.Get(ctx, key)
	finish(err)
	if err != nil {
		if !errors.Is(err, grid.ErrNotFound) {
			logger.Debug("grid.get.error", "error", err, "elapsed", time.Since(begin))
		}
		return value, err
	}
	logger.Trace("grid.get.success", "bytes", len(value), "elapsed", time.Since(begin))
	return value, nil
}

func (s *store) Remove(ctx context.Context, key grid.Key) error {
	ctx, span, logger, begin, finish := s.start(ctx, "remove", key)
	defer span.End()

	err := s.inner.Remove(ctx, key)
	finish(err)
	if err != nil {
		logger.Debug("grid.remove.error", "error", err, "elapsed", time.Since(begin))
		return err
	}
	logger.Debug("grid.remove.success", "elapsed", time.Since(begin))
	return nil
}

func (s *store) Clear(ctx context.Context, namespace string) error {
	ctx, span, logger, begin, finish := s.start(ctx, "clear", grid.Key{Namespace: namespace})
	defer span.End()

	err := s.inner.Clear(ctx, namespace)
	finish(err)
	if err != nil {
		logger.Warn("grid.clear.error", "error", err, "elapsed", time.Since(begin))
		return err
	}
	logger.Info("grid.clear.success", "elapsed", time.Since(begin))
	return nil
}

func (s *store) Subscribe(ctx context.Context, key grid.Key) (grid.Subscription, error) {
	ctx, span, logger, _, finish := s.start(ctx, "subscribe", key)
	defer span.End()

	sub, err := s.inner.Subscribe(ctx, key)
	finish(err)
	if err != nil {
		logger.Debug("grid.subscribe.error", "error", err)
		return nil, err
	}
	logger.Trace("grid.subscribe.success")
	return sub, nil
}

func (s *store) Close() error {
	err := s.inner.Close()
	if err != nil {
		s.logger.Warn("grid.close.error", "error", err)
	}
	return err
}

// Named processors report their own label in logs.
type Named interface {
	ProcessorName() string
}

func processorName(p grid.Processor) string {
	if named, ok := p.(Named); ok {
		return named.ProcessorName()
	}
	return "anonymous"
}
