package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/lucasnoah/stagegate/internal/ledger"
)

const storeScopeName = "github.com/lucasnoah/stagegate/ledger"

// InstrumentedStore wraps a ledger.Store with spans and stagegate.ledger.*
// metrics.
type InstrumentedStore struct {
	inner  ledger.Store
	tracer trace.Tracer
	ops    metric.Int64Counter
	dur    metric.Float64Histogram
	errs   metric.Int64Counter
}

// WrapStore returns s decorated with instrumentation, or s unchanged when
// telemetry is disabled.
func WrapStore(s ledger.Store) ledger.Store {
	if !Enabled() {
		return s
	}
	return newInstrumentedStore(s)
}

func newInstrumentedStore(s ledger.Store) *InstrumentedStore {
	m := Meter(storeScopeName)
	ops, _ := m.Int64Counter("stagegate.ledger.operations",
		metric.WithDescription("Total ledger store operations executed"),
	)
	dur, _ := m.Float64Histogram("stagegate.ledger.operation.duration",
		metric.WithDescription("Ledger store operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("stagegate.ledger.errors",
		metric.WithDescription("Total ledger store operation errors"),
	)
	return &InstrumentedStore{
		inner:  s,
		tracer: Tracer(storeScopeName),
		ops:    ops,
		dur:    dur,
		errs:   errs,
	}
}

func (s *InstrumentedStore) op(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	all := append([]attribute.KeyValue{attribute.String("db.operation", name)}, attrs...)
	ctx, span := s.tracer.Start(ctx, "ledger."+name,
		trace.WithAttributes(all...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	s.ops.Add(ctx, 1, metric.WithAttributes(all...))
	return ctx, span, time.Now()
}

func (s *InstrumentedStore) done(ctx context.Context, span trace.Span, start time.Time, err error, attrs ...attribute.KeyValue) {
	ms := float64(time.Since(start).Milliseconds())
	s.dur.Record(ctx, ms, metric.WithAttributes(attrs...))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.errs.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	span.End()
}

func (s *InstrumentedStore) Append(ctx context.Context, e ledger.Entry) error {
	attrs := []attribute.KeyValue{
		attribute.String("stagegate.action", string(e.Action)),
		attribute.String("stagegate.work_item", e.WorkItemID),
	}
	ctx, span, t := s.op(ctx, "Append", attrs...)
	err := s.inner.Append(ctx, e)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) ScanItem(ctx context.Context, workItemID string) ([]ledger.Entry, error) {
	attrs := []attribute.KeyValue{attribute.String("stagegate.work_item", workItemID)}
	ctx, span, t := s.op(ctx, "ScanItem", attrs...)
	v, err := s.inner.ScanItem(ctx, workItemID)
	span.SetAttributes(attribute.Int("stagegate.entries", len(v)))
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) ScanAll(ctx context.Context) ([]ledger.Entry, error) {
	ctx, span, t := s.op(ctx, "ScanAll")
	v, err := s.inner.ScanAll(ctx)
	span.SetAttributes(attribute.Int("stagegate.entries", len(v)))
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStore) LastSeq(ctx context.Context) (int64, error) {
	ctx, span, t := s.op(ctx, "LastSeq")
	v, err := s.inner.LastSeq(ctx)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStore) Close() error {
	return s.inner.Close()
}
