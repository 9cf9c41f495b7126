package observability

import (
	"context"
	"gatekeeper/internal/pool"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentedPool wraps a pool.Querier with OpenTelemetry tracing and
// metrics instrumentation.
type InstrumentedPool struct {
	inner    pool.Querier
	tracer   trace.Tracer
	duration metric.Float64Histogram
	errors   metric.Int64Counter
}

var _ pool.Querier = (*InstrumentedPool)(nil)

// NewInstrumentedPool creates a wrapper that records a span, a latency
// histogram sample and, on failure, an error count for every query.
func NewInstrumentedPool(inner pool.Querier) (*InstrumentedPool, error) {
	tracer := otel.Tracer("gatekeeper/pool")
	meter := otel.Meter("gatekeeper/pool")

	duration, err := meter.Float64Histogram(
		"db.operation.duration",
		metric.WithDescription("Duration of database pool operations in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	errCounter, err := meter.Int64Counter(
		"db.operation.errors",
		metric.WithDescription("Number of failed database pool operations"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	return &InstrumentedPool{
		inner:    inner,
		tracer:   tracer,
		duration: duration,
		errors:   errCounter,
	}, nil
}

func (p *InstrumentedPool) startSpan(ctx context.Context, operation, query string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	base := []attribute.KeyValue{
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", operation),
	}
	if query != "" {
		base = append(base, attribute.String("db.statement", query))
	}
	return p.tracer.Start(ctx, "db."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(append(base, attrs...)...),
	)
}

func (p *InstrumentedPool) record(ctx context.Context, span trace.Span, operation string, start time.Time, err error) {
	elapsed := time.Since(start).Seconds()
	attrs := []attribute.KeyValue{attribute.String("operation", operation)}

	if err != nil {
		kind := pool.Classify(err)
		attrs = append(attrs, attribute.String("failure_kind", kind.String()))
		p.errors.Add(ctx, 1, metric.WithAttributes(attrs...))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	p.duration.Record(ctx, elapsed, metric.WithAttributes(attribute.String("operation", operation)))
	span.End()
}

func (p *InstrumentedPool) Execute(ctx context.Context, query string, args ...any) (string, error) {
	ctx, span := p.startSpan(ctx, "execute", query)
	start := time.Now()
	tag, err := p.inner.Execute(ctx, query, args...)
	if err == nil {
		span.SetAttributes(attribute.String("db.command_tag", tag))
	}
	p.record(ctx, span, "execute", start, err)
	return tag, err
}

func (p *InstrumentedPool) Fetch(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	ctx, span := p.startSpan(ctx, "fetch", query)
	start := time.Now()
	rows, err := p.inner.Fetch(ctx, query, args...)
	span.SetAttributes(attribute.Int("db.rows", len(rows)))
	p.record(ctx, span, "fetch", start, err)
	return rows, err
}

func (p *InstrumentedPool) FetchOne(ctx context.Context, query string, args ...any) (map[string]any, error) {
	ctx, span := p.startSpan(ctx, "fetch_one", query)
	start := time.Now()
	row, err := p.inner.FetchOne(ctx, query, args...)
	span.SetAttributes(attribute.Bool("db.found", row != nil))
	p.record(ctx, span, "fetch_one", start, err)
	return row, err
}

func (p *InstrumentedPool) ExecuteWithRetry(ctx context.Context, query string, maxRetries int, args ...any) (string, error) {
	ctx, span := p.startSpan(ctx, "execute_with_retry", query, attribute.Int("db.max_retries", maxRetries))
	start := time.Now()
	tag, err := p.inner.ExecuteWithRetry(ctx, query, maxRetries, args...)
	p.record(ctx, span, "execute_with_retry", start, err)
	return tag, err
}

func (p *InstrumentedPool) FetchWithRetry(ctx context.Context, query string, maxRetries int, args ...any) ([]map[string]any, error) {
	ctx, span := p.startSpan(ctx, "fetch_with_retry", query, attribute.Int("db.max_retries", maxRetries))
	start := time.Now()
	rows, err := p.inner.FetchWithRetry(ctx, query, maxRetries, args...)
	p.record(ctx, span, "fetch_with_retry", start, err)
	return rows, err
}

func (p *InstrumentedPool) Ping(ctx context.Context) error {
	ctx, span := p.startSpan(ctx, "ping", "")
	start := time.Now()
	err := p.inner.Ping(ctx)
	p.record(ctx, span, "ping", start, err)
	return err
}

// Status is not traced; it only reads local counters.
func (p *InstrumentedPool) Status() pool.Status {
	return p.inner.Status()
}
