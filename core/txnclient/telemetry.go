package txnclient

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ProxyMetrics holds the telemetry instruments for one proxy's operations,
// built the same way internal/telemetry.GrpcGatewayMetrics declares its
// instruments and wired from a shared pkg/telemetry.Telemetry the way
// core/indexmanager.NewBTreeIndexManager is constructed from one. Nil is a
// valid ProxyMetrics (see NewProxyMetrics' no-op branch callers get when
// telemetry is disabled): every method checks for it and is a no-op.
type ProxyMetrics struct {
	tracer trace.Tracer

	opsStarted    metric.Int64Counter
	opsCompleted  metric.Int64Counter
	sealDuration  metric.Int64Histogram
	purgeDuration metric.Int64Histogram
	reconnects    metric.Int64Counter
	inFlight      metric.Int64UpDownCounter
}

// NewProxyMetrics creates the instrument set off meter/tracer. Either may be
// a no-op implementation (e.g. from go.opentelemetry.io/otel/metric/noop),
// the same pattern pkg/telemetry.New returns when telemetry is disabled.
func NewProxyMetrics(meter metric.Meter, tracer trace.Tracer) (*ProxyMetrics, error) {
	opsStarted, err := meter.Int64Counter(
		"gojodb.txnclient.operations.started_total",
		metric.WithDescription("Total number of proxy operations started."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	opsCompleted, err := meter.Int64Counter(
		"gojodb.txnclient.operations.completed_total",
		metric.WithDescription("Total number of proxy operations completed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	sealDuration, err := meter.Int64Histogram(
		"gojodb.txnclient.seal.duration",
		metric.WithDescription("Time spent inside internalSeal, including any successor hand-off."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	purgeDuration, err := meter.Int64Histogram(
		"gojodb.txnclient.purge.duration",
		metric.WithDescription("Time from purge() call to backend acknowledgement."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	reconnects, err := meter.Int64Counter(
		"gojodb.txnclient.reconnects_total",
		metric.WithDescription("Total number of successor hand-offs started."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	inFlight, err := meter.Int64UpDownCounter(
		"gojodb.txnclient.proxies_in_flight",
		metric.WithDescription("Number of proxy transactions currently open."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &ProxyMetrics{
		tracer:        tracer,
		opsStarted:    opsStarted,
		opsCompleted:  opsCompleted,
		sealDuration:  sealDuration,
		purgeDuration: purgeDuration,
		reconnects:    reconnects,
		inFlight:      inFlight,
	}, nil
}

// opTracker carries the span/attributes needed to close out one operation's
// telemetry, whether it finishes synchronously or (for Read/Exists futures)
// from a background goroutine.
type opTracker struct {
	m    *ProxyMetrics
	span trace.Span
	op   string
}

// startOp begins telemetry for one proxy operation. Mirrors
// BTreeIndexManager.StartMetricsAndTrace/EndMetricsAndTrace: additive
// instrumentation only, never gating control flow. Safe to call on a nil
// *ProxyMetrics.
func (m *ProxyMetrics) startOp(ctx context.Context, id TransactionIdentifier, op string) (context.Context, *opTracker) {
	if m == nil {
		return ctx, &opTracker{op: op}
	}
	m.opsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("txnclient.op", op)))
	spanCtx, span := m.tracer.Start(ctx, "txnclient."+op,
		trace.WithAttributes(attribute.String("txnclient.transaction_id", id.String())))
	return spanCtx, &opTracker{m: m, span: span, op: op}
}

// end closes out the tracked operation with the given outcome.
func (o *opTracker) end(ctx context.Context, err error) {
	if o == nil || o.m == nil {
		return
	}
	code := otelcodes.Ok
	attrs := []attribute.KeyValue{attribute.String("txnclient.op", o.op)}
	if err != nil {
		code = otelcodes.Error
		attrs = append(attrs, attribute.Bool("txnclient.error", true))
	}
	o.m.opsCompleted.Add(ctx, 1, metric.WithAttributes(attrs...))
	if o.span != nil {
		if err != nil {
			o.span.RecordError(err)
		}
		o.span.SetStatus(code, "")
		o.span.End()
	}
}

func (m *ProxyMetrics) recordSealDuration(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.sealDuration.Record(ctx, d.Milliseconds())
}

func (m *ProxyMetrics) recordPurgeDuration(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.purgeDuration.Record(ctx, d.Milliseconds())
}

func (m *ProxyMetrics) recordReconnect(ctx context.Context) {
	if m == nil {
		return
	}
	m.reconnects.Add(ctx, 1)
}

func (m *ProxyMetrics) proxyOpened(ctx context.Context) {
	if m == nil {
		return
	}
	m.inFlight.Add(ctx, 1)
}

func (m *ProxyMetrics) proxyClosed(ctx context.Context) {
	if m == nil {
		return
	}
	m.inFlight.Add(ctx, -1)
}
