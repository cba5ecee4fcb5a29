package otel

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const meterName = "crabwalk"

// Metrics holds all crabwalk metric instruments. It satisfies the gateway
// client's Metrics hook.
type Metrics struct {
	tracer trace.Tracer
	now    func() time.Time

	FramesReceived  metric.Int64Counter
	ParseErrors     metric.Int64Counter
	Requests        metric.Int64Counter
	RequestFailures metric.Int64Counter
	RequestDuration metric.Float64Histogram
	Reconnects      metric.Int64Counter
	DeltasApplied   metric.Int64Counter
	RelayFailures   metric.Int64Counter
	RelayDrops      metric.Int64Counter
	LogsDropped     metric.Int64Counter
}

// NewMetrics creates all metric instruments from the global providers.
func NewMetrics() (*Metrics, error) {
	return newMetrics(otel.GetMeterProvider(), otel.GetTracerProvider())
}

func newMetrics(mp metric.MeterProvider, tp trace.TracerProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)
	m := &Metrics{tracer: tp.Tracer(tracerName), now: time.Now}
	var err error

	m.FramesReceived, err = meter.Int64Counter("crabwalk.gateway.frames",
		metric.WithDescription("Number of frames received from the gateway"))
	if err != nil {
		return nil, err
	}

	m.ParseErrors, err = meter.Int64Counter("crabwalk.gateway.parse_errors",
		metric.WithDescription("Number of gateway frames that failed to parse"))
	if err != nil {
		return nil, err
	}

	m.Requests, err = meter.Int64Counter("crabwalk.gateway.requests",
		metric.WithDescription("Number of requests sent to the gateway"))
	if err != nil {
		return nil, err
	}

	m.RequestFailures, err = meter.Int64Counter("crabwalk.gateway.request_failures",
		metric.WithDescription("Number of gateway requests that failed"))
	if err != nil {
		return nil, err
	}

	m.RequestDuration, err = meter.Float64Histogram("crabwalk.gateway.request.duration_seconds",
		metric.WithDescription("Gateway request round-trip time in seconds"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	m.Reconnects, err = meter.Int64Counter("crabwalk.gateway.reconnects",
		metric.WithDescription("Number of reconnect attempts"))
	if err != nil {
		return nil, err
	}

	m.DeltasApplied, err = meter.Int64Counter("crabwalk.monitor.deltas",
		metric.WithDescription("Number of deltas applied to the monitor state"))
	if err != nil {
		return nil, err
	}

	m.RelayFailures, err = meter.Int64Counter("crabwalk.relay.failures",
		metric.WithDescription("Number of relay publishes that failed or were rejected"))
	if err != nil {
		return nil, err
	}

	m.RelayDrops, err = meter.Int64Counter("crabwalk.relay.dropped",
		metric.WithDescription("Number of relay payloads dropped because the relay buffer was full"))
	if err != nil {
		return nil, err
	}

	m.LogsDropped, err = meter.Int64Counter("crabwalk.log.dropped",
		metric.WithDescription("Number of log records shed by the async log handler"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) FrameReceived(ctx context.Context, frameType string) {
	m.FramesReceived.Add(ctx, 1, metric.WithAttributes(attribute.String("frame.type", frameType)))
}

func (m *Metrics) ParseError(ctx context.Context) {
	m.ParseErrors.Add(ctx, 1)
}

func (m *Metrics) Reconnect(ctx context.Context) {
	m.Reconnects.Add(ctx, 1)
}

// StartRequest counts the request, opens a span and returns the function
// that records its outcome.
func (m *Metrics) StartRequest(ctx context.Context, method string) (context.Context, func(error)) {
	attrs := metric.WithAttributes(attribute.String("rpc.method", method))
	m.Requests.Add(ctx, 1, attrs)
	ctx, span := startRequestSpan(ctx, m.tracer, method)
	start := m.now()

	return ctx, func(err error) {
		m.RequestDuration.Record(ctx, m.now().Sub(start).Seconds(), attrs)
		if err != nil {
			m.RequestFailures.Add(ctx, 1, attrs)
		}
		endSpan(span, err)
	}
}

// DeltaApplied counts a delta of the given kind.
func (m *Metrics) DeltaApplied(ctx context.Context, kind string) {
	m.DeltasApplied.Add(ctx, 1, metric.WithAttributes(attribute.String("delta.kind", kind)))
}

// RelayFailed counts a failed relay publish on subject.
func (m *Metrics) RelayFailed(ctx context.Context, subject string) {
	m.RelayFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("subject", subject)))
}

// RelayDropped counts a payload for subject that never reached the queue.
func (m *Metrics) RelayDropped(ctx context.Context, subject string) {
	m.RelayDrops.Add(ctx, 1, metric.WithAttributes(attribute.String("subject", subject)))
}

// LogDropped counts a log record shed at level. It matches the async log
// handler's drop hook.
func (m *Metrics) LogDropped(level slog.Level) {
	m.LogsDropped.Add(context.Background(), 1, metric.WithAttributes(attribute.String("level", level.String())))
}
