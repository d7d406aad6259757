package mda

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/infodancer/mda/errors"
)

const instrumentationName = "github.com/infodancer/mda"

// instrumentation holds the engine's OpenTelemetry tracer and instruments.
// With no providers configured the otel globals are used, which are no-ops
// until the host installs an SDK.
type instrumentation struct {
	tracer trace.Tracer

	deliverLatency metric.Float64Histogram
	deliverCount   metric.Int64Counter
	deliverErrors  metric.Int64Counter
	lockWait       metric.Float64Histogram
}

func newInstrumentation(mp metric.MeterProvider, tp trace.TracerProvider) (*instrumentation, error) {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if mp == nil {
		mp = otel.GetMeterProvider()
	}

	o := &instrumentation{tracer: tp.Tracer(instrumentationName)}
	meter := mp.Meter(instrumentationName)

	var err error
	o.deliverLatency, err = meter.Float64Histogram(
		"mda.deliver.duration",
		metric.WithDescription("Duration of deliveries"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	o.deliverCount, err = meter.Int64Counter(
		"mda.deliver.count",
		metric.WithDescription("Number of deliveries attempted"),
	)
	if err != nil {
		return nil, err
	}

	o.deliverErrors, err = meter.Int64Counter(
		"mda.deliver.errors",
		metric.WithDescription("Number of failed deliveries"),
	)
	if err != nil {
		return nil, err
	}

	o.lockWait, err = meter.Float64Histogram(
		"mda.lock.wait",
		metric.WithDescription("Time spent waiting for mailbox locks"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return o, nil
}

// startSpan starts the delivery span and returns a function that ends it.
func (o *instrumentation) startSpan(ctx context.Context, id string, target Target, linked bool) (context.Context, func(error)) {
	ctx, span := o.tracer.Start(ctx, "mda.Deliver",
		trace.WithAttributes(
			attribute.String("mda.delivery_id", id),
			attribute.String("mda.format", string(target.Format)),
			attribute.String("mda.mailbox", target.Path),
			attribute.Bool("mda.linked", linked),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

// recordDeliver records delivery metrics. Linked marks deliveries made by
// hard-linking an earlier copy.
func (o *instrumentation) recordDeliver(ctx context.Context, target Target, duration time.Duration, linked bool, err error) {
	attrs := metric.WithAttributes(
		attribute.String("format", string(target.Format)),
		attribute.Bool("linked", linked),
		attribute.Bool("temporary", errors.Temporary(err)),
	)

	o.deliverLatency.Record(ctx, duration.Seconds(), attrs)
	o.deliverCount.Add(ctx, 1, attrs)
	if err != nil {
		o.deliverErrors.Add(ctx, 1, attrs)
	}
}

// recordLockWait records how long a lock acquisition took.
func (o *instrumentation) recordLockWait(ctx context.Context, target Target, waited time.Duration) {
	o.lockWait.Record(ctx, waited.Seconds(),
		metric.WithAttributes(attribute.String("format", string(target.Format))))
}
