// Package observer provides OTEL-based observability for sagaengine workers.
//
// It implements sagaengine.Metrics with OTEL gauges for outbox backlog and
// oldest-row age, and counters and histograms for step/compensation
// attempts and run outcomes, and exposes
// an OTEL-backed sagaengine.Tracer via NewTracer. Both export to any
// OTEL-compatible backend by setting the standard OTEL_EXPORTER_OTLP_*
// env vars.
package observer

import (
	"context"
	"errors"

	sagaengine "github.com/nevindra/sagaengine"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
)

const scopeName = "github.com/nevindra/sagaengine/observer"

// Instruments implements sagaengine.Metrics with OTEL instruments.
type Instruments struct {
	meter metric.Meter

	outboxBacklog   metric.Int64Gauge
	outboxOldestAge metric.Float64Gauge

	stepAttempts metric.Int64Counter
	stepDuration metric.Float64Histogram
	compAttempts metric.Int64Counter
	compDuration metric.Float64Histogram

	runsCompleted   metric.Int64Counter
	runsFailed      metric.Int64Counter
	runsCompensated metric.Int64Counter
}

var _ sagaengine.Metrics = (*Instruments)(nil)

// Init sets up OTEL trace, metric, and log providers with OTLP HTTP exporters.
// Configuration comes from standard OTEL env vars (OTEL_EXPORTER_OTLP_ENDPOINT, etc.).
// Returns a shutdown function that must be called on application exit.
func Init(ctx context.Context) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("sagaengine")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	// Trace provider
	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	// Metric provider
	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	// Log provider
	logExp, err := otlploghttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	inst, err := newInstruments()
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = lp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
			lp.Shutdown(ctx),
		)
	}

	return inst, shutdown, nil
}

func newInstruments() (*Instruments, error) {
	meter := otel.Meter(scopeName)

	outboxBacklog, err := meter.Int64Gauge("sagaengine.outbox.backlog",
		metric.WithDescription("PENDING outbox row count sampled once per poll tick"),
		metric.WithUnit("{row}"))
	if err != nil {
		return nil, err
	}

	outboxOldestAge, err := meter.Float64Gauge("sagaengine.outbox.oldest_age",
		metric.WithDescription("Age of the oldest PENDING outbox row"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	stepAttempts, err := meter.Int64Counter("sagaengine.step.attempts",
		metric.WithDescription("ACTION attempt count by outcome"),
		metric.WithUnit("{attempt}"))
	if err != nil {
		return nil, err
	}

	stepDuration, err := meter.Float64Histogram("sagaengine.step.duration",
		metric.WithDescription("ACTION attempt duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	compAttempts, err := meter.Int64Counter("sagaengine.compensation.attempts",
		metric.WithDescription("COMPENSATION attempt count by outcome"),
		metric.WithUnit("{attempt}"))
	if err != nil {
		return nil, err
	}

	compDuration, err := meter.Float64Histogram("sagaengine.compensation.duration",
		metric.WithDescription("COMPENSATION attempt duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	runsCompleted, err := meter.Int64Counter("sagaengine.runs.completed",
		metric.WithDescription("Runs that reached COMPLETED"),
		metric.WithUnit("{run}"))
	if err != nil {
		return nil, err
	}

	runsFailed, err := meter.Int64Counter("sagaengine.runs.failed",
		metric.WithDescription("Runs that reached FAILED"),
		metric.WithUnit("{run}"))
	if err != nil {
		return nil, err
	}

	runsCompensated, err := meter.Int64Counter("sagaengine.runs.compensated",
		metric.WithDescription("Runs that reached COMPENSATED"),
		metric.WithUnit("{run}"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		meter:           meter,
		outboxBacklog:   outboxBacklog,
		outboxOldestAge: outboxOldestAge,
		stepAttempts:    stepAttempts,
		stepDuration:    stepDuration,
		compAttempts:    compAttempts,
		compDuration:    compDuration,
		runsCompleted:   runsCompleted,
		runsFailed:      runsFailed,
		runsCompensated: runsCompensated,
	}, nil
}

func (i *Instruments) ObserveOutboxBacklog(count int, oldestAgeSeconds float64) {
	ctx := context.Background()
	i.outboxBacklog.Record(ctx, int64(count))
	i.outboxOldestAge.Record(ctx, oldestAgeSeconds)
}

func (i *Instruments) RecordStepAttempt(outcome sagaengine.AttemptOutcome, durationMs int64) {
	ctx := context.Background()
	attr := metric.WithAttributes(attribute.String("outcome", string(outcome)))
	i.stepAttempts.Add(ctx, 1, attr)
	i.stepDuration.Record(ctx, float64(durationMs), attr)
}

func (i *Instruments) RecordCompensationAttempt(outcome sagaengine.AttemptOutcome, durationMs int64) {
	ctx := context.Background()
	attr := metric.WithAttributes(attribute.String("outcome", string(outcome)))
	i.compAttempts.Add(ctx, 1, attr)
	i.compDuration.Record(ctx, float64(durationMs), attr)
}

func (i *Instruments) IncRunCompleted()   { i.runsCompleted.Add(context.Background(), 1) }
func (i *Instruments) IncRunFailed()      { i.runsFailed.Add(context.Background(), 1) }
func (i *Instruments) IncRunCompensated() { i.runsCompensated.Add(context.Background(), 1) }
