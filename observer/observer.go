// Package observer provides OTEL-based observability for relay runs.
//
// It exports traces, metrics, and logs via OpenTelemetry and consumes
// the engine's event stream to drive the run metrics. Users export to
// any OTEL-compatible backend by setting standard OTEL env vars.
package observer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/kavero/relay/observer"

// Instruments holds all OTEL instruments used by the run consumer.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger otellog.Logger

	// Counters
	FilesDone        metric.Int64Counter
	UnitsDone        metric.Int64Counter
	BatchesSent      metric.Int64Counter
	FloodWaits       metric.Int64Counter
	ScratchCreated   metric.Int64Counter
	ScratchReclaimed metric.Int64Counter
	BytesTransferred metric.Int64Counter

	// Gauges
	ScratchOutstanding metric.Int64UpDownCounter

	// Histograms
	FloodWaitSeconds metric.Float64Histogram
}

// Init sets up OTEL trace, metric, and log providers with OTLP HTTP exporters.
// Configuration comes from standard OTEL env vars (OTEL_EXPORTER_OTLP_ENDPOINT, etc.).
// Returns a shutdown function that must be called on application exit.
func Init(ctx context.Context) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("relay")),
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
	tracer := otel.Tracer(scopeName)
	meter := otel.Meter(scopeName)
	logger := global.GetLoggerProvider().Logger(scopeName)

	filesDone, err := meter.Int64Counter("relay.files",
		metric.WithDescription("Local download outcomes"),
		metric.WithUnit("{file}"))
	if err != nil {
		return nil, err
	}

	unitsDone, err := meter.Int64Counter("relay.units",
		metric.WithDescription("Atomic unit outcomes"),
		metric.WithUnit("{unit}"))
	if err != nil {
		return nil, err
	}

	batchesSent, err := meter.Int64Counter("relay.batches",
		metric.WithDescription("Batch sends to destinations"),
		metric.WithUnit("{batch}"))
	if err != nil {
		return nil, err
	}

	floodWaits, err := meter.Int64Counter("relay.flood_waits",
		metric.WithDescription("Flood-waits observed across sessions"),
		metric.WithUnit("{event}"))
	if err != nil {
		return nil, err
	}

	scratchCreated, err := meter.Int64Counter("relay.scratch.created",
		metric.WithDescription("Scratch handles created by stage 1"),
		metric.WithUnit("{handle}"))
	if err != nil {
		return nil, err
	}

	scratchReclaimed, err := meter.Int64Counter("relay.scratch.reclaimed",
		metric.WithDescription("Scratch handles reclaimed by stage 3"),
		metric.WithUnit("{handle}"))
	if err != nil {
		return nil, err
	}

	bytesTransferred, err := meter.Int64Counter("relay.bytes",
		metric.WithDescription("Media bytes transferred"),
		metric.WithUnit("By"))
	if err != nil {
		return nil, err
	}

	scratchOutstanding, err := meter.Int64UpDownCounter("relay.scratch.outstanding",
		metric.WithDescription("Scratch handles awaiting reclamation"),
		metric.WithUnit("{handle}"))
	if err != nil {
		return nil, err
	}

	floodWaitSeconds, err := meter.Float64Histogram("relay.flood_wait.duration",
		metric.WithDescription("Requested flood-wait duration"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:             tracer,
		Meter:              meter,
		Logger:             logger,
		FilesDone:          filesDone,
		UnitsDone:          unitsDone,
		BatchesSent:        batchesSent,
		FloodWaits:         floodWaits,
		ScratchCreated:     scratchCreated,
		ScratchReclaimed:   scratchReclaimed,
		BytesTransferred:   bytesTransferred,
		ScratchOutstanding: scratchOutstanding,
		FloodWaitSeconds:   floodWaitSeconds,
	}, nil
}
