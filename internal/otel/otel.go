// Package otel wires OpenTelemetry tracing and metrics for strata runs.
// When disabled every provider is a no-op.
package otel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	TracerName = "strata"
	MeterName  = "strata"

	DefaultOTLPEndpoint = "localhost:4318"

	// metricInterval is how often the daemon pushes metrics. One-shot
	// commands export once, at shutdown.
	metricInterval = 30 * time.Second
)

// Config is the telemetry section of config.yaml.
type Config struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Exporters lists the accepted values of Config.Exporter.
var Exporters = []string{"otlp-http", "stdout", "none"}

// Process identifies the strata invocation that telemetry is exported for.
type Process struct {
	// Command is the subcommand being run. Only "daemon" is long-lived.
	Command string
	HomeDir string
	Version string
}

func (p Process) longLived() bool { return p.Command == "daemon" }

// Provider holds the tracer and meter handed to the worker.
type Provider struct {
	Tracer trace.Tracer
	Meter  metric.Meter

	// reader keeps metrics in process when exporter is none.
	reader   *sdkmetric.ManualReader
	shutdown []func(context.Context) error
}

// Init builds the trace and metric pipelines selected by cfg.Exporter and
// installs the tracer provider globally. The returned Provider must be shut
// down on exit; shutdown flushes both pipelines.
func Init(ctx context.Context, cfg Config, proc Process) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{
			Tracer: nooptrace.NewTracerProvider().Tracer(TracerName),
			Meter:  noop.NewMeterProvider().Meter(MeterName),
		}, nil
	}

	spans, reader, err := newPipelines(ctx, cfg)
	if err != nil {
		return nil, err
	}

	res := newResource(cfg, proc)
	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(samplerFor(cfg, proc)),
	}
	switch {
	case spans == nil:
	case proc.longLived():
		tpOpts = append(tpOpts, sdktrace.WithBatcher(spans))
	default:
		// A one-shot command exits right after its runs.
		tpOpts = append(tpOpts, sdktrace.WithSyncer(spans))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)

	p := &Provider{
		Tracer:   tp.Tracer(TracerName, trace.WithInstrumentationVersion(proc.Version)),
		Meter:    mp.Meter(MeterName, metric.WithInstrumentationVersion(proc.Version)),
		shutdown: []func(context.Context) error{tp.Shutdown, mp.Shutdown},
	}
	if mr, ok := reader.(*sdkmetric.ManualReader); ok {
		p.reader = mr
	}
	return p, nil
}

// Shutdown flushes and stops both pipelines.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range p.shutdown {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	p.shutdown = nil
	return errors.Join(errs...)
}

func newResource(cfg Config, proc Process) *resource.Resource {
	name := cfg.ServiceName
	if name == "" {
		name = "strata"
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceName(name),
		semconv.ProcessPID(os.Getpid()),
		AttrCommand.String(proc.Command),
	}
	if proc.Version != "" {
		attrs = append(attrs, semconv.ServiceVersion(proc.Version))
	}
	if proc.HomeDir != "" {
		attrs = append(attrs, AttrHome.String(proc.HomeDir))
	}
	if host, err := os.Hostname(); err == nil {
		attrs = append(attrs, semconv.HostName(host))
	}
	return resource.NewWithAttributes(semconv.SchemaURL, attrs...)
}

// samplerFor always samples one-shot commands. The daemon applies
// sample_rate to root spans.
func samplerFor(cfg Config, proc Process) sdktrace.Sampler {
	if !proc.longLived() {
		return sdktrace.AlwaysSample()
	}
	if cfg.SampleRate <= 0 || cfg.SampleRate >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))
}

// newPipelines returns the span exporter and metric reader for cfg.Exporter.
// The span exporter is nil for "none".
func newPipelines(ctx context.Context, cfg Config) (sdktrace.SpanExporter, sdkmetric.Reader, error) {
	switch cfg.Exporter {
	case "otlp-http":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = DefaultOTLPEndpoint
		}
		spans, err := otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("otlp trace exporter: %w", err)
		}
		metrics, err := otlpmetrichttp.New(ctx,
			otlpmetrichttp.WithEndpoint(endpoint),
			otlpmetrichttp.WithInsecure(),
		)
		if err != nil {
			_ = spans.Shutdown(ctx)
			return nil, nil, fmt.Errorf("otlp metric exporter: %w", err)
		}
		return spans, sdkmetric.NewPeriodicReader(metrics, sdkmetric.WithInterval(metricInterval)), nil
	case "stdout":
		// Command output owns stdout.
		spans, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
		if err != nil {
			return nil, nil, fmt.Errorf("stdout trace exporter: %w", err)
		}
		metrics, err := stdoutmetric.New(stdoutmetric.WithWriter(os.Stderr))
		if err != nil {
			return nil, nil, fmt.Errorf("stdout metric exporter: %w", err)
		}
		return spans, sdkmetric.NewPeriodicReader(metrics, sdkmetric.WithInterval(metricInterval)), nil
	case "none", "":
		return nil, sdkmetric.NewManualReader(), nil
	default:
		return nil, nil, fmt.Errorf("unknown exporter %q (supported: otlp-http, stdout, none)", cfg.Exporter)
	}
}
