package telemetry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const (
	ProtocolGrpc = "grpc"
	ProtocolHttp = "http"
)

// Exporter is one OTLP destination. An empty Endpoint disables it.
type Exporter struct {
	Endpoint string            `json:"endpoint"`
	Protocol string            `json:"protocol"`
	Headers  map[string]string `json:"headers"`
}

func (e Exporter) enabled() bool { return e.Endpoint != "" }

func (e Exporter) grpc() bool { return strings.EqualFold(e.Protocol, ProtocolGrpc) }

// Config selects where pipeline spans and run counters are exported.
type Config struct {
	Traces        Exporter `json:"traces"`
	Metrics       Exporter `json:"metrics"`
	MetricSeconds int      `json:"metric_interval_seconds"`
}

// Otel holds the providers installed by Setup, either may be nil when the
// matching exporter is not configured.
type Otel struct {
	TracerProvider *trace.TracerProvider
	MeterProvider  *metric.MeterProvider
}

// Shutdown flushes pending spans and metrics. Short CLI runs rely on it to
// export anything at all.
func (o Otel) Shutdown(ctx context.Context) error {
	var errs *multierror.Error
	if o.TracerProvider != nil {
		errs = multierror.Append(errs, o.TracerProvider.Shutdown(ctx))
	}
	if o.MeterProvider != nil {
		errs = multierror.Append(errs, o.MeterProvider.Shutdown(ctx))
	}
	return errs.ErrorOrNil()
}

// Setup installs global otel providers for the configured exporters and
// leaves the global no-op providers in place otherwise.
func Setup(ctx context.Context, serviceName string, config Config) (Otel, error) {
	out := Otel{}
	if !config.Traces.enabled() && !config.Metrics.enabled() {
		return out, nil
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return out, fmt.Errorf("otel resource: %w", err)
	}

	if config.Traces.enabled() {
		exporter, err := spanExporter(ctx, config.Traces)
		if err != nil {
			return out, fmt.Errorf("trace exporter %s: %w", config.Traces.Endpoint, err)
		}
		out.TracerProvider = trace.NewTracerProvider(trace.WithBatcher(exporter), trace.WithResource(res))
		otel.SetTracerProvider(out.TracerProvider)
	}

	if config.Metrics.enabled() {
		exporter, err := metricExporter(ctx, config.Metrics)
		if err != nil {
			return out, fmt.Errorf("metric exporter %s: %w", config.Metrics.Endpoint, err)
		}
		interval := 30 * time.Second
		if config.MetricSeconds > 0 {
			interval = time.Duration(config.MetricSeconds) * time.Second
		}
		out.MeterProvider = metric.NewMeterProvider(
			metric.WithReader(metric.NewPeriodicReader(exporter, metric.WithInterval(interval))),
			metric.WithResource(res),
		)
		otel.SetMeterProvider(out.MeterProvider)
	}

	return out, nil
}

func spanExporter(ctx context.Context, e Exporter) (trace.SpanExporter, error) {
	if e.grpc() {
		return otlptracegrpc.New(ctx, otlptracegrpc.WithEndpointURL(e.Endpoint), otlptracegrpc.WithHeaders(e.Headers))
	}
	return otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(e.Endpoint), otlptracehttp.WithHeaders(e.Headers))
}

func metricExporter(ctx context.Context, e Exporter) (metric.Exporter, error) {
	if e.grpc() {
		return otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpointURL(e.Endpoint), otlpmetricgrpc.WithHeaders(e.Headers))
	}
	return otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpointURL(e.Endpoint), otlpmetrichttp.WithHeaders(e.Headers))
}

// MeteredAPI forwards every report to inner and also counts them on otel
// instruments: run totals on "bidagg.run.total", broken and warning reports
// on "bidagg.reports".
type MeteredAPI struct {
	inner   API
	totals  otelmetric.Int64Counter
	reports otelmetric.Int64Counter
}

// NewMeteredAPI uses the global meter provider, so it only records once
// Setup has installed one.
func NewMeteredAPI(inner API) (MeteredAPI, error) {
	meter := otel.Meter("bidaggregator")
	totals, err := meter.Int64Counter("bidagg.run.total", otelmetric.WithDescription("per-run totals by report id"))
	if err != nil {
		return MeteredAPI{}, err
	}
	reports, err := meter.Int64Counter("bidagg.reports", otelmetric.WithDescription("broken and warning reports by id"))
	if err != nil {
		return MeteredAPI{}, err
	}
	return MeteredAPI{inner: inner, totals: totals, reports: reports}, nil
}

func (m MeteredAPI) report(level, id string) {
	m.reports.Add(context.Background(), 1, otelmetric.WithAttributes(
		attribute.String("level", level),
		attribute.String("id", id),
	))
}

func (m MeteredAPI) ReportBroken(id string, params ...any) {
	m.report("broken", id)
	m.inner.ReportBroken(id, params...)
}

func (m MeteredAPI) ReportWarning(id string, params ...any) {
	m.report("warning", id)
	m.inner.ReportWarning(id, params...)
}

func (m MeteredAPI) ReportDebug(msg string, params ...any) {
	m.inner.ReportDebug(msg, params...)
}

func (m MeteredAPI) ReportCount(id string, count int64) {
	m.inner.ReportCount(id, count)
	m.totals.Add(context.Background(), count, otelmetric.WithAttributes(attribute.String("id", id)))
}
