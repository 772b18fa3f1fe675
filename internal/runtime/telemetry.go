package runtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"

	"github.com/loqalabs/loqa-s2s/internal/config"
	"github.com/loqalabs/loqa-s2s/internal/conversation"
)

const meterName = "github.com/loqalabs/loqa-s2s/runtime"

// setupTelemetry installs the global tracer and meter providers for the
// daemon. The returned handler serves Prometheus text and is nil when the
// exporter could not be built; metrics then stay in-process only.
func setupTelemetry(cfg config.Config, logger *slog.Logger) (func(context.Context) error, http.Handler, error) {
	ctx := context.Background()
	log := logger.With(slog.String("component", "telemetry"))

	res, err := serviceResource(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	spans, kind, err := spanExporter(ctx, cfg.Telemetry)
	if err != nil {
		return nil, nil, err
	}
	tracer := sdktrace.NewTracerProvider(sdktrace.WithBatcher(spans), sdktrace.WithResource(res))
	otel.SetTracerProvider(tracer)
	log.Info("tracing enabled", slog.String("exporter", kind))

	readers := []sdkmetric.Option{sdkmetric.WithResource(res)}
	var scrape http.Handler
	if reader, err := prometheus.New(); err != nil {
		log.Warn("prometheus exporter unavailable", slog.String("error", err.Error()))
	} else {
		readers = append(readers, sdkmetric.WithReader(reader))
		scrape = promhttp.Handler()
	}
	meters := sdkmetric.NewMeterProvider(readers...)
	otel.SetMeterProvider(meters)

	shutdown := func(ctx context.Context) error {
		return errors.Join(meters.Shutdown(ctx), tracer.Shutdown(ctx))
	}
	return shutdown, scrape, nil
}

func serviceResource(ctx context.Context, cfg config.Config) (*resource.Resource, error) {
	return resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(cfg.RuntimeName),
		attribute.String("deployment.environment", cfg.Environment),
	))
}

// spanExporter ships spans over OTLP/gRPC when an endpoint is set and
// pretty-prints them to stdout otherwise.
func spanExporter(ctx context.Context, cfg config.TelemetryConfig) (sdktrace.SpanExporter, string, error) {
	endpoint := strings.TrimSpace(cfg.OTLPEndpoint)
	if endpoint == "" {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		return exp, "stdout", err
	}
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
	if cfg.OTLPInsecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exp, err := otlptracegrpc.New(ctx, opts...)
	return exp, "otlp " + endpoint, err
}

// registerSessionGauge reports the live conversation count.
func registerSessionGauge(sessions *conversation.Store) error {
	meter := otel.Meter(meterName)
	gauge, err := meter.Int64ObservableGauge("s2s.sessions.active", metric.WithDescription("Conversations held in memory"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, int64(sessions.Len()))
		return nil
	}, gauge)
	return err
}
