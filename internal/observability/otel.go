package observability

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.uber.org/zap"

	"github.com/vaheed/novaspace/internal/logging"
)

const serviceName = "novaspace"

// Config selects the OTLP/HTTP collector spans from reconcile cycles are sent to.
type Config struct {
	// Endpoint is host:port, or a URL whose http scheme turns TLS off.
	Endpoint       string
	ServiceVersion string
}

// SetupOTel installs a batching tracer provider exporting over OTLP/HTTP.
// An empty endpoint leaves the global no-op provider in place.
func SetupOTel(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return noopShutdown, nil
	}
	hostPort, plaintext, err := parseEndpoint(cfg.Endpoint)
	if err != nil {
		return noopShutdown, fmt.Errorf("otel endpoint: %w", err)
	}
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(hostPort)}
	if plaintext {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	setupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	exp, err := otlptracehttp.New(setupCtx, opts...)
	if err != nil {
		return noopShutdown, fmt.Errorf("otlp trace exporter: %w", err)
	}
	version := cfg.ServiceVersion
	if version == "" {
		version = "dev"
	}
	res, err := resource.New(setupCtx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return noopShutdown, fmt.Errorf("otel resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp), sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	logging.L.Info("otel_configured", zap.String("endpoint", hostPort), zap.Bool("plaintext", plaintext), zap.String("version", version))
	return tp.Shutdown, nil
}

// parseEndpoint accepts "collector:4318" or "http(s)://collector:4318".
func parseEndpoint(raw string) (hostPort string, plaintext bool, err error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		return raw, false, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false, err
	}
	if u.Host == "" {
		return "", false, fmt.Errorf("missing host in %q", raw)
	}
	return u.Host, u.Scheme == "http", nil
}

func noopShutdown(context.Context) error { return nil }
