// Package otel wires OpenTelemetry tracing for service entrypoints.
package otel

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const (
	// EnvEndpoint holds the OTLP/HTTP collector URL.
	EnvEndpoint = "SKYPIEA_OTEL_ENDPOINT"
	// EnvEnabled disables tracing when set to "false".
	EnvEnabled = "SKYPIEA_OTEL_ENABLED"
	// EnvSampleRatio is the fraction of root traces kept, 0 to 1.
	EnvSampleRatio = "SKYPIEA_OTEL_SAMPLE_RATIO"
)

// Settings is the tracing configuration read from the environment.
type Settings struct {
	Endpoint    string
	SampleRatio float64
}

// Enabled reports whether spans should be exported.
func (s Settings) Enabled() bool {
	return s.Endpoint != ""
}

func (s Settings) sampler() sdktrace.Sampler {
	if s.SampleRatio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(s.SampleRatio))
}

// SettingsFromEnv reads tracing settings. A disabled flag clears the
// endpoint; an unset ratio keeps every trace.
func SettingsFromEnv() (Settings, error) {
	settings := Settings{SampleRatio: 1}
	if strings.EqualFold(strings.TrimSpace(os.Getenv(EnvEnabled)), "false") {
		return settings, nil
	}
	settings.Endpoint = strings.TrimSpace(os.Getenv(EnvEndpoint))

	if raw := strings.TrimSpace(os.Getenv(EnvSampleRatio)); raw != "" {
		ratio, err := strconv.ParseFloat(raw, 64)
		if err != nil || ratio < 0 || ratio > 1 {
			return Settings{}, fmt.Errorf("%s must be a number between 0 and 1, got %q", EnvSampleRatio, raw)
		}
		settings.SampleRatio = ratio
	}
	return settings, nil
}

// Setup installs a global tracer provider for serviceName when an endpoint
// is configured. Otherwise the no-op provider stays in place. The returned
// shutdown flushes pending spans.
func Setup(ctx context.Context, serviceName string) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }

	settings, err := SettingsFromEnv()
	if err != nil {
		return noop, err
	}
	if !settings.Enabled() {
		return noop, nil
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(settings.Endpoint))
	if err != nil {
		return noop, fmt.Errorf("create otlp exporter: %w", err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return noop, fmt.Errorf("build trace resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(settings.sampler()),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return provider.Shutdown, nil
}
