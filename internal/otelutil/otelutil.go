// Package otelutil installs the global tracer provider.
package otelutil

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	otlptracegrpc "go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	stdouttrace "go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// ErrNoExporter is returned by Init when tracing is not configured. The
// global no-op provider stays in place.
var ErrNoExporter = errors.New("no OTEL exporter configured: set otel.otlp_endpoint or otel.stdout")

type Config struct {
	ServiceName  string
	OTLPEndpoint string
	Insecure     bool
	// Headers is a comma separated key=val list sent with every export.
	Headers string
	Stdout  bool
}

var tp *sdktrace.TracerProvider

// Init builds a tracer provider from cfg. OTLP/gRPC wins over stdout when both
// are configured.
func Init(ctx context.Context, cfg Config) error {
	name := cfg.ServiceName
	if name == "" {
		name = "walkie"
	}
	res, err := sdkresource.New(ctx, sdkresource.WithAttributes(
		semconv.ServiceNameKey.String(name),
	))
	if err != nil {
		return err
	}

	var exporter sdktrace.SpanExporter
	switch {
	case cfg.OTLPEndpoint != "":
		exporter, err = otlptracegrpc.New(ctx, otlpOptions(cfg)...)
	case cfg.Stdout:
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return ErrNoExporter
	}
	if err != nil {
		return err
	}

	tp = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return nil
}

func otlpOptions(cfg Config) []otlptracegrpc.Option {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	if hdrs := ParseHeaders(cfg.Headers); len(hdrs) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(hdrs))
	}
	return opts
}

// ParseHeaders turns "k1=v1,k2=v2" into a map. Malformed pairs are skipped.
func ParseHeaders(s string) map[string]string {
	m := map[string]string{}
	if s == "" {
		return m
	}
	for _, pair := range strings.Split(s, ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) == 2 && strings.TrimSpace(kv[0]) != "" {
			m[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
		}
	}
	return m
}

// Flush gracefully shuts down the tracer provider, flushing any pending spans.
// It is safe to call multiple times.
func Flush() {
	if tp == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = tp.Shutdown(ctx)
}
