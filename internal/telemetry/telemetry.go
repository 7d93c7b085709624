// Package telemetry wires optional OpenTelemetry export over OTLP gRPC.
//
// [Setup] installs the global providers; [NewLogHandler] copies slog records
// into the log provider. Without a telemetry block the globals stay no-ops
// and the sync engine's instruments record nothing.
package telemetry

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// Config carries the telemetry block of the placesync config file.
type Config struct {
	// OTLPEndpoint is the collector's gRPC host:port.
	OTLPEndpoint string
	// Insecure dials the collector without TLS.
	Insecure bool
	// ServiceName defaults to [DefaultServiceName].
	ServiceName    string
	ServiceVersion string
	// Headers are attached as gRPC metadata to every export, typically
	// {"Authorization": "Bearer <token>"}.
	Headers map[string]string
}

// DefaultServiceName is the service.name used when none is configured.
const DefaultServiceName = "placesync"

// ShutdownFunc flushes and closes the providers. Call it with a fresh
// context; the main one is usually cancelled by then.
type ShutdownFunc func(context.Context) error

// closers runs shutdown steps in reverse registration order.
type closers []func(context.Context) error

func (c closers) shutdown(ctx context.Context) error {
	var errs []error
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Setup installs global trace, metric and log providers exporting to
// cfg.OTLPEndpoint over one shared gRPC connection. The returned
// [ShutdownFunc] is never nil, so callers may defer it before checking err.
func Setup(ctx context.Context, cfg Config) (ShutdownFunc, error) {
	if cfg.OTLPEndpoint == "" {
		return noopShutdown, errors.New("telemetry: OTLP endpoint is required")
	}
	res, err := buildResource(cfg)
	if err != nil {
		return noopShutdown, err
	}

	conn, err := dial(cfg)
	if err != nil {
		return noopShutdown, err
	}
	cs := closers{func(context.Context) error {
		if err := conn.Close(); err != nil {
			return fmt.Errorf("closing OTLP connection: %w", err)
		}
		return nil
	}}
	fail := func(err error) (ShutdownFunc, error) {
		_ = cs.shutdown(ctx)
		return noopShutdown, err
	}

	tp, err := tracerProvider(ctx, conn, cfg.Headers, res)
	if err != nil {
		return fail(err)
	}
	otel.SetTracerProvider(tp)
	cs = append(cs, named("trace provider", tp.Shutdown))

	mp, err := meterProvider(ctx, conn, cfg.Headers, res)
	if err != nil {
		return fail(err)
	}
	otel.SetMeterProvider(mp)
	cs = append(cs, named("metric provider", mp.Shutdown))

	lp, err := loggerProvider(ctx, conn, cfg.Headers, res)
	if err != nil {
		return fail(err)
	}
	global.SetLoggerProvider(lp)
	cs = append(cs, named("log provider", lp.Shutdown))

	return cs.shutdown, nil
}

func dial(cfg Config) (*grpc.ClientConn, error) {
	creds := credentials.NewTLS(nil)
	if cfg.Insecure {
		creds = insecure.NewCredentials()
	}
	conn, err := grpc.NewClient(cfg.OTLPEndpoint, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("dialling OTLP collector at %q: %w", cfg.OTLPEndpoint, err)
	}
	return conn, nil
}

func tracerProvider(ctx context.Context, conn *grpc.ClientConn, headers map[string]string, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	exp, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn), otlptracegrpc.WithHeaders(headers))
	if err != nil {
		return nil, fmt.Errorf("creating OTLP trace exporter: %w", err)
	}
	return sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp), sdktrace.WithResource(res)), nil
}

func meterProvider(ctx context.Context, conn *grpc.ClientConn, headers map[string]string, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	exp, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithGRPCConn(conn), otlpmetricgrpc.WithHeaders(headers))
	if err != nil {
		return nil, fmt.Errorf("creating OTLP metric exporter: %w", err)
	}
	reader := sdkmetric.NewPeriodicReader(exp)
	return sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res)), nil
}

func loggerProvider(ctx context.Context, conn *grpc.ClientConn, headers map[string]string, res *resource.Resource) (*sdklog.LoggerProvider, error) {
	exp, err := otlploggrpc.New(ctx, otlploggrpc.WithGRPCConn(conn), otlploggrpc.WithHeaders(headers))
	if err != nil {
		return nil, fmt.Errorf("creating OTLP log exporter: %w", err)
	}
	return sdklog.NewLoggerProvider(sdklog.WithProcessor(sdklog.NewBatchProcessor(exp)), sdklog.WithResource(res)), nil
}

func named(what string, fn func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			return fmt.Errorf("%s shutdown: %w", what, err)
		}
		return nil
	}
}

// buildResource merges the SDK defaults with the service identity.
// NewSchemaless sidesteps schema URL conflicts with resource.Default.
func buildResource(cfg Config) (*resource.Resource, error) {
	name := cfg.ServiceName
	if name == "" {
		name = DefaultServiceName
	}
	attrs := []attribute.KeyValue{semconv.ServiceName(name)}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
	if err != nil {
		return nil, fmt.Errorf("building OTel resource: %w", err)
	}
	return res, nil
}

func noopShutdown(context.Context) error { return nil }
