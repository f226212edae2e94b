package tracing

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"

	"github.com/viniciushammett/go-dns-anomaly-detector/internal/config"
	"github.com/viniciushammett/go-dns-anomaly-detector/internal/logger"
)

type Closer func(context.Context) error

func noop(context.Context) error { return nil }

// Init installs the global tracer provider. With tracing disabled the otel
// default no-op provider stays in place and every span in the pipeline is free.
func Init(ctx context.Context, cfg config.Config, version string, log *logger.Logger) (Closer, error) {
	tc := cfg.Tracing
	if !tc.Enabled {
		return noop, nil
	}
	exp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithEndpoint(tc.OTLPEndpoint),
		otlptracegrpc.WithDialOption(grpc.WithUserAgent(tc.ServiceName+"/"+version)),
	)
	if err != nil { return noop, err }

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(tc.SampleRatio))),
		sdktrace.WithBatcher(exp, sdktrace.WithMaxExportBatchSize(512), sdktrace.WithBatchTimeout(time.Second)),
		sdktrace.WithResource(resource.NewSchemaless(
			semconv.ServiceName(tc.ServiceName),
			semconv.ServiceVersion(version),
		)),
	)
	otel.SetTracerProvider(tp)
	log.Info().Str("endpoint", tc.OTLPEndpoint).Float64("ratio", tc.SampleRatio).Msg("tracing enabled")
	return tp.Shutdown, nil
}
