package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/agentuity/go-reportcache/logger"
	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
)

// Options configures OTLP export.
type Options struct {
	// Endpoint is the OTLP/HTTP collector base URL for logs, e.g. http://localhost:4318.
	Endpoint string
	// MetricsEndpoint is the OTLP/gRPC collector URL for metrics. Metrics are
	// not exported when empty.
	MetricsEndpoint string
	AuthToken       string
	ServiceName     string
	LogLevel        logger.LogLevel
}

type ShutdownFunc func()

// New wires OTLP log export (and metric export when configured). The returned
// logger emits to the collector and should be stacked onto the console logger.
// The global meter provider is replaced when metrics are exported, so
// Default picks it up.
func New(ctx context.Context, opts Options) (logger.Logger, ShutdownFunc, error) {
	logURL, err := url.Parse(opts.Endpoint)
	if err != nil {
		return nil, nil, errors.Wrap(err, "parse otlp endpoint")
	}
	logURL.Path = "/v1/logs"

	res, err := resource.New(
		ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithProcess(),
		resource.WithHost(),
		resource.WithAttributes(semconv.ServiceName(opts.ServiceName)),
	)
	if err != nil && !errors.Is(err, resource.ErrPartialResource) {
		return nil, nil, errors.Wrap(err, "create resource")
	}

	headers := make(map[string]string)
	if opts.AuthToken != "" {
		headers["Authorization"] = "Bearer " + opts.AuthToken
	}
	logOpts := []otlploghttp.Option{
		otlploghttp.WithEndpointURL(logURL.String()),
		otlploghttp.WithHeaders(headers),
		otlploghttp.WithTimeout(10 * time.Second),
		otlploghttp.WithCompression(otlploghttp.GzipCompression),
	}
	if logURL.Scheme == "http" {
		logOpts = append(logOpts, otlploghttp.WithInsecure())
	}
	logExporter, err := otlploghttp.New(ctx, logOpts...)
	if err != nil {
		return nil, nil, errors.Wrap(err, "create log exporter")
	}
	logProvider := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)),
	)

	var meterProvider *sdkmetric.MeterProvider
	if opts.MetricsEndpoint != "" {
		metricExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpointURL(opts.MetricsEndpoint),
			otlpmetricgrpc.WithHeaders(headers),
		)
		if err != nil {
			_ = logProvider.Shutdown(ctx)
			return nil, nil, errors.Wrap(err, "create metric exporter")
		}
		meterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
		)
		otel.SetMeterProvider(meterProvider)
	}

	log := logger.NewOtelLogger(logProvider.Logger(opts.ServiceName), opts.LogLevel)

	return log, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := logProvider.Shutdown(ctx); err != nil {
			fmt.Printf("otel log shutdown: %v\n", err)
		}
		if meterProvider != nil {
			if err := meterProvider.Shutdown(ctx); err != nil {
				fmt.Printf("otel metric shutdown: %v\n", err)
			}
		}
	}, nil
}
