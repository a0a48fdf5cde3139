package otelcol

import (
	"context"

	"trustwork/pkg/config"
	"trustwork/pkg/otelcol/exporters"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("otelcol",
	fx.Provide(
		ProvideTracerProvider,
		ProvideMeterProvider,
	),
)

func serviceResource(cfg *config.Config) *resource.Resource {
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", cfg.AppName),
		attribute.String("service.version", cfg.AppVersion),
		attribute.String("deployment.environment", cfg.AppEnv),
	))
	if err != nil {
		return resource.Default()
	}
	return res
}

// ProvideTracerProvider exports spans over OTLP when OTEL.ADDR is set and installs the provider globally.
func ProvideTracerProvider(lc fx.Lifecycle, cfg *config.Config) trace.TracerProvider {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	if cfg.Otel.Addr == "" {
		return otel.GetTracerProvider()
	}

	exp, err := exporters.New(cfg)
	if err != nil {
		zap.L().Warn("failed to create otlp exporter, tracing disabled", zap.Error(err))
		return otel.GetTracerProvider()
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(serviceResource(cfg)),
		sdktrace.WithBatcher(exp),
	)
	otel.SetTracerProvider(tp)

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return tp.Shutdown(ctx)
		},
	})

	return tp
}

func ProvideMeterProvider(lc fx.Lifecycle, cfg *config.Config) metric.MeterProvider {
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(serviceResource(cfg)))
	otel.SetMeterProvider(mp)

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return mp.Shutdown(ctx)
		},
	})

	return mp
}
