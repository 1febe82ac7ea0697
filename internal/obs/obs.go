// Package obs bootstraps OpenTelemetry tracing and metrics for the hive.
//
// Grounded on the teacher repo's libs/go/core/otelinit: a global tracer
// provider, a global meter provider that every component takes its
// counters/histograms from, and a graceful flush on shutdown. No exporter or
// metric reader is attached, so nothing is sent out of the process.
package obs

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// Shutdown flushes and tears down the tracer/meter providers installed by Init.
type Shutdown func(context.Context) error

// Init installs a global tracer provider and meter provider tagged with
// service, and returns a combined shutdown function. No span exporter or
// metric reader is configured; OTEL_EXPORTER_OTLP_ENDPOINT is only logged.
func Init(ctx context.Context, service string) Shutdown {
	res, _ := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
	))

	tp := trace.NewTracerProvider(trace.WithResource(res))
	otel.SetTracerProvider(tp)

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)

	slog.Info("observability initialized", "service", service,
		"otlp_endpoint", os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))

	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		err1 := tp.Shutdown(ctx)
		err2 := mp.Shutdown(ctx)
		if err1 != nil {
			return err1
		}
		return err2
	}
}

// Tracer returns a tracer scoped to name under the hive's tracer provider.
func Tracer(name string) interface {
	Start(ctx context.Context, spanName string) (context.Context, func())
} {
	return tracerAdapter{name}
}

type tracerAdapter struct{ name string }

func (t tracerAdapter) Start(ctx context.Context, spanName string) (context.Context, func()) {
	tr := otel.Tracer(t.name)
	ctx, span := tr.Start(ctx, spanName)
	return ctx, func() { span.End() }
}
