// Package telemetry wires the library's OpenTelemetry instruments and,
// for the binaries, a meter provider exporting over OTLP/HTTP. The
// library records against the global meter provider, so applications
// that never install one pay only the no-op cost.
package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const meterName = "github.com/yuuki/rpma-go"

var (
	instrumentsOnce sync.Once

	connsEstablished     metric.Int64Counter
	readsPosted          metric.Int64Counter
	completionsDelivered metric.Int64Counter
	cmEventsDiscarded    metric.Int64Counter
)

func instruments() {
	instrumentsOnce.Do(func() {
		meter := otel.Meter(meterName)
		connsEstablished, _ = meter.Int64Counter("rpma.connections.established",
			metric.WithDescription("Connections that reached the Established state"))
		readsPosted, _ = meter.Int64Counter("rpma.reads.posted",
			metric.WithDescription("One-sided read work requests posted"))
		completionsDelivered, _ = meter.Int64Counter("rpma.completions.delivered",
			metric.WithDescription("Work completions delivered to the application"))
		cmEventsDiscarded, _ = meter.Int64Counter("rpma.cm_events.discarded",
			metric.WithDescription("Connection-manager events consumed and discarded"))
	})
}

// ConnEstablished counts a connection reaching Established.
func ConnEstablished(ctx context.Context) {
	instruments()
	connsEstablished.Add(ctx, 1)
}

// ReadPosted counts a posted read work request.
func ReadPosted(ctx context.Context) {
	instruments()
	readsPosted.Add(ctx, 1)
}

// CompletionDelivered counts a completion handed to the application.
func CompletionDelivered(ctx context.Context) {
	instruments()
	completionsDelivered.Add(ctx, 1)
}

// CMEventDiscarded counts a swallowed connection-manager event.
func CMEventDiscarded(ctx context.Context) {
	instruments()
	cmEventsDiscarded.Add(ctx, 1)
}

// NewMeterProvider builds a meter provider exporting over OTLP/HTTP to
// endpoint (host:port) and installs it as the global provider. The
// returned provider must be shut down by the caller.
func NewMeterProvider(ctx context.Context, serviceName, instanceID, endpoint string) (*sdkmetric.MeterProvider, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("empty OTLP endpoint")
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceInstanceID(instanceID),
		),
	)
	if err != nil {
		return nil, err
	}

	exporter, err := otlpmetrichttp.New(ctx,
		otlpmetrichttp.WithEndpoint(endpoint),
		otlpmetrichttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(10*time.Second))),
	)
	otel.SetMeterProvider(provider)
	return provider, nil
}
