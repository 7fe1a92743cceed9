package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/agent-racer/conductor/internal/config"
)

func TestSetupWithoutEndpointIsNoop(t *testing.T) {
	before := otel.GetTracerProvider()
	shutdown, err := Setup(context.Background(), config.TelemetryConfig{ServiceName: "conductor"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
	require.Equal(t, before, otel.GetTracerProvider())
}

func TestSetupInstallsProvider(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	shutdown, err := Setup(context.Background(), config.TelemetryConfig{
		Endpoint:    "127.0.0.1:4318",
		Insecure:    true,
		ServiceName: "conductor-test",
	})
	require.NoError(t, err)
	require.NotEqual(t, prev, otel.GetTracerProvider())

	_, span := otel.Tracer("test").Start(context.Background(), "span")
	require.True(t, span.SpanContext().IsValid())
	span.End()

	// Nothing listens on the endpoint; shutdown only has to return.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = shutdown(ctx)
}
