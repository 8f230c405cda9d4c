package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/kenneth/image-keyring/internal/config"
)

func TestSetup_Disabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TracingConfig{Enabled: false}, nil)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetup_StdoutExportsSpans(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	var buf bytes.Buffer
	shutdown, err := Setup(context.Background(), config.TracingConfig{
		Enabled:        true,
		ServiceName:    "image-keyring-test",
		ServiceVersion: "test",
		Exporter:       "stdout",
		SamplingRatio:  1.0,
	}, &buf)
	require.NoError(t, err)

	_, span := Tracer().Start(context.Background(), "rotation.batch")
	span.End()

	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, buf.String(), "rotation.batch")
	assert.Contains(t, buf.String(), "image-keyring-test")
}

func TestSetup_UnknownExporter(t *testing.T) {
	_, err := Setup(context.Background(), config.TracingConfig{
		Enabled:       true,
		Exporter:      "zipkin",
		SamplingRatio: 1.0,
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported tracing exporter")
}
