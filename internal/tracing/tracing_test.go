package tracing

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/kenneth/sealvault/internal/config"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestSetup_Disabled(t *testing.T) {
	prev := otel.GetTracerProvider()

	shutdown, err := Setup(context.Background(), config.TracingConfig{Enabled: false}, quietLogger())
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	assert.Equal(t, prev, otel.GetTracerProvider())
}

func TestSetup_Stdout(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	var buf bytes.Buffer
	shutdown, err := Setup(context.Background(), config.TracingConfig{
		Enabled:        true,
		ServiceName:    "sealvault-test",
		ServiceVersion: "1.2.3",
		Exporter:       "stdout",
		SamplingRatio:  1.0,
	}, quietLogger(), WithStdoutWriter(&buf))
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "Download")
	span.End()

	require.NoError(t, shutdown(context.Background()))

	out := buf.String()
	assert.Contains(t, out, `"Name":"Download"`)
	assert.Contains(t, out, "sealvault-test")
}

func TestSetup_SamplingRatioZero(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	var buf bytes.Buffer
	shutdown, err := Setup(context.Background(), config.TracingConfig{
		Enabled:       true,
		ServiceName:   "sealvault-test",
		Exporter:      "stdout",
		SamplingRatio: 0,
	}, quietLogger(), WithStdoutWriter(&buf))
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "Download")
	span.End()
	require.NoError(t, shutdown(context.Background()))

	assert.Empty(t, buf.String())
}

func TestSetup_UnknownExporter(t *testing.T) {
	_, err := Setup(context.Background(), config.TracingConfig{
		Enabled:     true,
		ServiceName: "sealvault-test",
		Exporter:    "zipkin",
	}, quietLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown tracing exporter")
}
