package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/forkpool/internal/config"
)

func TestNewProvider_Disabled(t *testing.T) {
	p, err := NewProvider(config.TracingConfig{Enabled: false})
	require.NoError(t, err)
	assert.False(t, p.Enabled())

	_, span := p.Tracer().Start(context.Background(), SpanDispatch)
	assert.False(t, span.SpanContext().IsValid())
	span.End()
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProvider_StdoutExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	p, err := NewProvider(config.TracingConfig{
		Enabled:     true,
		Exporter:    "stdout",
		SampleRate:  1,
		ServiceName: "forkpool-test",
	}, WithStdoutWriter(&buf))
	require.NoError(t, err)
	require.True(t, p.Enabled())

	_, span := p.Tracer().Start(context.Background(), SpanReceive)
	assert.True(t, span.SpanContext().IsValid())
	span.End()

	require.NoError(t, p.Shutdown(context.Background()))
	assert.Contains(t, buf.String(), SpanReceive)
	assert.Contains(t, buf.String(), "forkpool-test")
}

func TestNewProvider_NoneStillSamples(t *testing.T) {
	p, err := NewProvider(config.TracingConfig{Enabled: true, Exporter: "none"})
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	_, span := p.Tracer().Start(context.Background(), SpanRun)
	assert.True(t, span.SpanContext().IsValid())
	span.End()
}

func TestNewProvider_UnknownExporter(t *testing.T) {
	_, err := NewProvider(config.TracingConfig{Enabled: true, Exporter: "zipkin"})
	assert.ErrorContains(t, err, "unsupported exporter type")
}
