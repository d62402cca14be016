package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewExporter_Disabled(t *testing.T) {
	exp, err := NewExporter(context.Background(), ExporterConfig{})
	require.NoError(t, err)
	assert.Nil(t, exp)
}

func TestNewExporter_UnknownProtocol(t *testing.T) {
	_, err := NewExporter(context.Background(), ExporterConfig{Endpoint: "localhost:4317", Protocol: "udp"})
	assert.ErrorContains(t, err, "udp")
}

func TestNewExporter_HTTP(t *testing.T) {
	exp, err := NewExporter(context.Background(), ExporterConfig{Endpoint: "localhost:4318", Protocol: ProtocolHTTP, Insecure: true})
	require.NoError(t, err)
	require.NotNil(t, exp)
	assert.NoError(t, exp.Shutdown(context.Background()))
}
