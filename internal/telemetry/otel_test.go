package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestParseEndpoint(t *testing.T) {
	cases := []struct {
		raw, endpoint, path string
		insecure            bool
	}{
		{"", "localhost:4318", "/v1/traces", true},
		{"http://jaeger:4318/v1/traces", "jaeger:4318", "/v1/traces", true},
		{"https://otel.example.com/custom", "otel.example.com", "/custom", false},
		{"collector:4318", "collector:4318", "/v1/traces", true},
	}
	for _, tc := range cases {
		endpoint, path, insecure := parseEndpoint(tc.raw)
		assert.Equal(t, tc.endpoint, endpoint, tc.raw)
		assert.Equal(t, tc.path, path, tc.raw)
		assert.Equal(t, tc.insecure, insecure, tc.raw)
	}
}

func TestInitTracerDisabled(t *testing.T) {
	shutdown, err := InitTracer(context.Background(), Options{ServiceName: "parkpay"}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
