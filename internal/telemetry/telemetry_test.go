package telemetry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// newCollector starts a fake OTLP collector and returns its host:port
func newCollector(t *testing.T) string {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)
	return strings.TrimPrefix(server.URL, "http://")
}

func TestNew(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name             string
		config           *Config
		expectNoOpTracer bool
		expectNoOpMeter  bool
		errorContains    string
	}{
		{
			name:             "no config",
			expectNoOpTracer: true,
			expectNoOpMeter:  true,
		},
		{
			name:             "disabled",
			config:           &Config{Enabled: false},
			expectNoOpTracer: true,
			expectNoOpMeter:  true,
		},
		{
			name: "tracing and metrics disabled",
			config: &Config{
				Enabled: true,
				Tracing: &TracingConfig{Enabled: false},
				Metrics: &MetricsConfig{Enabled: false},
			},
			expectNoOpTracer: true,
			expectNoOpMeter:  true,
		},
		{
			name: "invalid sampling",
			config: &Config{
				Enabled: true,
				Tracing: &TracingConfig{Enabled: true, Sampling: 1.5},
			},
			errorContains: "invalid telemetry configuration",
		},
		{
			name: "unknown exporter",
			config: &Config{
				Enabled: true,
				Metrics: &MetricsConfig{Enabled: true, Exporter: "statsd"},
			},
			errorContains: "unknown exporter",
		},
		{
			name: "prometheus metrics",
			config: &Config{
				Enabled: true,
				Metrics: &MetricsConfig{Enabled: true, Exporter: MetricsExporterPrometheus},
			},
			expectNoOpTracer: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()

			var opts []Option
			if tt.config != nil {
				opts = append(opts, WithTelemetryConfig(tt.config))
			}
			tel, err := New(ctx, opts...)

			if tt.errorContains != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errorContains)
				return
			}
			require.NoError(t, err)

			_, noopTracer := tel.TracerProvider().(tracenoop.TracerProvider)
			assert.Equal(t, tt.expectNoOpTracer, noopTracer)

			_, noopMeter := tel.MeterProvider().(noop.MeterProvider)
			assert.Equal(t, tt.expectNoOpMeter, noopMeter)

			require.NoError(t, tel.Shutdown(ctx))
		})
	}
}

func TestTelemetry_MetricsHandler(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	tel, err := New(ctx)
	require.NoError(t, err)
	assert.Nil(t, tel.MetricsHandler())

	tel, err = New(ctx, WithTelemetryConfig(&Config{
		Enabled: true,
		Metrics: &MetricsConfig{Enabled: true, Exporter: MetricsExporterPrometheus},
	}))
	require.NoError(t, err)
	defer func() { _ = tel.Shutdown(ctx) }()
	require.NotNil(t, tel.MetricsHandler())

	metrics, err := NewSyncMetrics(tel.MeterProvider())
	require.NoError(t, err)
	metrics.RecordTableFailure(ctx, "inventories", "pull")

	rec := httptest.NewRecorder()
	tel.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "pos_sync_table_failures_total")
}

func TestTelemetry_Shutdown(t *testing.T) {
	t.Parallel()

	t.Run("no-op is idempotent", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		tel, err := New(ctx)
		require.NoError(t, err)
		require.NoError(t, tel.Shutdown(ctx))
		require.NoError(t, tel.Shutdown(ctx))
	})

	t.Run("SDK providers", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		tel, err := New(ctx, WithTelemetryConfig(&Config{
			Enabled:  true,
			Endpoint: newCollector(t),
			Insecure: true,
			Tracing:  &TracingConfig{Enabled: true, Sampling: 1.0},
			Metrics:  &MetricsConfig{Enabled: true},
		}))
		require.NoError(t, err)

		_, ok := tel.TracerProvider().(*sdktrace.TracerProvider)
		assert.True(t, ok, "expected SDK tracer provider")
		_, ok = tel.MeterProvider().(*sdkmetric.MeterProvider)
		assert.True(t, ok, "expected SDK meter provider")
		assert.NotNil(t, tel.Tracer("pos-sync"))

		require.NoError(t, tel.Shutdown(ctx))
	})
}
