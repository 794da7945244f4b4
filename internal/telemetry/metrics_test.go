package telemetry

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collectSum(t *testing.T, reader *sdkmetric.ManualReader, name string) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				key := ""
				for _, kv := range dp.Attributes.ToSlice() {
					key += string(kv.Key) + "=" + kv.Value.Emit() + ";"
				}
				out[key] += dp.Value
			}
		}
	}
	return out
}

func TestMetricsRecord(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := New(mp)
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordOutcome(ctx, "SIGN_ON", "OK")
	m.RecordOutcome(ctx, "SIGN_ON", "OK")
	m.RecordOutcome(ctx, "REQUEST_TASK", "NO_WORK")
	m.RecordRequeue(ctx, "expired")
	m.RecordExpired(ctx, 3)
	m.RecordExpired(ctx, 0)

	outcomes := collectSum(t, reader, "testmanager.dispatch.outcomes")
	assert.Equal(t, int64(2), outcomes["command=SIGN_ON;result=OK;"])
	assert.Equal(t, int64(1), outcomes["command=REQUEST_TASK;result=NO_WORK;"])

	assert.Equal(t, int64(1), collectSum(t, reader, "testmanager.tasks.requeued")["reason=expired;"])
	assert.Equal(t, int64(3), collectSum(t, reader, "testmanager.sweep.expired")[""])
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordOutcome(context.Background(), "HEARTBEAT", "OK")
	m.RecordRequeue(context.Background(), "x")
	m.RecordExpired(context.Background(), 1)
}

func TestSetup(t *testing.T) {
	ctx := context.Background()

	mp, shutdown, err := Setup(ctx, Config{Exporter: "none"})
	require.NoError(t, err)
	require.NotNil(t, mp)
	assert.NoError(t, shutdown(ctx))

	var buf bytes.Buffer
	mp, shutdown, err = Setup(ctx, Config{ServiceName: "testmanager", Exporter: "stdout", Writer: &buf})
	require.NoError(t, err)
	m, err := New(mp)
	require.NoError(t, err)
	m.RecordOutcome(ctx, "HEARTBEAT", "OK")
	require.NoError(t, shutdown(ctx))
	assert.Contains(t, buf.String(), "testmanager.dispatch.outcomes")

	_, _, err = Setup(ctx, Config{Exporter: "prometheus"})
	assert.Error(t, err)
}
