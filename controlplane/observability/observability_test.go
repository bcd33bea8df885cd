package observability

import (
	"context"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordQueryIncrementsCounterAndHistogram(t *testing.T) {
	RecordQuery("GET_TIME", "ok", 0.01)
	count := testutil.ToFloat64(queriesTotal.WithLabelValues("GET_TIME", "ok"))
	assert.Greater(t, count, 0.0)
}

func TestRecordQueryTracksStatusesSeparately(t *testing.T) {
	RecordQuery("SET_GRID_VALUE", "ok", 0.01)
	RecordQuery("SET_GRID_VALUE", "error", 0.02)

	okCount := testutil.ToFloat64(queriesTotal.WithLabelValues("SET_GRID_VALUE", "ok"))
	errCount := testutil.ToFloat64(queriesTotal.WithLabelValues("SET_GRID_VALUE", "error"))
	assert.Greater(t, okCount, 0.0)
	assert.Greater(t, errCount, 0.0)
}

func TestRecordNotificationIncrementsPerTopic(t *testing.T) {
	RecordNotification("TOPOLOGY_CHANGED")
	count := testutil.ToFloat64(notificationsTotal.WithLabelValues("TOPOLOGY_CHANGED"))
	assert.Greater(t, count, 0.0)
}

func TestRecordSimulationIterationTracksSuccessAndError(t *testing.T) {
	RecordSimulationIteration(true, 0.005)
	RecordSimulationIteration(false, 0.01)

	successCount := testutil.ToFloat64(simulationIterationsTotal.WithLabelValues("success"))
	errorCount := testutil.ToFloat64(simulationIterationsTotal.WithLabelValues("error"))
	assert.Greater(t, successCount, 0.0)
	assert.Greater(t, errorCount, 0.0)
}

func TestSetSimulationIntervalRecordsGaugeValue(t *testing.T) {
	SetSimulationInterval(0.25)
	assert.Equal(t, 0.25, testutil.ToFloat64(simulationIntervalSeconds))
}

func TestMetricsRecordingIsConcurrencySafe(t *testing.T) {
	const goroutines = 10
	const iterations = 50

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				RecordQuery("ECHO", "ok", 0.001)
				RecordNotification("EVENTS")
				RecordSimulationIteration(true, 0.001)
			}
		}()
	}
	wg.Wait()

	count := testutil.ToFloat64(queriesTotal.WithLabelValues("ECHO", "ok"))
	assert.Equal(t, float64(goroutines*iterations), count)
}

func TestInitTracerWithEmptyEndpointReturnsNoopShutdown(t *testing.T) {
	shutdown, err := InitTracer("controlplane", "")
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestTracerReturnsNonNilTracer(t *testing.T) {
	tr := Tracer("controlplane")
	assert.NotNil(t, tr)
}
