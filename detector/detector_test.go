package detector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsintel/ops-agent/baseline"
	"github.com/opsintel/ops-agent/model"
	"github.com/opsintel/ops-agent/store"
)

func newDetector() *Detector {
	return New(60*time.Minute, 5*time.Minute, 3.0, 0.20, 5, 5*time.Minute)
}

func snapshotWith(endpoint string, latencyMs float64) baseline.Snapshot {
	return baseline.Snapshot{
		endpoint: model.Baseline{Endpoint: endpoint, LatencyMs: latencyMs, Learned: true, SampleCount: 20},
	}
}

func insertRecords(t *testing.T, s *store.MemStore, endpoint string, statuses []int, latency float64, traceIDPrefix string, base time.Time) {
	t.Helper()
	ctx := context.Background()
	for i, status := range statuses {
		_, err := s.Insert(ctx, &model.TelemetryRecord{
			ServiceName: "payments",
			Endpoint:    endpoint,
			Method:      "GET",
			StatusCode:  status,
			LatencyMs:   latency,
			TraceID:     traceIDPrefix + string(rune('a'+i)),
			Timestamp:   base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}
}

func TestDetectLatencyAnomaly(t *testing.T) {
	s := store.NewMemStore()
	now := time.Now()
	statuses := make([]int, 8)
	for i := range statuses {
		statuses[i] = 200
	}
	insertRecords(t, s, "/payment", statuses, 1200, "t", now.Add(-time.Minute))

	d := newDetector()
	snap := snapshotWith("/payment", 180)
	anomalies, err := d.Detect(context.Background(), s, []string{"/payment"}, snap, now)
	require.NoError(t, err)

	require.Len(t, anomalies, 1)
	assert.Equal(t, model.AnomalyLatency, anomalies[0].Kind)
	assert.Equal(t, model.SeverityMedium, anomalies[0].Severity) // ratio = 1200/180 ~= 6.7 -> [5,10)
}

func TestLatencySeverityBands(t *testing.T) {
	assert.Equal(t, model.SeverityLow, latencySeverity(3.5, 630))
	assert.Equal(t, model.SeverityMedium, latencySeverity(6, 1000))
	assert.Equal(t, model.SeverityHigh, latencySeverity(12, 2000))
	assert.Equal(t, model.SeverityCritical, latencySeverity(25, 4000))
	assert.Equal(t, model.SeverityCritical, latencySeverity(4, 10000))
}

func TestDetectErrorSpikeHigh(t *testing.T) {
	s := store.NewMemStore()
	now := time.Now()
	statuses := []int{500, 500, 500, 500, 200, 200, 200, 200, 200, 200}
	insertRecords(t, s, "/inventory", statuses, 50, "t", now.Add(-time.Minute))

	d := newDetector()
	snap := snapshotWith("/inventory", 50)
	anomalies, err := d.Detect(context.Background(), s, []string{"/inventory"}, snap, now)
	require.NoError(t, err)

	var found bool
	for _, a := range anomalies {
		if a.Kind == model.AnomalyErrorSpike {
			found = true
			assert.InDelta(t, 0.4, a.ErrorRate, 0.001)
			assert.Equal(t, model.SeverityHigh, a.Severity)
		}
	}
	assert.True(t, found)
}

func TestDetectSilenceAfterPriorTraffic(t *testing.T) {
	s := store.NewMemStore()
	now := time.Now()
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		_, err := s.Insert(ctx, &model.TelemetryRecord{
			ServiceName: "payments", Endpoint: "/payment", Method: "GET",
			StatusCode: 200, LatencyMs: 100, TraceID: "t1",
			Timestamp: now.Add(-30 * time.Minute).Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	d := newDetector()
	snap := snapshotWith("/payment", 100)
	anomalies, err := d.Detect(ctx, s, []string{"/payment"}, snap, now)
	require.NoError(t, err)

	require.Len(t, anomalies, 1)
	assert.Equal(t, model.AnomalySilence, anomalies[0].Kind)
	assert.Equal(t, model.SeverityHigh, anomalies[0].Severity)
}

func TestDetectSkipsEndpointsBelowMinSamples(t *testing.T) {
	s := store.NewMemStore()
	now := time.Now()
	insertRecords(t, s, "/payment", []int{200, 200}, 5000, "t", now.Add(-time.Minute))

	d := newDetector()
	snap := snapshotWith("/payment", 180)
	anomalies, err := d.Detect(context.Background(), s, []string{"/payment"}, snap, now)
	require.NoError(t, err)
	assert.Empty(t, anomalies)
}

// TestDetectErrorSpikeWithoutBaseline covers an endpoint whose error rate
// is high enough that it never accumulates a learned baseline (the learner
// only samples 2xx records): error_spike must still fire since it has no
// baseline dependency, even though latency/silence checks are skipped.
func TestDetectErrorSpikeWithoutBaseline(t *testing.T) {
	s := store.NewMemStore()
	now := time.Now()
	statuses := []int{500, 500, 500, 500, 500, 500, 500, 500, 200, 200}
	insertRecords(t, s, "/flaky", statuses, 50, "t", now.Add(-time.Minute))

	d := newDetector()
	anomalies, err := d.Detect(context.Background(), s, []string{"/flaky"}, baseline.Snapshot{}, now)
	require.NoError(t, err)

	require.Len(t, anomalies, 1)
	assert.Equal(t, model.AnomalyErrorSpike, anomalies[0].Kind)
	assert.Equal(t, model.SeverityCritical, anomalies[0].Severity)
}
