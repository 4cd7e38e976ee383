package baseline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsintel/ops-agent/model"
	"github.com/opsintel/ops-agent/store"
)

func seedSuccess(t *testing.T, s *store.MemStore, endpoint string, latencies []float64, base time.Time) {
	t.Helper()
	ctx := context.Background()
	for i, l := range latencies {
		_, err := s.Insert(ctx, &model.TelemetryRecord{
			ServiceName: "payments",
			Endpoint:    endpoint,
			Method:      "GET",
			StatusCode:  200,
			LatencyMs:   l,
			TraceID:     "t",
			Timestamp:   base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}
}

func TestLearnerLeavesBaselineUnlearnedBelowMinSamples(t *testing.T) {
	s := store.NewMemStore()
	now := time.Now()
	seedSuccess(t, s, "/payment", []float64{100, 110, 120}, now.Add(-time.Minute))

	l := NewLearner(time.Hour, 10, 0.1)
	require.NoError(t, l.Learn(context.Background(), s, []string{"/payment"}, now))

	_, learned := l.Snapshot().Get("/payment")
	assert.False(t, learned)
}

func TestLearnerLearnsFirstValueAsSampleMean(t *testing.T) {
	s := store.NewMemStore()
	now := time.Now()
	latencies := make([]float64, 20)
	for i := range latencies {
		latencies[i] = 150 + float64(i)*3 // 150..207
	}
	seedSuccess(t, s, "/payment", latencies, now.Add(-time.Minute))

	l := NewLearner(time.Hour, 10, 0.1)
	require.NoError(t, l.Learn(context.Background(), s, []string{"/payment"}, now))

	b, learned := l.Snapshot().Get("/payment")
	require.True(t, learned)
	assert.InDelta(t, mean(latencies), b.LatencyMs, 0.01)
}

func TestLearnerEWMAUpdatesTowardNewSampleMean(t *testing.T) {
	s := store.NewMemStore()
	now := time.Now()

	seedSuccess(t, s, "/payment", repeat(180, 20), now.Add(-time.Minute))
	l := NewLearner(time.Hour, 10, 0.1)
	require.NoError(t, l.Learn(context.Background(), s, []string{"/payment"}, now))
	b0, _ := l.Snapshot().Get("/payment")
	assert.InDelta(t, 180, b0.LatencyMs, 0.01)

	s2 := store.NewMemStore()
	seedSuccess(t, s2, "/payment", repeat(280, 20), now.Add(-time.Minute))
	require.NoError(t, l.Learn(context.Background(), s2, []string{"/payment"}, now.Add(time.Minute)))
	b1, _ := l.Snapshot().Get("/payment")
	expected := 0.1*280 + 0.9*180
	assert.InDelta(t, expected, b1.LatencyMs, 0.01)
}

func TestLearnerRemovesOutliersBeyond5x(t *testing.T) {
	s := store.NewMemStore()
	now := time.Now()
	seedSuccess(t, s, "/payment", repeat(100, 20), now.Add(-time.Minute))
	l := NewLearner(time.Hour, 10, 1.0) // alpha=1 to assert directly on sample mean
	require.NoError(t, l.Learn(context.Background(), s, []string{"/payment"}, now))

	s2 := store.NewMemStore()
	latencies := repeat(100, 19)
	latencies = append(latencies, 10000) // > 5x current baseline (100)
	seedSuccess(t, s2, "/payment", latencies, now.Add(-time.Minute))
	require.NoError(t, l.Learn(context.Background(), s2, []string{"/payment"}, now.Add(time.Minute)))

	b, _ := l.Snapshot().Get("/payment")
	assert.InDelta(t, 100, b.LatencyMs, 0.01)
}

func repeat(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}
