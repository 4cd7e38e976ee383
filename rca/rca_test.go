package rca

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsintel/ops-agent/baseline"
	"github.com/opsintel/ops-agent/model"
	"github.com/opsintel/ops-agent/registry"
	"github.com/opsintel/ops-agent/store"
)

func insert(t *testing.T, s *store.MemStore, endpoint, traceID string, status int, latency float64, ts time.Time) {
	t.Helper()
	_, err := s.Insert(context.Background(), &model.TelemetryRecord{
		ServiceName: "payments", Endpoint: endpoint, Method: "GET",
		StatusCode: status, LatencyMs: latency, TraceID: traceID, Timestamp: ts,
	})
	require.NoError(t, err)
}

func TestCorrelateCascadingFailure(t *testing.T) {
	s := store.NewMemStore()
	reg := registry.NewMemRegistry()
	now := time.Now()
	snap := baseline.Snapshot{"/payment": model.Baseline{Endpoint: "/payment", LatencyMs: 100, Learned: true}}

	var traceIDs []string
	for i := 0; i < 10; i++ {
		tid := "trace-" + string(rune('a'+i))
		traceIDs = append(traceIDs, tid)
		insert(t, s, "/payment", tid, 500, 120, now.Add(-time.Second))
		insert(t, s, "/checkout", tid, 500, 130, now)
	}

	anomaly := model.Anomaly{
		Kind: model.AnomalyErrorSpike, Endpoint: "/payment", Severity: model.SeverityCritical,
		TraceIDs: traceIDs, DetectedAt: now,
	}

	e := New(3.0, 5*time.Minute)
	incidents, err := e.Correlate(context.Background(), s, []model.Anomaly{anomaly}, snap, reg, now)
	require.NoError(t, err)
	require.Len(t, incidents, 1)

	inc := incidents[0]
	assert.Equal(t, "/payment", inc.RootCause.Endpoint)
	assert.InDelta(t, 1.0, inc.RootCause.Confidence, 0.001)
	assert.ElementsMatch(t, []string{"/payment", "/checkout"}, inc.AffectedEndpoints)
}

func TestCorrelateDeduplicatesWithinWindow(t *testing.T) {
	s := store.NewMemStore()
	reg := registry.NewMemRegistry()
	now := time.Now()
	snap := baseline.Snapshot{}

	anomaly := model.Anomaly{Kind: model.AnomalyErrorSpike, Endpoint: "/inventory", Severity: model.SeverityHigh, DetectedAt: now}
	e := New(3.0, 5*time.Minute)

	first, err := e.Correlate(context.Background(), s, []model.Anomaly{anomaly}, snap, reg, now)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := e.Correlate(context.Background(), s, []model.Anomaly{anomaly}, snap, reg, now.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, second, 1)

	assert.Equal(t, first[0].ID, second[0].ID)

	all, err := reg.List(context.Background(), registry.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSoloIncidentForAnomalyWithNoTraceIDs(t *testing.T) {
	s := store.NewMemStore()
	reg := registry.NewMemRegistry()
	now := time.Now()

	anomaly := model.Anomaly{Kind: model.AnomalySilence, Endpoint: "/payment", Severity: model.SeverityHigh, DetectedAt: now}
	e := New(3.0, 5*time.Minute)

	incidents, err := e.Correlate(context.Background(), s, []model.Anomaly{anomaly}, baseline.Snapshot{}, reg, now)
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	assert.Equal(t, "/payment", incidents[0].RootCause.Endpoint)
	assert.Equal(t, 1.0, incidents[0].RootCause.Confidence)
}
