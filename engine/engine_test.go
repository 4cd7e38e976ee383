package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsintel/ops-agent/config"
	"github.com/opsintel/ops-agent/injector"
	"github.com/opsintel/ops-agent/model"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	conf := config.DefaultAgentConfig()
	eng, err := New(conf)
	require.NoError(t, err)
	return eng
}

func TestBeginGeneratesTraceIDWhenNoneProvided(t *testing.T) {
	eng := newTestEngine(t)
	rc := eng.Begin("/payment", "GET", "")
	assert.NotEmpty(t, rc.TraceID)
	assert.Equal(t, "/payment", rc.Endpoint)
}

func TestBeginAdoptsIncomingTraceID(t *testing.T) {
	eng := newTestEngine(t)
	rc := eng.Begin("/checkout", "POST", "incoming-trace-id")
	assert.Equal(t, "incoming-trace-id", rc.TraceID)
}

func TestEndInsertsTelemetryRecord(t *testing.T) {
	eng := newTestEngine(t)
	rc := eng.Begin("/payment", "GET", "t1")
	eng.End(context.Background(), rc, "payments", 200, "")

	metrics, err := eng.Metrics(context.Background(), rc.StartedAt.Add(-1), rc.StartedAt.Add(1))
	require.NoError(t, err)
	m, ok := metrics["/payment"]
	require.True(t, ok)
	assert.Equal(t, int64(1), m.RequestCount)
}

func TestCheckInjectionReflectsConfiguredRule(t *testing.T) {
	eng := newTestEngine(t)
	eng.Injector.Set("/payment", injector.Rule{DelayMs: 200})
	d := eng.CheckInjection("/payment")
	assert.Equal(t, int64(200), d.DelayMs)
}

func TestHealthStatusHealthyByDefault(t *testing.T) {
	eng := newTestEngine(t)
	healthy, reason := eng.HealthStatus()
	assert.True(t, healthy)
	assert.Empty(t, reason)
}

func TestHealthStatusUnhealthyAfterStoreFailures(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	_, err := eng.Store.Insert(ctx, &model.TelemetryRecord{})
	require.Error(t, err)

	healthy, reason := eng.HealthStatus()
	assert.False(t, healthy)
	assert.NotEmpty(t, reason)
}
