package engine

import (
	"context"
	"math"
	"time"

	"github.com/opsintel/ops-agent/model"
)

// Metrics implements the query surface's "Get per-endpoint metrics"
// operation over [since, until). An empty window defaults to the last
// hour.
func (e *Engine) Metrics(ctx context.Context, since, until time.Time) (map[string]model.EndpointMetrics, error) {
	if until.IsZero() {
		until = time.Now()
	}
	if since.IsZero() {
		since = until.Add(-time.Hour)
	}

	endpoints, err := e.Store.DistinctEndpoints(ctx, since)
	if err != nil {
		return nil, err
	}

	snap := e.Learner.Snapshot()
	out := make(map[string]model.EndpointMetrics, len(endpoints))
	for _, ep := range endpoints {
		agg, err := e.Store.Aggregate(ctx, ep, since, until)
		if err != nil {
			return nil, err
		}

		b, learned := snap.Get(ep)
		var errorRate float64
		if agg.Count > 0 {
			errorRate = float64(agg.ErrorCount5xx) / float64(agg.Count)
		}

		m := model.EndpointMetrics{
			Endpoint:        ep,
			RequestCount:    agg.Count,
			AvgLatency:      agg.AvgLatency,
			ErrorRate:       errorRate,
			StatusHistogram: agg.StatusHistogram,
		}
		if learned {
			m.BaselineLatency = b.LatencyMs
		}
		m.HealthScore = healthScore(errorRate, agg.AvgLatency, m.BaselineLatency)
		m.Status = healthStatusLabel(m.HealthScore)
		out[ep] = m
	}
	return out, nil
}

// healthScore implements §6's derived health score:
// 100 - 50*error_rate - 30*max(0, (avg_latency/baseline)-1)/9, clamped to
// [0,100]. An unlearned baseline (baselineLatency == 0) treats the latency
// term as zero rather than dividing by zero.
func healthScore(errorRate, avgLatency, baselineLatency float64) float64 {
	latencyTerm := 0.0
	if baselineLatency > 0 {
		latencyTerm = 30 * math.Max(0, (avgLatency/baselineLatency)-1) / 9
	}
	score := 100 - 50*errorRate - latencyTerm
	return math.Min(100, math.Max(0, score))
}

func healthStatusLabel(score float64) string {
	switch {
	case score >= 90:
		return "healthy"
	case score >= 60:
		return "degraded"
	default:
		return "unhealthy"
	}
}
