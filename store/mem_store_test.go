package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsintel/ops-agent/model"
)

func newRecord(endpoint string, status int, latency float64, traceID string, ts time.Time) *model.TelemetryRecord {
	return &model.TelemetryRecord{
		ServiceName: "payments",
		Endpoint:    endpoint,
		Method:      "GET",
		StatusCode:  status,
		LatencyMs:   latency,
		TraceID:     traceID,
		Timestamp:   ts,
	}
}

func TestMemStoreInsertAssignsContiguousIDs(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 10; i++ {
		id, err := s.Insert(ctx, newRecord("/payment", 200, 100, "t1", now))
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), id)
	}
	assert.Equal(t, int64(10), s.Count())
}

func TestMemStoreRejectsInvalidRecords(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	_, err := s.Insert(ctx, newRecord("/payment", 200, -5, "t1", time.Now()))
	assert.Error(t, err)
	assert.Equal(t, int64(0), s.Count())
	assert.Equal(t, int64(1), s.FailureCount())
}

func TestMemStoreQueryByEndpointTime(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i := 0; i < 5; i++ {
		_, err := s.Insert(ctx, newRecord("/payment", 200, 100, "t1", base.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
	}
	_, err := s.Insert(ctx, newRecord("/checkout", 200, 50, "t2", base))
	require.NoError(t, err)

	recs, err := s.QueryByEndpointTime(ctx, "/payment", base, base.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Len(t, recs, 5)
	for _, r := range recs {
		assert.Equal(t, "/payment", r.Endpoint)
	}
}

func TestMemStoreQueryByTraceOrdersByTimestampThenID(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	ts := time.Now()

	_, err := s.Insert(ctx, newRecord("/checkout", 500, 300, "trace-1", ts.Add(time.Millisecond)))
	require.NoError(t, err)
	_, err = s.Insert(ctx, newRecord("/payment", 500, 250, "trace-1", ts))
	require.NoError(t, err)

	recs, err := s.QueryByTrace(ctx, "trace-1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "/payment", recs[0].Endpoint)
	assert.Equal(t, "/checkout", recs[1].Endpoint)
}

func TestMemStoreDistinctEndpoints(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, insertAll(s, ctx,
		newRecord("/payment", 200, 10, "t1", now),
		newRecord("/inventory", 200, 10, "t2", now.Add(-2*time.Hour)),
	))

	eps, err := s.DistinctEndpoints(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"/payment"}, eps)
}

func TestMemStoreAggregate(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, insertAll(s, ctx,
		newRecord("/payment", 200, 100, "t1", now),
		newRecord("/payment", 200, 200, "t2", now),
		newRecord("/payment", 500, 300, "t3", now),
	))

	agg, err := s.Aggregate(ctx, "/payment", now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 3, agg.Count)
	assert.InDelta(t, 200, agg.AvgLatency, 0.001)
	assert.EqualValues(t, 1, agg.ErrorCount5xx)
}

func TestMemStorePruneRespectsCutoff(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, insertAll(s, ctx,
		newRecord("/payment", 200, 10, "t1", now.Add(-48*time.Hour)),
		newRecord("/payment", 200, 10, "t2", now),
	))

	n, err := s.Prune(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	recs, err := s.QueryByEndpointTime(ctx, "/payment", now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func insertAll(s *MemStore, ctx context.Context, recs ...*model.TelemetryRecord) error {
	for _, r := range recs {
		if _, err := s.Insert(ctx, r); err != nil {
			return err
		}
	}
	return nil
}
