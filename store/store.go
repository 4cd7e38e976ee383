// Package store implements the telemetry append log: its two primary
// access paths are by (endpoint, time range) and by trace id.
package store

import (
	"context"
	"time"

	"github.com/opsintel/ops-agent/model"
)

// Store is the contract the Baseline Learner, Anomaly Detector, RCA Engine
// and query surface all read through. MemStore is the default
// implementation; SQLiteStore is the optional file-backed one — both
// implement this same interface so a caller can substitute one for the
// other without touching any other package.
type Store interface {
	// Insert assigns a monotonically increasing id and persists the record
	// atomically. Concurrent inserts serialize; readers never see partial
	// rows.
	Insert(ctx context.Context, r *model.TelemetryRecord) (int64, error)

	// QueryByEndpointTime returns all records for endpoint within
	// [since, until). Implementations keep chronological order.
	QueryByEndpointTime(ctx context.Context, endpoint string, since, until time.Time) ([]model.TelemetryRecord, error)

	// QueryByTrace returns every record sharing traceID, sorted ascending
	// by timestamp then id.
	QueryByTrace(ctx context.Context, traceID string) ([]model.TelemetryRecord, error)

	// DistinctEndpoints returns the endpoints observed since the given
	// instant.
	DistinctEndpoints(ctx context.Context, since time.Time) ([]string, error)

	// Aggregate computes count/avg_latency/status_histogram/
	// error_count_5xx/last_seen for endpoint within [since, until) in one
	// pass.
	Aggregate(ctx context.Context, endpoint string, since, until time.Time) (model.Aggregate, error)

	// Prune removes records older than the retention window. Never prunes
	// within the detector's analysis window or the baseline window — the
	// caller is responsible for passing a cutoff that respects both.
	Prune(ctx context.Context, olderThan time.Time) (int, error)

	// Count returns the current number of records, for property tests
	// ("after N inserts, |Store| = N").
	Count() int64

	// FailureCount returns the number of insert failures observed so far,
	// feeding the health flag described in §7 ("repeated failures raise a
	// health flag").
	FailureCount() int64
}
