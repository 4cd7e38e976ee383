package store

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/cihub/seelog"

	"github.com/opsintel/ops-agent/model"
)

// MemStore is the default in-memory Store: an append-only slice indexed by
// id (contiguous from 1), with secondary indexes by endpoint and by trace
// id. Durable for the process lifetime only, matching §4.1's "durable (for
// process lifetime; persistence is a deployment choice)".
type MemStore struct {
	mu        sync.RWMutex
	records   []model.TelemetryRecord // records[i] has id i+1
	byEndpoint map[string][]int64      // endpoint -> ids, insertion order
	byTrace    map[string][]int64      // trace_id -> ids, insertion order
	lastSeen   map[string]time.Time    // endpoint -> max timestamp observed

	failures int64

	// distinct_endpoints memoization: one analysis pass calls it back to
	// back from the learner and the detector; cache the last result so
	// the second caller doesn't force a second full scan.
	cacheMu    sync.Mutex
	cacheSince time.Time
	cacheGen   int64
	cacheVal   []string
	gen        int64
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		byEndpoint: make(map[string][]int64),
		byTrace:    make(map[string][]int64),
		lastSeen:   make(map[string]time.Time),
	}
}

// Insert implements Store.
func (s *MemStore) Insert(_ context.Context, r *model.TelemetryRecord) (int64, error) {
	if err := r.Validate(); err != nil {
		atomic.AddInt64(&s.failures, 1)
		log.Warnf("store: dropping invalid record: %s", err)
		return 0, err
	}

	s.mu.Lock()
	id := int64(len(s.records)) + 1
	r.ID = id
	s.records = append(s.records, *r)
	s.byEndpoint[r.Endpoint] = append(s.byEndpoint[r.Endpoint], id)
	s.byTrace[r.TraceID] = append(s.byTrace[r.TraceID], id)
	if r.Timestamp.After(s.lastSeen[r.Endpoint]) {
		s.lastSeen[r.Endpoint] = r.Timestamp
	}
	s.gen++
	s.mu.Unlock()

	return id, nil
}

func (s *MemStore) recordByID(id int64) model.TelemetryRecord {
	return s.records[id-1]
}

// QueryByEndpointTime implements Store.
func (s *MemStore) QueryByEndpointTime(_ context.Context, endpoint string, since, until time.Time) ([]model.TelemetryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byEndpoint[endpoint]
	out := make([]model.TelemetryRecord, 0, len(ids))
	for _, id := range ids {
		rec := s.recordByID(id)
		if !rec.Timestamp.Before(since) && rec.Timestamp.Before(until) {
			out = append(out, rec)
		}
	}
	// Insertion order is id order; a stable sort by timestamp keeps id as
	// the tie-break.
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// QueryByTrace implements Store, sorted ascending by timestamp then id.
func (s *MemStore) QueryByTrace(_ context.Context, traceID string) ([]model.TelemetryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byTrace[traceID]
	out := make([]model.TelemetryRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.recordByID(id))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// DistinctEndpoints implements Store, memoizing the result for the
// duration of one analysis pass (the caller's generation does not change
// between the learner's and detector's calls within the same tick unless a
// concurrent insert happens in between, in which case the cache is
// invalidated naturally by the generation bump).
func (s *MemStore) DistinctEndpoints(_ context.Context, since time.Time) ([]string, error) {
	s.mu.RLock()
	gen := s.gen
	s.mu.RUnlock()

	s.cacheMu.Lock()
	if s.cacheVal != nil && s.cacheGen == gen && s.cacheSince.Equal(since) {
		v := s.cacheVal
		s.cacheMu.Unlock()
		return v, nil
	}
	s.cacheMu.Unlock()

	s.mu.RLock()
	out := make([]string, 0, len(s.lastSeen))
	for ep, ts := range s.lastSeen {
		if !ts.Before(since) {
			out = append(out, ep)
		}
	}
	s.mu.RUnlock()
	sort.Strings(out)

	s.cacheMu.Lock()
	s.cacheVal = out
	s.cacheGen = gen
	s.cacheSince = since
	s.cacheMu.Unlock()

	return out, nil
}

// Aggregate implements Store, computed in one pass over the relevant
// records.
func (s *MemStore) Aggregate(_ context.Context, endpoint string, since, until time.Time) (model.Aggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agg := model.Aggregate{StatusHistogram: make(map[int]int64)}
	var sumLatency float64
	ids := s.byEndpoint[endpoint]
	for _, id := range ids {
		rec := s.recordByID(id)
		if rec.Timestamp.Before(since) || !rec.Timestamp.Before(until) {
			continue
		}
		agg.Count++
		sumLatency += rec.LatencyMs
		agg.StatusHistogram[rec.StatusCode]++
		if rec.IsServerError() {
			agg.ErrorCount5xx++
		}
		if rec.Timestamp.After(agg.LastSeen) {
			agg.LastSeen = rec.Timestamp
		}
	}
	if agg.Count > 0 {
		agg.AvgLatency = sumLatency / float64(agg.Count)
	}
	return agg, nil
}

// Prune removes records with Timestamp before olderThan. MemStore keeps ids
// contiguous by tombstoning rather than physically shrinking the slice, so
// existing ids remain valid for anyone holding a stale reference within the
// same pass.
func (s *MemStore) Prune(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pruned := 0
	for ep, ids := range s.byEndpoint {
		kept := ids[:0]
		for _, id := range ids {
			if s.recordByID(id).Timestamp.Before(olderThan) {
				pruned++
				continue
			}
			kept = append(kept, id)
		}
		s.byEndpoint[ep] = kept
	}
	for tid, ids := range s.byTrace {
		kept := ids[:0]
		for _, id := range ids {
			if s.recordByID(id).Timestamp.Before(olderThan) {
				continue
			}
			kept = append(kept, id)
		}
		if len(kept) == 0 {
			delete(s.byTrace, tid)
		} else {
			s.byTrace[tid] = kept
		}
	}
	s.gen++
	return pruned, nil
}

// Count implements Store. Every live record sits in exactly one endpoint
// index, so pruned records (still present in the backing slice) are not
// counted.
func (s *MemStore) Count() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, ids := range s.byEndpoint {
		n += int64(len(ids))
	}
	return n
}

// FailureCount implements Store.
func (s *MemStore) FailureCount() int64 {
	return atomic.LoadInt64(&s.failures)
}
