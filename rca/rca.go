// Package rca implements the trace-correlation root-cause engine: it groups
// one detector pass's anomalies, reconstructs the traces they touched,
// identifies one dominant root endpoint across all traced anomalies of the
// pass, and emits or merges incidents in the Registry.
package rca

import (
	"context"
	"fmt"
	"sort"
	"time"

	log "github.com/cihub/seelog"

	"github.com/opsintel/ops-agent/baseline"
	"github.com/opsintel/ops-agent/internal/statsd"
	"github.com/opsintel/ops-agent/model"
	"github.com/opsintel/ops-agent/registry"
	"github.com/opsintel/ops-agent/store"
)

const maxSampleTraces = 5

// Engine is the RCA correlator. It carries no state between passes; every
// Correlate call is pure over its (store snapshot, anomaly list, baseline
// snapshot) inputs plus whatever side effects land in reg.
type Engine struct {
	LatencyMultiplier float64
	CorrelationWindow time.Duration
}

// New constructs an Engine from the given parameters.
func New(latencyMultiplier float64, correlationWindow time.Duration) *Engine {
	return &Engine{LatencyMultiplier: latencyMultiplier, CorrelationWindow: correlationWindow}
}

// traceFailure is the first_failure record found for one trace, plus the
// trace's full record set (needed to compute affected_endpoints).
type traceFailure struct {
	traceID string
	first   model.TelemetryRecord
	records []model.TelemetryRecord
}

// Correlate runs one RCA pass, producing the incidents created or updated
// this pass (already upserted into reg).
func (e *Engine) Correlate(ctx context.Context, st store.Store, anomalies []model.Anomaly, snap baseline.Snapshot, reg registry.Store, now time.Time) ([]model.Incident, error) {
	if len(anomalies) == 0 {
		return nil, nil
	}

	var withTraces, withoutTraces []model.Anomaly
	for _, a := range anomalies {
		if len(a.TraceIDs) > 0 {
			withTraces = append(withTraces, a)
		} else {
			withoutTraces = append(withoutTraces, a)
		}
	}

	var results []model.Incident

	if len(withTraces) > 0 {
		inc, ok, err := e.correlateGroup(ctx, st, withTraces, snap, now)
		if err != nil {
			return nil, err
		}
		if ok {
			results = append(results, inc)
		} else {
			// No trace in the group yielded a first_failure; fall back to
			// one incident per anomaly, same as the no-trace-ids case.
			withoutTraces = append(withoutTraces, withTraces...)
		}
	}

	for _, a := range withoutTraces {
		results = append(results, e.soloIncident(a, now))
	}

	merged := make([]model.Incident, 0, len(results))
	for _, inc := range results {
		final, err := e.upsertWithDedup(ctx, reg, inc, now)
		if err != nil {
			return nil, err
		}
		merged = append(merged, final)
	}

	statsd.Client.Count("rca.incidents_emitted", int64(len(merged)), nil, 1)
	return merged, nil
}

// correlateGroup performs steps 1-6 of the RCA algorithm over every
// anomaly that carries at least one trace id. The anomalies need not share
// trace ids: their traces all go into a single vote, which yields at most
// one incident.
func (e *Engine) correlateGroup(ctx context.Context, st store.Store, anomalies []model.Anomaly, snap baseline.Snapshot, now time.Time) (model.Incident, bool, error) {
	traceIDSet := make(map[string]struct{})
	for _, a := range anomalies {
		for _, tid := range a.TraceIDs {
			traceIDSet[tid] = struct{}{}
		}
	}

	var failures []traceFailure
	for tid := range traceIDSet {
		records, err := st.QueryByTrace(ctx, tid)
		if err != nil {
			return model.Incident{}, false, err
		}
		ff, ok := firstFailure(records, snap, e.LatencyMultiplier)
		if !ok {
			continue
		}
		failures = append(failures, traceFailure{traceID: tid, first: ff, records: records})
	}
	if len(failures) == 0 {
		return model.Incident{}, false, nil
	}

	// Step 3: tally root_endpoint counts; tie-break by earliest
	// first_failure.timestamp observed for that endpoint.
	votes := make(map[string]int)
	earliest := make(map[string]time.Time)
	for _, f := range failures {
		ep := f.first.Endpoint
		votes[ep]++
		if t, ok := earliest[ep]; !ok || f.first.Timestamp.Before(t) {
			earliest[ep] = f.first.Timestamp
		}
	}
	candidates := make([]string, 0, len(votes))
	for ep := range votes {
		candidates = append(candidates, ep)
	}
	sort.Slice(candidates, func(i, j int) bool {
		ci, cj := candidates[i], candidates[j]
		if votes[ci] != votes[cj] {
			return votes[ci] > votes[cj]
		}
		if !earliest[ci].Equal(earliest[cj]) {
			return earliest[ci].Before(earliest[cj])
		}
		return ci < cj
	})
	root := candidates[0]

	confidence := float64(votes[root]) / float64(len(failures))

	// Step 5: affected_endpoints = union of endpoints in traces whose
	// first_failure is the candidate root, ordered by first appearance.
	var affected []string
	seenAffected := make(map[string]struct{})
	var rootTraces []traceFailure
	for _, f := range failures {
		if f.first.Endpoint != root {
			continue
		}
		rootTraces = append(rootTraces, f)
		for _, r := range f.records {
			if _, ok := seenAffected[r.Endpoint]; ok {
				continue
			}
			seenAffected[r.Endpoint] = struct{}{}
			affected = append(affected, r.Endpoint)
		}
	}

	// Step 6: anomalies list = every input anomaly whose endpoint is
	// among affected_endpoints.
	var absorbed []model.Anomaly
	severity := model.Severity("")
	for _, a := range anomalies {
		if _, ok := seenAffected[a.Endpoint]; !ok {
			continue
		}
		absorbed = append(absorbed, a)
		severity = model.MaxSeverity(severity, a.Severity)
	}
	if severity == "" {
		severity = model.SeverityMedium
	}

	sort.Slice(rootTraces, func(i, j int) bool { return rootTraces[i].first.Timestamp.Before(rootTraces[j].first.Timestamp) })
	sampleTraces := make([]model.SampleTrace, 0, maxSampleTraces)
	for i, f := range rootTraces {
		if i >= maxSampleTraces {
			break
		}
		chain := make([]string, 0, len(f.records))
		for _, r := range f.records {
			chain = append(chain, r.Endpoint)
		}
		sampleTraces = append(sampleTraces, model.SampleTrace{
			TraceID:       f.traceID,
			RootEndpoint:  root,
			RootStatus:    f.first.StatusCode,
			AffectedChain: chain,
		})
	}

	inc := model.Incident{
		Title:    title(root, absorbed),
		Severity: severity,
		Status:   model.IncidentActive,
		RootCause: model.RootCause{
			Endpoint:    root,
			Description: fmt.Sprintf("%s is the first failure in %d/%d correlated traces", root, votes[root], len(failures)),
			Confidence:  confidence,
		},
		AffectedEndpoints: affected,
		Anomalies:         absorbed,
		TraceCorrelation: model.TraceCorrelation{
			TotalTraces:  len(failures),
			SampleTraces: sampleTraces,
		},
		FirstDetected: now,
		LastUpdated:   now,
	}
	return inc, true, nil
}

// soloIncident builds a single-anomaly incident for an anomaly that could
// not be correlated through any trace (typically silence, or a group whose
// traces produced no first_failure).
func (e *Engine) soloIncident(a model.Anomaly, now time.Time) model.Incident {
	return model.Incident{
		Title:    title(a.Endpoint, []model.Anomaly{a}),
		Severity: a.Severity,
		Status:   model.IncidentActive,
		RootCause: model.RootCause{
			Endpoint:    a.Endpoint,
			Description: fmt.Sprintf("%s anomaly on %s with no correlating trace", a.Kind, a.Endpoint),
			Confidence:  1.0,
		},
		AffectedEndpoints: []string{a.Endpoint},
		Anomalies:         []model.Anomaly{a},
		TraceCorrelation:  model.TraceCorrelation{},
		FirstDetected:     now,
		LastUpdated:       now,
	}
}

// firstFailure returns the earliest record that is either 5xx or whose
// latency exceeds baseline*multiplier, ties broken by id.
func firstFailure(records []model.TelemetryRecord, snap baseline.Snapshot, multiplier float64) (model.TelemetryRecord, bool) {
	var best model.TelemetryRecord
	found := false
	for _, r := range records {
		isFailure := r.IsServerError()
		if !isFailure {
			if b, ok := snap.Get(r.Endpoint); ok && b.LatencyMs > 0 {
				isFailure = r.LatencyMs > b.LatencyMs*multiplier
			}
		}
		if !isFailure {
			continue
		}
		if !found {
			best, found = r, true
			continue
		}
		if r.Timestamp.Before(best.Timestamp) || (r.Timestamp.Equal(best.Timestamp) && r.ID < best.ID) {
			best = r
		}
	}
	return best, found
}

func title(root string, anomalies []model.Anomaly) string {
	if len(anomalies) == 0 {
		return fmt.Sprintf("anomaly on %s", root)
	}
	dominant := anomalies[0]
	for _, a := range anomalies[1:] {
		if a.Endpoint == root {
			dominant = a
			break
		}
	}
	switch dominant.Kind {
	case model.AnomalyLatency:
		return fmt.Sprintf("latency spike on %s", root)
	case model.AnomalyErrorSpike:
		return fmt.Sprintf("error spike on %s", root)
	case model.AnomalySilence:
		return fmt.Sprintf("silence on %s", root)
	default:
		return fmt.Sprintf("anomaly on %s", root)
	}
}

// upsertWithDedup implements §4.5's deduplication / correlation window:
// merge into an existing active incident with the same root_cause.endpoint
// updated within CorrelationWindow, otherwise create a fresh one.
func (e *Engine) upsertWithDedup(ctx context.Context, reg registry.Store, draft model.Incident, now time.Time) (model.Incident, error) {
	existing, err := reg.List(ctx, registry.Filter{Status: model.IncidentActive})
	if err != nil {
		return model.Incident{}, err
	}

	for _, cur := range existing {
		if cur.RootCause.Endpoint != draft.RootCause.Endpoint {
			continue
		}
		if now.Sub(cur.LastUpdated) > e.CorrelationWindow {
			continue
		}
		merged := mergeIncident(cur, draft, now)
		if err := reg.Upsert(ctx, merged); err != nil {
			return model.Incident{}, err
		}
		log.Infof("rca: merged anomalies into existing incident %s (root=%s)", merged.ID, merged.RootCause.Endpoint)
		return merged, nil
	}

	draft.ID = registry.NewIncidentID(now)
	if err := reg.Upsert(ctx, draft); err != nil {
		return model.Incident{}, err
	}
	log.Infof("rca: created incident %s (root=%s, severity=%s)", draft.ID, draft.RootCause.Endpoint, draft.Severity)
	return draft, nil
}

func mergeIncident(cur, fresh model.Incident, now time.Time) model.Incident {
	cur.Anomalies = unionAnomalies(cur.Anomalies, fresh.Anomalies)
	cur.AffectedEndpoints = unionStrings(cur.AffectedEndpoints, fresh.AffectedEndpoints)
	cur.Severity = model.MaxSeverity(cur.Severity, fresh.Severity)
	if fresh.RootCause.Confidence > cur.RootCause.Confidence {
		cur.RootCause = fresh.RootCause
	}
	cur.TraceCorrelation.TotalTraces += fresh.TraceCorrelation.TotalTraces
	cur.TraceCorrelation.SampleTraces = mergeSampleTraces(cur.TraceCorrelation.SampleTraces, fresh.TraceCorrelation.SampleTraces)
	cur.LastUpdated = now
	return cur
}

func unionAnomalies(a, b []model.Anomaly) []model.Anomaly {
	seen := make(map[string]struct{}, len(a))
	out := make([]model.Anomaly, 0, len(a)+len(b))
	for _, x := range a {
		seen[string(x.Kind)+"|"+x.Endpoint] = struct{}{}
		out = append(out, x)
	}
	for _, x := range b {
		key := string(x.Kind) + "|" + x.Endpoint
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, x)
	}
	return out
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]struct{}, len(a))
	out := make([]string, 0, len(a)+len(b))
	for _, x := range a {
		seen[x] = struct{}{}
		out = append(out, x)
	}
	for _, x := range b {
		if _, ok := seen[x]; ok {
			continue
		}
		seen[x] = struct{}{}
		out = append(out, x)
	}
	return out
}

func mergeSampleTraces(a, b []model.SampleTrace) []model.SampleTrace {
	out := append(append([]model.SampleTrace{}, a...), b...)
	if len(out) > maxSampleTraces {
		out = out[:maxSampleTraces]
	}
	return out
}
