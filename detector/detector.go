// Package detector implements the multi-dimensional anomaly detector:
// latency spikes, error spikes, and silence, evaluated per endpoint against
// the current baseline snapshot.
package detector

import (
	"context"
	"math"
	"sort"
	"time"

	log "github.com/cihub/seelog"

	"github.com/opsintel/ops-agent/baseline"
	"github.com/opsintel/ops-agent/internal/statsd"
	"github.com/opsintel/ops-agent/model"
	"github.com/opsintel/ops-agent/store"
)

const maxSampleErrors = 5

// Detector evaluates one analysis pass's worth of recent telemetry against
// the learner's published baselines. It retains no state between passes.
type Detector struct {
	BaselineWindow     time.Duration
	AnalysisWindow     time.Duration
	LatencyMultiplier  float64
	ErrorRateThreshold float64
	MinAnalysisSamples int64
	SilenceThreshold   time.Duration
}

// New constructs a Detector from the given parameters.
func New(baselineWindow, analysisWindow time.Duration, latencyMultiplier, errorRateThreshold float64, minAnalysisSamples int64, silenceThreshold time.Duration) *Detector {
	return &Detector{
		BaselineWindow:     baselineWindow,
		AnalysisWindow:     analysisWindow,
		LatencyMultiplier:  latencyMultiplier,
		ErrorRateThreshold: errorRateThreshold,
		MinAnalysisSamples: minAnalysisSamples,
		SilenceThreshold:   silenceThreshold,
	}
}

// Detect runs one pass over every endpoint observed in the baseline window,
// producing the anomaly list. Latency and silence checks need a learned
// baseline (there is nothing to compare against, or no "was flowing"
// history, without one); error_spike does not, so an endpoint whose error
// rate is high enough that it never accumulates MinSamples successful
// records still gets checked for error spikes. now anchors every window
// (injectable for deterministic tests).
func (d *Detector) Detect(ctx context.Context, st store.Store, endpoints []string, snap baseline.Snapshot, now time.Time) ([]model.Anomaly, error) {
	var anomalies []model.Anomaly

	eps := dedupe(endpoints)
	sort.Strings(eps)

	for _, ep := range eps {
		windowRecords, err := st.QueryByEndpointTime(ctx, ep, now.Add(-d.AnalysisWindow), now)
		if err != nil {
			return nil, err
		}

		b, learned := snap.Get(ep)
		hasBaseline := learned && b.LatencyMs > 0 && !math.IsNaN(b.LatencyMs)

		if len(windowRecords) > 0 {
			if hasBaseline {
				if a, ok := d.latencyAnomaly(ep, b, windowRecords, now); ok {
					anomalies = append(anomalies, a)
				}
			}
			if a, ok := d.errorSpikeAnomaly(ep, windowRecords, now); ok {
				anomalies = append(anomalies, a)
			}
		}

		if hasBaseline {
			a, ok, err := d.silenceAnomaly(ctx, st, ep, now)
			if err != nil {
				return nil, err
			}
			if ok {
				anomalies = append(anomalies, a)
			}
		}
	}

	statsd.Client.Gauge("detector.anomalies", float64(len(anomalies)), nil, 1)
	return anomalies, nil
}

func (d *Detector) latencyAnomaly(ep string, b model.Baseline, records []model.TelemetryRecord, now time.Time) (model.Anomaly, bool) {
	if int64(len(records)) < d.MinAnalysisSamples {
		return model.Anomaly{}, false
	}

	var sum float64
	traceIDs := make([]string, 0, len(records))
	for _, r := range records {
		sum += r.LatencyMs
		traceIDs = append(traceIDs, r.TraceID)
	}
	meanLatency := sum / float64(len(records))

	if meanLatency <= b.LatencyMs*d.LatencyMultiplier {
		return model.Anomaly{}, false
	}

	ratio := meanLatency / b.LatencyMs
	severity := latencySeverity(ratio, meanLatency)

	log.Infof("detector: latency anomaly on %s (ratio=%.2f, severity=%s)", ep, ratio, severity)
	return model.Anomaly{
		Kind:          model.AnomalyLatency,
		Endpoint:      ep,
		Severity:      severity,
		BaselineMs:    b.LatencyMs,
		ObservedValue: meanLatency,
		TraceIDs:      dedupe(traceIDs),
		DetectedAt:    now,
	}, true
}

func latencySeverity(ratio, meanLatency float64) model.Severity {
	switch {
	case ratio >= 20 || meanLatency >= 10000:
		return model.SeverityCritical
	case ratio >= 10:
		return model.SeverityHigh
	case ratio >= 5:
		return model.SeverityMedium
	default: // [3,5)
		return model.SeverityLow
	}
}

func (d *Detector) errorSpikeAnomaly(ep string, records []model.TelemetryRecord, now time.Time) (model.Anomaly, bool) {
	n := int64(len(records))
	if n < d.MinAnalysisSamples {
		return model.Anomaly{}, false
	}

	var e int64
	var errTraceIDs []string
	var sampleErrors []string
	for i := len(records) - 1; i >= 0; i-- {
		r := records[i]
		if !r.IsServerError() {
			continue
		}
		e++
		errTraceIDs = append(errTraceIDs, r.TraceID)
		if r.ErrorMessage != "" && len(sampleErrors) < maxSampleErrors {
			sampleErrors = append(sampleErrors, r.ErrorMessage)
		}
	}

	rate := float64(e) / float64(n)
	if rate <= d.ErrorRateThreshold {
		return model.Anomaly{}, false
	}

	severity := model.SeverityHigh
	if rate > 0.5 {
		severity = model.SeverityCritical
	}

	log.Infof("detector: error_spike anomaly on %s (rate=%.2f, severity=%s)", ep, rate, severity)
	return model.Anomaly{
		Kind:          model.AnomalyErrorSpike,
		Endpoint:      ep,
		Severity:      severity,
		ErrorRate:     rate,
		ObservedValue: rate,
		TraceIDs:      dedupe(errTraceIDs),
		SampleErrors:  sampleErrors,
		DetectedAt:    now,
	}, true
}

// silenceAnomaly implements spec.md:220's window literally: it queries its
// own SILENCE_THRESHOLD-scoped recency check rather than reusing the
// ANALYSIS_WINDOW-scoped record set Detect already fetched for the other
// checks — those two windows only coincide when AnalysisWindow ==
// SilenceThreshold (true of the defaults, not guaranteed after a config
// reload that tunes them independently).
func (d *Detector) silenceAnomaly(ctx context.Context, st store.Store, ep string, now time.Time) (model.Anomaly, bool, error) {
	recent, err := st.QueryByEndpointTime(ctx, ep, now.Add(-d.SilenceThreshold), now)
	if err != nil {
		return model.Anomaly{}, false, err
	}
	if len(recent) > 0 {
		return model.Anomaly{}, false, nil
	}

	priorWindow, err := st.QueryByEndpointTime(ctx, ep, now.Add(-d.BaselineWindow), now.Add(-d.SilenceThreshold))
	if err != nil {
		return model.Anomaly{}, false, err
	}
	if len(priorWindow) == 0 {
		return model.Anomaly{}, false, nil
	}

	var lastSeen time.Time
	for _, r := range priorWindow {
		if r.Timestamp.After(lastSeen) {
			lastSeen = r.Timestamp
		}
	}

	log.Infof("detector: silence anomaly on %s (last_seen=%s)", ep, lastSeen)
	return model.Anomaly{
		Kind:       model.AnomalySilence,
		Endpoint:   ep,
		Severity:   model.SeverityHigh,
		LastSeen:   lastSeen,
		DetectedAt: now,
	}, true, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
