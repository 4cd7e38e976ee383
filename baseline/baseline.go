// Package baseline implements the adaptive per-endpoint EWMA latency
// learner. Baselines are published via atomic pointer swap (§5) so the
// detector always reads a consistent, copy-on-read snapshot while the
// learner computes the next one.
package baseline

import (
	"context"
	"sync/atomic"
	"time"

	log "github.com/cihub/seelog"

	"github.com/opsintel/ops-agent/internal/statsd"
	"github.com/opsintel/ops-agent/model"
	"github.com/opsintel/ops-agent/store"
)

// Snapshot is an immutable endpoint -> Baseline map. A Learner never
// mutates a published Snapshot in place; each pass builds and swaps in a
// new one.
type Snapshot map[string]model.Baseline

// Get returns the baseline for endpoint and whether it is learned.
// Unknown endpoints report Learned=false with a zero LatencyMs.
func (s Snapshot) Get(endpoint string) (model.Baseline, bool) {
	b, ok := s[endpoint]
	return b, ok && b.Learned
}

// Learner maintains the EWMA baseline for every endpoint seen within
// BASELINE_WINDOW, per §4.3.
type Learner struct {
	Window     time.Duration
	MinSamples int64
	Alpha      float64

	current atomic.Pointer[Snapshot]
}

// NewLearner constructs a Learner from the given parameters and an empty
// initial snapshot.
func NewLearner(window time.Duration, minSamples int64, alpha float64) *Learner {
	l := &Learner{Window: window, MinSamples: minSamples, Alpha: alpha}
	empty := Snapshot{}
	l.current.Store(&empty)
	return l
}

// Snapshot returns the most recently published baseline set. Safe for
// concurrent use by the detector while Learn runs concurrently.
func (l *Learner) Snapshot() Snapshot {
	return *l.current.Load()
}

// Learn runs one learner pass over endpoints, updating the published
// snapshot. now is the instant the pass is anchored to (injectable for
// deterministic tests).
func (l *Learner) Learn(ctx context.Context, st store.Store, endpoints []string, now time.Time) error {
	prev := l.Snapshot()
	next := make(Snapshot, len(prev))
	for ep, b := range prev {
		next[ep] = b // carry forward endpoints not revisited this pass
	}

	since := now.Add(-l.Window)
	learnedCount := 0

	for _, ep := range endpoints {
		records, err := st.QueryByEndpointTime(ctx, ep, since, now)
		if err != nil {
			return err
		}

		var successLatencies []float64
		for _, r := range records {
			if r.IsSuccess() {
				successLatencies = append(successLatencies, r.LatencyMs)
			}
		}

		if int64(len(successLatencies)) < l.MinSamples {
			// Leave the baseline exactly as it was (unlearned stays
			// unlearned; a previously learned baseline is not revisited
			// this pass, it simply goes stale).
			continue
		}

		prior, hadPrior := prev[ep]
		sampleMean := mean(successLatencies)
		if hadPrior && prior.Learned {
			sampleMean = removeOutliersOnce(successLatencies, prior.LatencyMs)
		}

		old := sampleMean
		if hadPrior && prior.Learned {
			old = prior.LatencyMs
		}
		newValue := l.Alpha*sampleMean + (1-l.Alpha)*old

		next[ep] = model.Baseline{
			Endpoint:    ep,
			LatencyMs:   newValue,
			SampleCount: prior.SampleCount + int64(len(successLatencies)),
			Learned:     true,
			UpdatedAt:   now,
		}
		learnedCount++
	}

	l.current.Store(&next)
	statsd.Client.Gauge("baseline.learned_endpoints", float64(learnedCount), nil, 1)
	log.Debugf("baseline: learned %d endpoint(s) this pass", learnedCount)
	return nil
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// removeOutliersOnce drops latencies beyond 5x the current (prior)
// baseline mean, iteratively once, then returns the mean of what remains.
// "Iteratively once" per §4.3: a single outlier-removal pass, not a
// fixed-point loop.
func removeOutliersOnce(xs []float64, currentMean float64) float64 {
	if currentMean <= 0 {
		return mean(xs)
	}
	threshold := 5 * currentMean
	filtered := make([]float64, 0, len(xs))
	for _, x := range xs {
		if x <= threshold {
			filtered = append(filtered, x)
		}
	}
	if len(filtered) == 0 {
		return mean(xs)
	}
	return mean(filtered)
}
