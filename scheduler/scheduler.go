// Package scheduler drives the background analysis activity: a fixed
// cadence loop of learner -> detector -> RCA -> registry TTL, plus an
// on-demand synchronous trigger that reuses the exact same pass function.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	log "github.com/cihub/seelog"

	"github.com/opsintel/ops-agent/baseline"
	"github.com/opsintel/ops-agent/config"
	"github.com/opsintel/ops-agent/detector"
	"github.com/opsintel/ops-agent/internal/statsd"
	"github.com/opsintel/ops-agent/internal/watchdog"
	"github.com/opsintel/ops-agent/model"
	"github.com/opsintel/ops-agent/rca"
	"github.com/opsintel/ops-agent/registry"
	"github.com/opsintel/ops-agent/store"
)

// PassResult is what one analysis pass produced, returned to an on-demand
// caller. The background loop discards it and logs only a failed pass.
type PassResult struct {
	Anomalies []model.Anomaly
	Incidents []model.Incident
}

// Scheduler owns the one dedicated background analysis activity described
// in §5: request handling runs concurrently with it, and it is the sole
// writer of Baselines and (together with the command surface) the Registry.
type Scheduler struct {
	Store    store.Store
	Learner  *baseline.Learner
	Detector *detector.Detector
	RCA      *rca.Engine
	Registry registry.Store

	BaselineWindow time.Duration
	IncidentTTL    time.Duration
	Cadence        time.Duration
	Deadline       time.Duration

	Clock clock.Clock

	Deadlines watchdog.DeadlineMonitor

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// runMu serializes RunOnce calls: the background tick and an
	// on-demand trigger must never run concurrently against the same
	// Registry mutex contention pattern assumed by §5.
	runMu sync.Mutex
}

// Start launches the background loop in its own goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	if s.Clock == nil {
		s.Clock = clock.New()
	}
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer watchdog.LogOnPanic()
		s.loop(ctx)
	}()
}

// Stop signals the loop to exit after its current pass completes, per §5's
// cancellation rule ("the current pass runs to completion and then
// exits").
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		if s.stop != nil {
			close(s.stop)
		}
	})
	s.wg.Wait()
}

// ApplyConfig updates every analysis threshold from a freshly loaded
// config without restarting the scheduler, so config hot-reload (§2.2,
// §3.8) has an observable effect on a running engine. It is serialized
// against RunOnce via runMu so a reload never races an in-flight pass.
// Cadence is deliberately excluded: re-periodizing a running Clock.Ticker
// needs a restart, so AnalysisCadence changes only take effect on the
// next process start.
func (s *Scheduler) ApplyConfig(conf *config.AgentConfig) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if conf.AnalysisCadence != s.Cadence {
		log.Warnf("scheduler: AnalysisCadence change (%s -> %s) ignored until restart", s.Cadence, conf.AnalysisCadence)
	}

	s.BaselineWindow = conf.BaselineWindow
	s.IncidentTTL = conf.IncidentTTL
	s.Deadline = conf.AnalysisDeadline

	s.Learner.Window = conf.BaselineWindow
	s.Learner.MinSamples = conf.MinSamples
	s.Learner.Alpha = conf.Alpha

	s.Detector.BaselineWindow = conf.BaselineWindow
	s.Detector.AnalysisWindow = conf.AnalysisWindow
	s.Detector.LatencyMultiplier = conf.LatencyMultiplier
	s.Detector.ErrorRateThreshold = conf.ErrorRateThreshold
	s.Detector.MinAnalysisSamples = conf.MinAnalysisSamples
	s.Detector.SilenceThreshold = conf.SilenceThreshold

	s.RCA.LatencyMultiplier = conf.LatencyMultiplier
	s.RCA.CorrelationWindow = conf.CorrelationWindow

	log.Infof("scheduler: applied reloaded configuration")
}

func (s *Scheduler) loop(ctx context.Context) {
	ticker := s.Clock.Ticker(s.Cadence)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				log.Errorf("scheduler: pass failed, will retry next tick: %s", err)
			}
		}
	}
}

// RunOnce executes one learn -> detect -> correlate -> expire pass and
// returns what it produced. It is the same function the background loop
// and the on-demand /analysis/run command both call, per the design note
// that the on-demand trigger "reuses the pass function".
func (s *Scheduler) RunOnce(ctx context.Context) (PassResult, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.Clock == nil {
		s.Clock = clock.New()
	}
	now := s.Clock.Now()
	start := s.Clock.Now()

	var result PassResult
	attempts := 0
	op := func() error {
		attempts++
		var err error
		result, err = s.pass(ctx, now)
		return err
	}

	// A transient storage error (a momentary lock, a dropped connection)
	// gets a few quick retries bounded by the soft deadline before the
	// tick gives up. A telemetry-store error surfaces inside pass() before
	// its first Registry write, so an attempt that fails that way leaves
	// the Registry as it was.
	boff := backoff.NewExponentialBackOff()
	boff.InitialInterval = 20 * time.Millisecond
	boff.MaxInterval = 200 * time.Millisecond
	boff.MaxElapsedTime = s.Deadline
	err := backoff.Retry(op, boff)
	if err != nil {
		log.Errorf("scheduler: pass failed after %d attempt(s): %s", attempts, err)
	} else if attempts > 1 {
		log.Warnf("scheduler: pass succeeded after %d attempts", attempts)
	}

	elapsed := s.Clock.Now().Sub(start)
	if elapsed > s.Deadline {
		log.Warnf("scheduler: analysis pass exceeded soft deadline (%s > %s)", elapsed, s.Deadline)
		s.Deadlines.RecordOverrun()
	} else {
		s.Deadlines.RecordOnTime()
	}
	statsd.Client.TimeInMilliseconds("scheduler.pass_duration_ms", float64(elapsed.Milliseconds()), nil, 1)

	if err != nil {
		return PassResult{}, err
	}
	return result, nil
}

// pass is the pure(-ish) compute step: storage errors abort it cleanly
// before any Registry mutation happens, matching §7's "storage errors
// during analysis: the current pass aborts cleanly; the Registry is not
// mutated."
func (s *Scheduler) pass(ctx context.Context, now time.Time) (PassResult, error) {
	endpoints, err := s.Store.DistinctEndpoints(ctx, now.Add(-s.BaselineWindow))
	if err != nil {
		return PassResult{}, err
	}

	if err := s.Learner.Learn(ctx, s.Store, endpoints, now); err != nil {
		return PassResult{}, err
	}
	snap := s.Learner.Snapshot()

	anomalies, err := s.Detector.Detect(ctx, s.Store, endpoints, snap, now)
	if err != nil {
		return PassResult{}, err
	}

	incidents, err := s.RCA.Correlate(ctx, s.Store, anomalies, snap, s.Registry, now)
	if err != nil {
		return PassResult{}, err
	}

	if _, err := s.Registry.ExpireTTL(ctx, now, s.IncidentTTL); err != nil {
		return PassResult{}, err
	}

	return PassResult{Anomalies: anomalies, Incidents: incidents}, nil
}
