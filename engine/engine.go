// Package engine holds the composite Engine struct: the single
// non-global value, generalized from the teacher's cmd/trace-agent Agent,
// that wires the Store, Failure Injector, Baseline Learner, Anomaly
// Detector, RCA Engine, Incident Registry and Analysis Scheduler together
// and is threaded through the instrumentation hook and command handlers.
package engine

import (
	"context"
	"time"

	log "github.com/cihub/seelog"

	"github.com/opsintel/ops-agent/baseline"
	"github.com/opsintel/ops-agent/config"
	"github.com/opsintel/ops-agent/detector"
	"github.com/opsintel/ops-agent/injector"
	"github.com/opsintel/ops-agent/model"
	"github.com/opsintel/ops-agent/rca"
	"github.com/opsintel/ops-agent/registry"
	"github.com/opsintel/ops-agent/scheduler"
	"github.com/opsintel/ops-agent/store"
	"github.com/opsintel/ops-agent/trace"
)

// Engine is the single composite value constructed at startup, replacing
// the process-wide globals a naive port of the source system would reach
// for (store/analyzer/registry/injector singletons).
type Engine struct {
	Store     store.Store
	Injector  *injector.Injector
	Learner   *baseline.Learner
	Detector  *detector.Detector
	RCA       *rca.Engine
	Registry  registry.Store
	Scheduler *scheduler.Scheduler

	conf *config.AgentConfig
}

// New constructs an Engine from conf, wiring every component exactly the
// way NewAgent wires the trace agent's sub-routines.
func New(conf *config.AgentConfig) (*Engine, error) {
	var st store.Store
	if conf.SQLitePath != "" {
		sq, err := store.NewSQLiteStore(conf.SQLitePath)
		if err != nil {
			return nil, err
		}
		st = sq
	} else {
		st = store.NewMemStore()
	}

	var reg registry.Store
	if conf.RedisAddr != "" {
		reg = registry.NewRedisRegistry(conf.RedisAddr, conf.AnalysisCadence)
	} else {
		reg = registry.NewMemRegistry()
	}

	learner := baseline.NewLearner(conf.BaselineWindow, conf.MinSamples, conf.Alpha)
	det := detector.New(conf.BaselineWindow, conf.AnalysisWindow, conf.LatencyMultiplier, conf.ErrorRateThreshold, conf.MinAnalysisSamples, conf.SilenceThreshold)
	rcaEngine := rca.New(conf.LatencyMultiplier, conf.CorrelationWindow)
	inj := injector.New()

	sched := &scheduler.Scheduler{
		Store:          st,
		Learner:        learner,
		Detector:       det,
		RCA:            rcaEngine,
		Registry:       reg,
		BaselineWindow: conf.BaselineWindow,
		IncidentTTL:    conf.IncidentTTL,
		Cadence:        conf.AnalysisCadence,
		Deadline:       conf.AnalysisDeadline,
	}

	return &Engine{
		Store:     st,
		Injector:  inj,
		Learner:   learner,
		Detector:  det,
		RCA:       rcaEngine,
		Registry:  reg,
		Scheduler: sched,
		conf:      conf,
	}, nil
}

// Start launches the background analysis scheduler.
func (e *Engine) Start(ctx context.Context) {
	e.Scheduler.Start(ctx)
}

// Stop shuts the scheduler down, letting its current pass finish.
func (e *Engine) Stop() {
	e.Scheduler.Stop()
}

// ApplyConfig pushes a freshly reloaded config's thresholds into the
// running scheduler (learner, detector, RCA engine), the wiring a
// config.Watcher's reload callback calls so hot-reloaded tuning actually
// reaches the analysis pipeline instead of only updating an unread
// snapshot.
func (e *Engine) ApplyConfig(conf *config.AgentConfig) {
	e.conf = conf
	e.Scheduler.ApplyConfig(conf)
}

// RequestContext is returned by Begin and carried by the caller until End.
type RequestContext struct {
	TraceID   string
	Endpoint  string
	Method    string
	StartedAt time.Time
}

// Begin implements the ingress hook's begin(endpoint, method,
// incoming_trace_id?) -> ctx: it adopts an incoming trace id or generates a
// fresh 128-bit random one, per §6.
func (e *Engine) Begin(endpoint, method, incomingTraceID string) RequestContext {
	tid := incomingTraceID
	if tid == "" {
		tid = trace.NewID()
	}
	return RequestContext{
		TraceID:   tid,
		Endpoint:  endpoint,
		Method:    method,
		StartedAt: time.Now(),
	}
}

// End implements the ingress hook's end(ctx, status_code, error_message?):
// it constructs and inserts a TelemetryRecord. Storage errors are logged
// and swallowed — telemetry is best-effort from the monitored service's
// point of view (§7).
func (e *Engine) End(ctx context.Context, rc RequestContext, serviceName string, statusCode int, errorMessage string) {
	rec := &model.TelemetryRecord{
		ServiceName:  serviceName,
		Endpoint:     rc.Endpoint,
		Method:       rc.Method,
		StatusCode:   statusCode,
		LatencyMs:    float64(time.Since(rc.StartedAt).Microseconds()) / 1000.0,
		ErrorMessage: errorMessage,
		TraceID:      rc.TraceID,
		Timestamp:    rc.StartedAt,
	}
	if _, err := e.Store.Insert(ctx, rec); err != nil {
		log.Warnf("engine: telemetry insert failed for %s: %s", rc.Endpoint, err)
	}
}

// CheckInjection implements the ingress hook's check_injection(endpoint).
func (e *Engine) CheckInjection(endpoint string) injector.Decision {
	return e.Injector.Check(endpoint)
}

// HealthStatus folds the store's insert-failure counter and the
// scheduler's deadline-overrun streak into one flag for the health
// endpoint. The insert-failure counter is cumulative, so a single failed
// insert since startup marks the engine unhealthy; the overrun streak does
// so at three consecutive overruns.
func (e *Engine) HealthStatus() (healthy bool, reason string) {
	if e.Store.FailureCount() > 0 {
		return false, "telemetry store has observed insert failures"
	}
	if e.Scheduler.Deadlines.Unhealthy() {
		return false, "analysis pass has repeatedly exceeded its soft deadline"
	}
	return true, ""
}
