// Package watchdog provides panic recovery for background goroutines and a
// soft-deadline overrun counter for the analysis scheduler, generalized
// from the teacher's cmd/trace-agent watchdog() method. Unlike the teacher's
// version this never calls a die function: this pipeline has no
// crash-restart supervisor in scope, so an overrun only raises a health
// flag (see engine.HealthStatus).
package watchdog

import (
	"sync/atomic"

	log "github.com/cihub/seelog"
)

// LogOnPanic recovers a panic in the calling goroutine, logs it, and lets
// the goroutine return normally instead of crashing the process. Deferred
// at the top of the scheduler's background goroutine, mirroring the teacher's
// watchdog.LogOnPanic() call sites in writer/trace_writer.go.
func LogOnPanic() {
	if r := recover(); r != nil {
		log.Errorf("watchdog: recovered from panic: %v", r)
	}
}

// DeadlineMonitor counts consecutive soft-deadline overruns so the engine
// can raise a health flag, the analysis-pipeline analogue of the teacher's
// MaxMemory/MaxConnections kill-switch.
type DeadlineMonitor struct {
	consecutiveOverruns int64
}

// RecordOverrun marks that the current pass exceeded its soft deadline.
func (d *DeadlineMonitor) RecordOverrun() {
	atomic.AddInt64(&d.consecutiveOverruns, 1)
}

// RecordOnTime resets the overrun streak after a pass finished within its
// deadline.
func (d *DeadlineMonitor) RecordOnTime() {
	atomic.StoreInt64(&d.consecutiveOverruns, 0)
}

// Overruns returns the current consecutive-overrun count.
func (d *DeadlineMonitor) Overruns() int64 {
	return atomic.LoadInt64(&d.consecutiveOverruns)
}

// Unhealthy reports whether the overrun streak is long enough to be
// considered a sustained problem rather than a one-off slow pass.
func (d *DeadlineMonitor) Unhealthy() bool {
	return d.Overruns() >= 3
}
