package registry

import (
	"context"
	"sync"
	"time"

	log "github.com/cihub/seelog"

	"github.com/opsintel/ops-agent/model"
)

type entry struct {
	incident       model.Incident
	resolved       bool  // true once Resolve has been called
	resolvedAtPass int64 // pass counter value when Resolve was called; meaningless unless resolved
}

// MemRegistry is the default Store: a single mutex guards a map of active
// incidents, matching §5's "single mutex guards the registry; operations
// are O(active incidents), expected to be small."
type MemRegistry struct {
	mu          sync.Mutex
	incidents   map[string]*entry
	passCounter int64
}

// NewMemRegistry returns an empty registry.
func NewMemRegistry() *MemRegistry {
	return &MemRegistry{incidents: make(map[string]*entry)}
}

// List implements Store.
func (r *MemRegistry) List(_ context.Context, f Filter) ([]model.Incident, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]model.Incident, 0, len(r.incidents))
	for _, e := range r.incidents {
		if f.matches(e.incident) {
			out = append(out, e.incident)
		}
	}
	sortIncidents(out)
	return out, nil
}

// Get implements Store.
func (r *MemRegistry) Get(_ context.Context, id string) (model.Incident, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.incidents[id]
	if !ok {
		return model.Incident{}, ErrNotFound
	}
	return e.incident, nil
}

// Upsert implements Store: insert or fully replace the incident at inc.ID.
func (r *MemRegistry) Upsert(_ context.Context, inc model.Incident) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.incidents[inc.ID] = &entry{incident: inc}
	return nil
}

// Acknowledge implements Store: active -> acknowledged.
func (r *MemRegistry) Acknowledge(_ context.Context, id string, now time.Time) (model.Incident, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.incidents[id]
	if !ok {
		return model.Incident{}, ErrNotFound
	}
	e.incident.Status = model.IncidentAcknowledged
	e.incident.LastUpdated = now
	return e.incident, nil
}

// Resolve implements Store: -> resolved, removed from the active set after
// a grace period (see ExpireTTL).
func (r *MemRegistry) Resolve(_ context.Context, id, note string, now time.Time) (model.Incident, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.incidents[id]
	if !ok {
		return model.Incident{}, ErrNotFound
	}
	e.incident.Status = model.IncidentResolved
	e.incident.ResolutionNote = note
	e.incident.LastUpdated = now
	e.resolved = true
	e.resolvedAtPass = r.passCounter
	return e.incident, nil
}

// ExpireTTL implements Store. Active incidents whose last_updated is older
// than ttl are removed outright (acknowledged incidents never auto-close).
// A resolved incident survives the sweep immediately following its resolve
// and is removed by the sweep after that, giving callers a full pass to
// observe the resolved state before it disappears. The resolved flag (not
// just resolvedAtPass) tracks whether Resolve was ever called, since a
// resolve that happens before this registry's first-ever sweep leaves
// resolvedAtPass at 0 — the same value a later sweep's passCounter could
// also pass through.
func (r *MemRegistry) ExpireTTL(_ context.Context, now time.Time, ttl time.Duration) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.passCounter++
	var removed []string

	for id, e := range r.incidents {
		switch e.incident.Status {
		case model.IncidentActive:
			if now.Sub(e.incident.LastUpdated) > ttl {
				delete(r.incidents, id)
				removed = append(removed, id)
				log.Infof("registry: incident %s auto-closed after TTL", id)
			}
		case model.IncidentResolved:
			if e.resolved && e.resolvedAtPass+1 < r.passCounter {
				delete(r.incidents, id)
				removed = append(removed, id)
			}
		}
	}
	return removed, nil
}
