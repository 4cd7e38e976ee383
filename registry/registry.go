// Package registry implements the Incident Registry: an in-memory map of
// active incidents with TTL-based expiration and acknowledge/resolve
// lifecycle transitions. MemRegistry is the default backend; RedisRegistry
// is a substitutable one with the same contract, per the design note that
// an implementer may swap the registry's backing store without changing
// the RCA engine.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/opsintel/ops-agent/model"
)

// ErrNotFound is returned by Get/Acknowledge/Resolve for an unknown id.
var ErrNotFound = errors.New("registry: incident not found")

// Filter narrows List results. Zero-value fields are wildcards.
type Filter struct {
	Severity model.Severity
	Status   model.IncidentStatus
	Endpoint string
}

func (f Filter) matches(inc model.Incident) bool {
	if f.Severity != "" && inc.Severity != f.Severity {
		return false
	}
	if f.Status != "" && inc.Status != f.Status {
		return false
	}
	if f.Endpoint != "" {
		found := false
		for _, ep := range inc.AffectedEndpoints {
			if ep == f.Endpoint {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Store is the contract both MemRegistry and RedisRegistry implement.
type Store interface {
	List(ctx context.Context, f Filter) ([]model.Incident, error)
	Get(ctx context.Context, id string) (model.Incident, error)
	Upsert(ctx context.Context, inc model.Incident) error
	Acknowledge(ctx context.Context, id string, now time.Time) (model.Incident, error)
	Resolve(ctx context.Context, id, note string, now time.Time) (model.Incident, error)
	ExpireTTL(ctx context.Context, now time.Time, ttl time.Duration) ([]string, error)
}

var serial int64

// NextSerial returns a process-monotonic serial for incident ids.
func NextSerial() int64 {
	return atomic.AddInt64(&serial, 1)
}

// NewIncidentID formats an id as INC-<epoch>-<serial>.
func NewIncidentID(now time.Time) string {
	return fmt.Sprintf("INC-%d-%d", now.Unix(), NextSerial())
}

// sortIncidents orders incidents for stable List output: most recently
// updated first.
func sortIncidents(incs []model.Incident) {
	sort.Slice(incs, func(i, j int) bool {
		return incs[i].LastUpdated.After(incs[j].LastUpdated)
	})
}
