package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/cihub/seelog"
	"github.com/redis/go-redis/v9"

	"github.com/opsintel/ops-agent/model"
)

// RedisRegistry implements Store with incidents serialized as JSON values
// keyed by incident id, plus a companion sorted-set index (scored by
// last_updated) for the TTL sweep. The monitored service in the worked
// examples already talks to Redis; wiring the registry through the same
// client type lets a host share one Redis deployment.
type RedisRegistry struct {
	rdb           *redis.Client
	keyPrefix     string
	indexKey      string
	resolvedGrace time.Duration
}

const defaultKeyPrefix = "opsintel:incident:"
const defaultIndexKey = "opsintel:incidents:by_update"

// NewRedisRegistry connects to addr and returns a Store backed by it.
// resolvedGrace approximates MemRegistry's one-analysis-pass grace period
// for resolved incidents (Redis has no notion of "this process's last
// pass" to key a pass counter off of); callers should pass the scheduler's
// analysis cadence.
func NewRedisRegistry(addr string, resolvedGrace time.Duration) *RedisRegistry {
	return &RedisRegistry{
		rdb:           redis.NewClient(&redis.Options{Addr: addr}),
		keyPrefix:     defaultKeyPrefix,
		indexKey:      defaultIndexKey,
		resolvedGrace: resolvedGrace,
	}
}

func (r *RedisRegistry) key(id string) string {
	return r.keyPrefix + id
}

func (r *RedisRegistry) save(ctx context.Context, inc model.Incident) error {
	raw, err := json.Marshal(inc)
	if err != nil {
		return fmt.Errorf("registry: marshaling incident %s: %w", inc.ID, err)
	}
	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, r.key(inc.ID), raw, 0)
	pipe.ZAdd(ctx, r.indexKey, redis.Z{Score: float64(inc.LastUpdated.Unix()), Member: inc.ID})
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("registry: writing incident %s: %w", inc.ID, err)
	}
	return nil
}

func (r *RedisRegistry) load(ctx context.Context, id string) (model.Incident, error) {
	raw, err := r.rdb.Get(ctx, r.key(id)).Bytes()
	if err == redis.Nil {
		return model.Incident{}, ErrNotFound
	}
	if err != nil {
		return model.Incident{}, fmt.Errorf("registry: reading incident %s: %w", id, err)
	}
	var inc model.Incident
	if err := json.Unmarshal(raw, &inc); err != nil {
		return model.Incident{}, fmt.Errorf("registry: unmarshaling incident %s: %w", id, err)
	}
	return inc, nil
}

// List implements Store.
func (r *RedisRegistry) List(ctx context.Context, f Filter) ([]model.Incident, error) {
	ids, err := r.rdb.ZRevRange(ctx, r.indexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("registry: listing index: %w", err)
	}
	out := make([]model.Incident, 0, len(ids))
	for _, id := range ids {
		inc, err := r.load(ctx, id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		if f.matches(inc) {
			out = append(out, inc)
		}
	}
	return out, nil
}

// Get implements Store.
func (r *RedisRegistry) Get(ctx context.Context, id string) (model.Incident, error) {
	return r.load(ctx, id)
}

// Upsert implements Store.
func (r *RedisRegistry) Upsert(ctx context.Context, inc model.Incident) error {
	return r.save(ctx, inc)
}

// Acknowledge implements Store.
func (r *RedisRegistry) Acknowledge(ctx context.Context, id string, now time.Time) (model.Incident, error) {
	inc, err := r.load(ctx, id)
	if err != nil {
		return model.Incident{}, err
	}
	inc.Status = model.IncidentAcknowledged
	inc.LastUpdated = now
	if err := r.save(ctx, inc); err != nil {
		return model.Incident{}, err
	}
	return inc, nil
}

// Resolve implements Store. The grace-period sweep is driven by ExpireTTL,
// which keys a resolved incident's removal off its LastUpdated timestamp
// (via the sorted-set score) and resolvedGrace, instead of MemRegistry's
// in-process pass counter (Redis has no notion of "this process's last
// pass").
func (r *RedisRegistry) Resolve(ctx context.Context, id, note string, now time.Time) (model.Incident, error) {
	inc, err := r.load(ctx, id)
	if err != nil {
		return model.Incident{}, err
	}
	inc.Status = model.IncidentResolved
	inc.ResolutionNote = note
	inc.LastUpdated = now
	if err := r.save(ctx, inc); err != nil {
		return model.Incident{}, err
	}
	return inc, nil
}

// ExpireTTL implements Store. Active incidents older than ttl are deleted
// outright; resolved incidents are deleted once their LastUpdated is older
// than resolvedGrace, the cadence-sized approximation of MemRegistry's
// one-pass grace period. The two cutoffs differ, so the sorted-set scan
// uses the shorter of the two windows (the one that admits candidates for
// both cutoffs) and re-checks the exact cutoff per incident once its status
// is known.
func (r *RedisRegistry) ExpireTTL(ctx context.Context, now time.Time, ttl time.Duration) ([]string, error) {
	scanWindow := ttl
	if r.resolvedGrace < scanWindow {
		scanWindow = r.resolvedGrace
	}
	ids, err := r.rdb.ZRangeByScore(ctx, r.indexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.Add(-scanWindow).Unix()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("registry: scanning expirable incidents: %w", err)
	}

	var removed []string
	for _, id := range ids {
		inc, err := r.load(ctx, id)
		if err == ErrNotFound {
			r.rdb.ZRem(ctx, r.indexKey, id)
			continue
		}
		if err != nil {
			return removed, err
		}

		age := now.Sub(inc.LastUpdated)
		switch inc.Status {
		case model.IncidentAcknowledged:
			continue
		case model.IncidentResolved:
			if age < r.resolvedGrace {
				continue
			}
		default:
			if age < ttl {
				continue
			}
		}

		pipe := r.rdb.TxPipeline()
		pipe.Del(ctx, r.key(id))
		pipe.ZRem(ctx, r.indexKey, id)
		if _, err := pipe.Exec(ctx); err != nil {
			return removed, fmt.Errorf("registry: removing incident %s: %w", id, err)
		}
		removed = append(removed, id)
		log.Infof("registry: incident %s auto-closed after TTL", id)
	}
	return removed, nil
}
