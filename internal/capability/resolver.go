// Package capability decides whether an actor may move an entity into a
// status. Roles map to capabilities of the form
// "<entity_type>:transition:<status>" through a static YAML policy.
package capability

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/pitabwire/statusflow/model"
)

// CacheRecorder counts capability cache lookups.
type CacheRecorder interface {
	RecordCapabilityCacheHit()
	RecordCapabilityCacheMiss()
}

type cacheEntry struct {
	caps    model.CapabilitySet
	expires time.Time
}

// Resolver resolves capability sets through a PolicyEvaluator and caches
// them per actor and role set.
type Resolver struct {
	evaluator model.PolicyEvaluator
	ttl       time.Duration
	recorder  CacheRecorder
	now       func() time.Time

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// NewResolver creates a new Resolver with the given evaluator and cache TTL.
// A non-positive ttl disables caching.
func NewResolver(evaluator model.PolicyEvaluator, ttl time.Duration) *Resolver {
	return &Resolver{
		evaluator: evaluator,
		ttl:       ttl,
		now:       time.Now,
		cache:     make(map[string]cacheEntry),
	}
}

// SetRecorder sets the cache metrics recorder.
func (r *Resolver) SetRecorder(rec CacheRecorder) {
	r.recorder = rec
}

func cacheKey(actor model.Actor) string {
	roles := slices.Clone(actor.Roles)
	slices.Sort(roles)
	return actor.ID + ":" + actor.TenantID + ":" + strings.Join(roles, ",")
}

// Resolve returns the capability set of actor.
func (r *Resolver) Resolve(ctx context.Context, actor model.Actor) (model.CapabilitySet, error) {
	key := cacheKey(actor)

	if r.ttl > 0 {
		r.mu.RLock()
		entry, ok := r.cache[key]
		r.mu.RUnlock()
		if ok && r.now().Before(entry.expires) {
			if r.recorder != nil {
				r.recorder.RecordCapabilityCacheHit()
			}
			return entry.caps, nil
		}
		if ok {
			r.mu.Lock()
			if e, still := r.cache[key]; still && !r.now().Before(e.expires) {
				delete(r.cache, key)
			}
			r.mu.Unlock()
		}
	}
	if r.recorder != nil {
		r.recorder.RecordCapabilityCacheMiss()
	}

	caps, err := r.evaluator.ResolveCapabilities(ctx, actor)
	if err != nil {
		return nil, err
	}

	if r.ttl > 0 {
		now := r.now()
		r.mu.Lock()
		// Drop expired sets of actors that never returned.
		for k, e := range r.cache {
			if !now.Before(e.expires) {
				delete(r.cache, k)
			}
		}
		r.cache[key] = cacheEntry{caps: caps, expires: now.Add(r.ttl)}
		r.mu.Unlock()
	}
	return caps, nil
}

// Len returns the number of cached capability sets.
func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}

// Invalidate clears cached capabilities for the given actor and tenant.
func (r *Resolver) Invalidate(actorID, tenantID string) {
	prefix := actorID + ":" + tenantID + ":"
	r.mu.Lock()
	for key := range r.cache {
		if strings.HasPrefix(key, prefix) {
			delete(r.cache, key)
		}
	}
	r.mu.Unlock()
}

// Reload re-reads the policy and drops every cached set.
func (r *Resolver) Reload() error {
	if err := r.evaluator.Sync(); err != nil {
		return err
	}
	r.mu.Lock()
	clear(r.cache)
	r.mu.Unlock()
	return nil
}
