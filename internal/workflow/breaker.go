package workflow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pitabwire/statusflow/model"
)

// BreakerState represents the current state of a circuit breaker.
type BreakerState int

const (
	// BreakerClosed lets every call through and counts failures.
	BreakerClosed BreakerState = iota
	// BreakerOpen fails calls immediately with TRANSIENT.
	BreakerOpen
	// BreakerHalfOpen lets probe calls through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker trips after a run of consecutive infrastructure failures
// and probes again after a cool-down. It is safe for concurrent use.
type CircuitBreaker struct {
	mu               sync.Mutex
	state            BreakerState
	failures         int
	successes        int
	failureThreshold int
	successThreshold int
	openTimeout      time.Duration
	openedAt         time.Time
	now              func() time.Time
}

// NewCircuitBreaker creates a breaker. failureThreshold consecutive failures
// open it; successThreshold consecutive probe successes close it again.
func NewCircuitBreaker(failureThreshold, successThreshold int, openTimeout time.Duration) *CircuitBreaker {
	if failureThreshold < 1 {
		failureThreshold = 5
	}
	if successThreshold < 1 {
		successThreshold = 1
	}
	if openTimeout <= 0 {
		openTimeout = 10 * time.Second
	}
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		openTimeout:      openTimeout,
		now:              time.Now,
	}
}

// Allow reports whether a call may proceed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState() != BreakerOpen
}

// Record feeds the outcome of a call into the breaker.
func (cb *CircuitBreaker) Record(failed bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState() {
	case BreakerClosed:
		if !failed {
			cb.failures = 0
			return
		}
		cb.failures++
		if cb.failures >= cb.failureThreshold {
			cb.trip()
		}
	case BreakerHalfOpen:
		if failed {
			cb.trip()
			return
		}
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.state = BreakerClosed
			cb.failures = 0
			cb.successes = 0
		}
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState()
}

func (cb *CircuitBreaker) currentState() BreakerState {
	if cb.state == BreakerOpen && cb.now().Sub(cb.openedAt) >= cb.openTimeout {
		cb.state = BreakerHalfOpen
		cb.successes = 0
	}
	return cb.state
}

func (cb *CircuitBreaker) trip() {
	cb.state = BreakerOpen
	cb.openedAt = cb.now()
	cb.successes = 0
}

// GuardedStore wraps an EntityStore with a circuit breaker. Domain outcomes
// (NOT_FOUND, CONFLICT) count as successes; anything else counts as an
// infrastructure failure. While the breaker is open every call fails with
// TRANSIENT without touching the backend.
type GuardedStore struct {
	next    EntityStore
	breaker *CircuitBreaker
	onState func(BreakerState)
}

// NewGuardedStore wraps next.
func NewGuardedStore(next EntityStore, breaker *CircuitBreaker) *GuardedStore {
	return &GuardedStore{next: next, breaker: breaker}
}

// Breaker exposes the breaker for health reporting.
func (g *GuardedStore) Breaker() *CircuitBreaker { return g.breaker }

// OnStateChange registers fn to receive the breaker state after every
// guarded call. Call it before the store is shared.
func (g *GuardedStore) OnStateChange(fn func(BreakerState)) {
	g.onState = fn
}

func (g *GuardedStore) guard(op string, fn func() error) error {
	if !g.breaker.Allow() {
		return model.NewTransientError("entity store unavailable ("+op+")", nil)
	}
	err := fn()
	g.breaker.Record(err != nil && !isDomainError(err) && !errors.Is(err, context.Canceled))
	if g.onState != nil {
		g.onState(g.breaker.State())
	}
	return err
}

func isDomainError(err error) bool {
	switch model.ErrorCode(err) {
	case model.ErrNotFound, model.ErrConflict:
		return true
	}
	return false
}

// Create implements EntityStore.
func (g *GuardedStore) Create(ctx context.Context, e model.Entity) error {
	return g.guard("create", func() error { return g.next.Create(ctx, e) })
}

// Get implements EntityStore.
func (g *GuardedStore) Get(ctx context.Context, id string) (model.Entity, error) {
	var out model.Entity
	err := g.guard("get", func() error {
		var err error
		out, err = g.next.Get(ctx, id)
		return err
	})
	return out, err
}

// Update implements EntityStore.
func (g *GuardedStore) Update(ctx context.Context, e model.Entity, expectedVersion int64) error {
	return g.guard("update", func() error { return g.next.Update(ctx, e, expectedVersion) })
}

// Query implements EntityStore.
func (g *GuardedStore) Query(ctx context.Context, q Query) ([]model.Entity, error) {
	var out []model.Entity
	err := g.guard("query", func() error {
		var err error
		out, err = g.next.Query(ctx, q)
		return err
	})
	return out, err
}

// CountByStatus implements EntityStore.
func (g *GuardedStore) CountByStatus(ctx context.Context, entityType, tenantID string) (map[string]int, error) {
	var out map[string]int
	err := g.guard("count", func() error {
		var err error
		out, err = g.next.CountByStatus(ctx, entityType, tenantID)
		return err
	})
	return out, err
}

// HealthCheck reports the breaker state and, when closed, the backend's
// own health.
func (g *GuardedStore) HealthCheck(ctx context.Context) error {
	if g.breaker.State() == BreakerOpen {
		return model.NewTransientError("entity store circuit open", nil)
	}
	if hc, ok := g.next.(interface{ HealthCheck(context.Context) error }); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}
