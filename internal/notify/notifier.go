// Package notify delivers committed entity changes to live subscribers.
//
// Every subscription owns an unbounded FIFO mailbox drained by its own
// goroutine. Publishing never blocks on a subscriber, changes for one entity
// reach each subscriber in publish order, and nothing is dropped or merged.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/statusflow/model"
)

// Callback receives changes. A returned error is logged and counted;
// delivery of later changes continues.
type Callback func(ctx context.Context, change model.Change) error

// Publisher is the abstract channel the engine writes committed changes to.
type Publisher interface {
	Publish(ctx context.Context, change model.Change) error
}

// Recorder receives delivery metrics.
type Recorder interface {
	RecordNotification(entityType string, failed bool)
	SetActiveSubscriptions(n int)
}

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("notify: notifier closed")

// Option configures a Notifier.
type Option func(*Notifier)

// WithLogger sets the logger used for subscriber failures.
func WithLogger(l *zap.Logger) Option {
	return func(n *Notifier) { n.logger = l }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(n *Notifier) { n.recorder = r }
}

// Notifier is an in-process Publisher with per-entity and per-type
// subscriptions. It is safe for concurrent use.
type Notifier struct {
	mu       sync.Mutex
	byEntity map[string]map[*Subscription]struct{}
	byType   map[string]map[*Subscription]struct{}
	count    int
	closed   bool

	logger   *zap.Logger
	recorder Recorder
}

// NewNotifier creates an empty Notifier.
func NewNotifier(opts ...Option) *Notifier {
	n := &Notifier{
		byEntity: make(map[string]map[*Subscription]struct{}),
		byType:   make(map[string]map[*Subscription]struct{}),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Subscribe registers cb for changes to one entity. cb first receives
// initial, then every change published for entityID afterwards.
//
// Callers that need a gap-free feed must take initial from the store while
// holding the entity's write lock and call Subscribe before releasing it;
// the workflow engine does this.
func (n *Notifier) Subscribe(entityID string, initial model.Change, cb Callback) *Subscription {
	s := newSubscription(n, scopeEntity, entityID, cb)
	s.lastSeq = initial.Entry.Seq
	s.queue = append(s.queue, initial)
	n.register(s)
	return s
}

// SubscribeType registers cb for created and transitioned changes of every
// entity of entityType. No snapshot is delivered.
func (n *Notifier) SubscribeType(entityType string, cb Callback) *Subscription {
	s := newSubscription(n, scopeType, entityType, cb)
	n.register(s)
	return s
}

// Unsubscribe cancels sub. It is idempotent.
func (n *Notifier) Unsubscribe(sub *Subscription) {
	if sub != nil {
		sub.Cancel()
	}
}

func (n *Notifier) register(s *Subscription) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		s.Cancel()
		close(s.done)
		return
	}
	index := n.index(s.scope)
	set, ok := index[s.key]
	if !ok {
		set = make(map[*Subscription]struct{})
		index[s.key] = set
	}
	set[s] = struct{}{}
	n.count++
	count := n.count
	n.mu.Unlock()

	n.setActive(count)
	go s.run()
}

func (n *Notifier) remove(s *Subscription) {
	n.mu.Lock()
	index := n.index(s.scope)
	set, ok := index[s.key]
	if !ok {
		n.mu.Unlock()
		return
	}
	if _, ok := set[s]; !ok {
		n.mu.Unlock()
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(index, s.key)
	}
	n.count--
	count := n.count
	n.mu.Unlock()

	n.setActive(count)
}

func (n *Notifier) index(sc scope) map[string]map[*Subscription]struct{} {
	if sc == scopeType {
		return n.byType
	}
	return n.byEntity
}

// Publish enqueues change on every matching subscription and returns
// without waiting for delivery.
func (n *Notifier) Publish(_ context.Context, change model.Change) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return ErrClosed
	}
	for s := range n.byEntity[change.EntityID] {
		s.enqueue(change)
	}
	if change.Kind != model.ChangeSnapshot {
		for s := range n.byType[change.EntityType] {
			s.enqueue(change)
		}
	}
	return nil
}

// Close cancels every subscription. Later Publish calls fail with ErrClosed.
func (n *Notifier) Close() {
	n.mu.Lock()
	n.closed = true
	var subs []*Subscription
	for _, set := range n.byEntity {
		for s := range set {
			subs = append(subs, s)
		}
	}
	for _, set := range n.byType {
		for s := range set {
			subs = append(subs, s)
		}
	}
	n.mu.Unlock()

	for _, s := range subs {
		s.Cancel()
	}
}

// Stats is a point-in-time view of the subscription tables.
type Stats struct {
	Subscriptions int
	Entities      int
	EntityTypes   int
}

// Stats returns the current subscription counts.
func (n *Notifier) Stats() Stats {
	n.mu.Lock()
	defer n.mu.Unlock()
	return Stats{
		Subscriptions: n.count,
		Entities:      len(n.byEntity),
		EntityTypes:   len(n.byType),
	}
}

func (n *Notifier) setActive(count int) {
	if n.recorder != nil {
		n.recorder.SetActiveSubscriptions(count)
	}
}

func (n *Notifier) delivered(change model.Change, sub *Subscription, err error) {
	if n.recorder != nil {
		n.recorder.RecordNotification(change.EntityType, err != nil)
	}
	if err != nil {
		n.logger.Warn("subscriber callback failed",
			zap.String("subscription_id", sub.id),
			zap.String("entity_id", change.EntityID),
			zap.String("entity_type", change.EntityType),
			zap.String("change_kind", string(change.Kind)),
			zap.Error(err),
		)
	}
}

type scope int

const (
	scopeEntity scope = iota
	scopeType
)

// Subscription is a live registration returned by Subscribe. Cancel it to
// stop delivery.
type Subscription struct {
	id    string
	scope scope
	key   string
	cb    Callback
	n     *Notifier

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}

	mu        sync.Mutex
	cond      *sync.Cond
	queue     []model.Change
	lastSeq   int64
	cancelled bool
}

func newSubscription(n *Notifier, sc scope, key string, cb Callback) *Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Subscription{
		id:     uuid.NewString(),
		scope:  sc,
		key:    key,
		cb:     cb,
		n:      n,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// ID identifies the subscription in logs.
func (s *Subscription) ID() string { return s.id }

// Done is closed once the delivery goroutine has exited, i.e. after Cancel
// and after any in-flight callback has returned.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Cancel stops delivery. No callback starts after Cancel returns; one that
// is already running may finish. Cancel is idempotent and may be called from
// inside the callback.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.mu.Lock()
		s.cancelled = true
		s.queue = nil
		s.cond.Broadcast()
		s.mu.Unlock()

		s.cancel()
		s.n.remove(s)
	})
}

// Pending returns the number of changes waiting for delivery.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Subscription) enqueue(change model.Change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		return
	}
	// A relayed change can arrive after the snapshot already covers it.
	if s.scope == scopeEntity && change.Kind == model.ChangeTransitioned {
		if change.Entry.Seq <= s.lastSeq {
			return
		}
		// Skipped entries are replayed from the carried history.
		if s.lastSeq > 0 && change.Entry.Seq > s.lastSeq+1 {
			s.queue = append(s.queue, missedChanges(change, s.lastSeq)...)
		}
		s.lastSeq = change.Entry.Seq
	}
	s.queue = append(s.queue, change)
	s.cond.Signal()
}

// missedChanges rebuilds the transitioned changes with after < Seq <
// change.Entry.Seq from change.Entity.History, oldest first. Each carries the
// entity as it stood right after that entry.
func missedChanges(change model.Change, after int64) []model.Change {
	var missed []model.Change
	for i, entry := range change.Entity.History {
		if entry.Seq <= after || entry.Seq >= change.Entry.Seq {
			continue
		}
		e := change.Entity.Clone()
		e.History = e.History[: i+1 : i+1]
		e.Status = entry.Status
		e.Version = entry.Seq
		e.UpdatedAt = entry.Timestamp
		missed = append(missed, model.Change{
			Kind:       model.ChangeTransitioned,
			EntityID:   change.EntityID,
			EntityType: change.EntityType,
			TenantID:   change.TenantID,
			Status:     entry.Status,
			Entry:      entry,
			Entity:     e,
		})
	}
	return missed
}

func (s *Subscription) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.cancelled {
			s.cond.Wait()
		}
		if s.cancelled {
			s.mu.Unlock()
			return
		}
		change := s.queue[0]
		s.queue[0] = model.Change{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.n.delivered(change, s, s.invoke(change))
	}
}

func (s *Subscription) invoke(change model.Change) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback panic: %v", r)
		}
	}()
	return s.cb(s.ctx, change)
}
