package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/pitabwire/statusflow/internal/definition"
	"github.com/pitabwire/statusflow/internal/notify"
	"github.com/pitabwire/statusflow/internal/observability"
	"github.com/pitabwire/statusflow/model"
)

// Recorder receives engine metrics.
type Recorder interface {
	RecordEntityCreated(entityType string)
	RecordTransition(entityType, from, to string, duration time.Duration)
	RecordTransitionFailure(entityType, code string)
}

type nopRecorder struct{}

func (nopRecorder) RecordEntityCreated(string)                           {}
func (nopRecorder) RecordTransition(string, string, string, time.Duration) {}
func (nopRecorder) RecordTransitionFailure(string, string)                {}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithClock replaces time.Now for history timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator replaces the UUID generator for new entities.
func WithIDGenerator(gen func() string) Option {
	return func(e *Engine) { e.newID = gen }
}

// WithPublisher sets where committed changes are published. Defaults to the
// notifier passed to NewEngine. Use notify.Fanout to add a relay.
func WithPublisher(p notify.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// Engine is the only writer of entity status. Writes to one entity are
// serialized in-process by a keyed lock and across processes by the store's
// compare-and-swap.
type Engine struct {
	registry   *definition.Registry
	store      EntityStore
	notifier   *notify.Notifier
	publisher  notify.Publisher
	authorizer model.TransitionAuthorizer
	locks      *keyedMutex

	logger   *zap.Logger
	recorder Recorder
	now      func() time.Time
	newID    func() string
}

// NewEngine creates an engine. A nil authorizer allows every transition.
func NewEngine(
	registry *definition.Registry,
	store EntityStore,
	notifier *notify.Notifier,
	authorizer model.TransitionAuthorizer,
	opts ...Option,
) *Engine {
	if authorizer == nil {
		authorizer = model.AllowAll
	}
	e := &Engine{
		registry:   registry,
		store:      store,
		notifier:   notifier,
		publisher:  notifier,
		authorizer: authorizer,
		locks:      newKeyedMutex(),
		logger:     zap.NewNop(),
		recorder:   nopRecorder{},
		now:        time.Now,
		newID:      func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry returns the registry the engine validates against.
func (e *Engine) Registry() *definition.Registry {
	return e.registry
}

// CreateEntity creates an entity of req.EntityType in its start status.
func (e *Engine) CreateEntity(ctx context.Context, req model.CreateRequest) (ent model.Entity, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.create",
		attribute.String("statusflow.entity_type", req.EntityType),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	// 1. Resolve the start status.
	start, ok := e.registry.StartStatus(req.EntityType)
	if !ok {
		return model.Entity{}, model.NewNotFoundError(
			fmt.Sprintf("entity type %q is not registered", req.EntityType),
		)
	}

	// 2. Validate the payload.
	if err := validatePayload(req.EntityType, req.Payload); err != nil {
		return model.Entity{}, err
	}

	// 3. Build the entity.
	now := e.now().UTC()
	ent = model.Entity{
		ID:       e.newID(),
		Type:     req.EntityType,
		TenantID: req.TenantID,
		Status:   start,
		Payload:  req.Payload,
		Version:  1,
		History: []model.HistoryEntry{{
			Seq:       1,
			Status:    start,
			Timestamp: now,
			ActorID:   model.SystemActor,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}

	release, err := e.locks.Lock(ctx, ent.ID)
	if err != nil {
		return model.Entity{}, model.NewTransientError("acquire entity lock", err)
	}
	defer release()

	// 4. Persist.
	if err := e.store.Create(ctx, ent); err != nil {
		return model.Entity{}, storeError("create entity", err)
	}
	e.recorder.RecordEntityCreated(ent.Type)
	e.logger.Info("entity created",
		zap.String("entity_id", ent.ID),
		zap.String("entity_type", ent.Type),
		zap.String("tenant_id", ent.TenantID),
		zap.String("actor_id", req.ActorID),
	)

	// 5. Publish while still holding the lock.
	e.publish(ctx, model.NewChange(model.ChangeCreated, ent))
	return ent, nil
}

// ApplyTransition moves an entity to req.ToStatus. Checks run in a fixed
// order under the entity lock: existence, expected status, legality,
// authorization, then the conditional write.
func (e *Engine) ApplyTransition(ctx context.Context, req model.TransitionRequest) (ent model.Entity, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.transition",
		attribute.String("statusflow.entity_id", req.EntityID),
		attribute.String("statusflow.to_status", req.ToStatus),
	)
	started := e.now()
	entityType := ""
	defer func() {
		if err != nil {
			code := model.ErrorCode(err)
			if code == "" {
				code = model.ErrInternalError
			}
			e.recorder.RecordTransitionFailure(entityType, code)
			e.logger.Warn("transition rejected",
				zap.String("entity_id", req.EntityID),
				zap.String("to_status", req.ToStatus),
				zap.String("actor_id", req.ActorID),
				zap.String("code", code),
				zap.Error(err),
			)
		}
		observability.EndSpanWithError(span, err)
	}()

	release, err := e.locks.Lock(ctx, req.EntityID)
	if err != nil {
		return model.Entity{}, model.NewTransientError("acquire entity lock", err)
	}
	defer release()

	// 1. Load the entity.
	current, err := e.store.Get(ctx, req.EntityID)
	if err != nil {
		return model.Entity{}, storeError("load entity", err)
	}
	entityType = current.Type
	from := current.Status

	// 2. Expected status.
	if req.FromStatus != "" && req.FromStatus != from {
		return model.Entity{}, model.NewConflictError(
			fmt.Sprintf("entity %q is %q, not %q", current.ID, from, req.FromStatus),
		)
	}

	// 3. Legality.
	if !e.registry.IsLegal(current.Type, from, req.ToStatus) {
		return model.Entity{}, model.NewInvalidTransitionError(current.Type, from, req.ToStatus)
	}

	// 4. Authorization.
	allowed, err := e.authorizer.CanTransition(ctx, req.ActorID, current.Type, from, req.ToStatus)
	if err != nil {
		if model.ErrorCode(err) != "" {
			return model.Entity{}, err
		}
		return model.Entity{}, model.NewTransientError("authorize transition", err)
	}
	if !allowed {
		return model.Entity{}, model.NewForbiddenError(
			fmt.Sprintf("actor %q may not move %s to %q", req.ActorID, current.Type, req.ToStatus),
		)
	}

	// 5. Append history and write conditionally.
	now := e.now().UTC()
	next := current.Clone()
	next.Version = current.Version + 1
	next.Status = req.ToStatus
	next.UpdatedAt = now
	next.History = append(next.History, model.HistoryEntry{
		Seq:       next.Version,
		Status:    req.ToStatus,
		Timestamp: now,
		ActorID:   req.ActorID,
		Note:      req.Note,
	})
	if err := e.store.Update(ctx, next, current.Version); err != nil {
		return model.Entity{}, storeError("update entity", err)
	}

	e.recorder.RecordTransition(next.Type, from, next.Status, e.now().Sub(started))
	e.logger.Info("transition applied",
		zap.String("entity_id", next.ID),
		zap.String("entity_type", next.Type),
		zap.String("from", from),
		zap.String("to", next.Status),
		zap.Int64("seq", next.Version),
		zap.String("actor_id", req.ActorID),
	)

	// 6. Publish before releasing the lock so publish order is commit order.
	e.publish(ctx, model.NewChange(model.ChangeTransitioned, next))
	return next, nil
}

// Get returns an entity with its full history.
func (e *Engine) Get(ctx context.Context, id string) (ent model.Entity, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.get",
		attribute.String("statusflow.entity_id", id),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	ent, err = e.store.Get(ctx, id)
	if err != nil {
		return model.Entity{}, storeError("load entity", err)
	}
	return ent, nil
}

// Subscribe registers cb for one entity. cb first receives a snapshot of
// the entity, then every later change in commit order. The snapshot is
// taken under the entity lock so no transition falls in between.
func (e *Engine) Subscribe(ctx context.Context, entityID string, cb notify.Callback) (sub *notify.Subscription, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.subscribe",
		attribute.String("statusflow.entity_id", entityID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	release, err := e.locks.Lock(ctx, entityID)
	if err != nil {
		return nil, model.NewTransientError("acquire entity lock", err)
	}
	defer release()

	current, err := e.store.Get(ctx, entityID)
	if err != nil {
		return nil, storeError("load entity", err)
	}
	return e.notifier.Subscribe(entityID, model.NewChange(model.ChangeSnapshot, current), cb), nil
}

func (e *Engine) publish(ctx context.Context, change model.Change) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.Publish(ctx, change); err != nil {
		e.logger.Error("publish change",
			zap.String("entity_id", change.EntityID),
			zap.String("kind", string(change.Kind)),
			zap.Int64("seq", change.Entry.Seq),
			zap.Error(err),
		)
	}
}

func validatePayload(entityType string, p model.Payload) error {
	if p == nil {
		return nil
	}
	if p.Kind() != entityType {
		return model.NewValidationError([]model.FieldError{{
			Field:   "payload",
			Code:    "KIND_MISMATCH",
			Message: fmt.Sprintf("payload of kind %q cannot be used for %q", p.Kind(), entityType),
		}})
	}
	if err := p.Validate(); err != nil {
		return model.NewValidationError(model.ValidationDetails(err))
	}
	return nil
}

// storeError passes domain errors through and classifies everything else
// as transient.
func storeError(op string, err error) error {
	if model.ErrorCode(err) != "" {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return model.NewTransientError(op+": deadline exceeded", err)
	}
	return model.NewTransientError(op, err)
}
