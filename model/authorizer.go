package model

import "context"

// TransitionAuthorizer decides whether an actor may move an entity of the
// given type from one status to another. A non-nil error means the decision
// could not be made and is reported as TRANSIENT.
type TransitionAuthorizer interface {
	CanTransition(ctx context.Context, actorID, entityType, from, to string) (bool, error)
}

// AuthorizerFunc adapts a function to TransitionAuthorizer.
type AuthorizerFunc func(ctx context.Context, actorID, entityType, from, to string) (bool, error)

// CanTransition calls f.
func (f AuthorizerFunc) CanTransition(ctx context.Context, actorID, entityType, from, to string) (bool, error) {
	return f(ctx, actorID, entityType, from, to)
}

// AllowAll permits every transition. Intended for tests and embedded use.
var AllowAll TransitionAuthorizer = AuthorizerFunc(func(context.Context, string, string, string, string) (bool, error) {
	return true, nil
})
