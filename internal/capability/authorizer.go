package capability

import (
	"context"

	"github.com/pitabwire/statusflow/model"
)

// TransitionAuthorizer implements model.TransitionAuthorizer on top of a
// Resolver. An actor may move an entity of type T into status S when their
// capabilities include "T:transition:S".
//
// When actorID is the authenticated subject of the request, the roles come
// from the request context; otherwise they come from the policy's actors
// section. Unknown actors have no roles and are denied.
type TransitionAuthorizer struct {
	resolver  *Resolver
	evaluator model.PolicyEvaluator
}

// NewTransitionAuthorizer creates an authorizer.
func NewTransitionAuthorizer(resolver *Resolver, evaluator model.PolicyEvaluator) *TransitionAuthorizer {
	return &TransitionAuthorizer{resolver: resolver, evaluator: evaluator}
}

// CanTransition implements model.TransitionAuthorizer.
func (a *TransitionAuthorizer) CanTransition(ctx context.Context, actorID, entityType, _, to string) (bool, error) {
	actor := model.Actor{ID: actorID}
	if rctx := model.RequestContextFrom(ctx); rctx != nil && rctx.SubjectID == actorID {
		actor.TenantID = rctx.TenantID
		actor.Roles = rctx.Roles
	} else {
		actor.Roles = a.evaluator.RolesFor(actorID)
	}
	if len(actor.Roles) == 0 {
		return false, nil
	}

	caps, err := a.resolver.Resolve(ctx, actor)
	if err != nil {
		return false, err
	}
	return caps.Has(model.TransitionCapability(entityType, to)), nil
}
