package model

import (
	"context"
	"strings"
)

// TransitionCapability returns the capability an actor needs to move an
// entity of entityType into status to, e.g. "prescription:transition:approved".
func TransitionCapability(entityType, to string) string {
	return entityType + ":transition:" + to
}

// CapabilitySet is a set of capability strings granted to an actor. Keys
// may end in a wildcard ("order:*", "*").
type CapabilitySet map[string]bool

// Has returns true if the set contains cap exactly or through a wildcard.
func (cs CapabilitySet) Has(cap string) bool {
	if cs[cap] {
		return true
	}
	for pattern := range cs {
		if matchWildcard(pattern, cap) {
			return true
		}
	}
	return false
}

// HasAny returns true if at least one of caps is granted.
func (cs CapabilitySet) HasAny(caps ...string) bool {
	for _, cap := range caps {
		if cs.Has(cap) {
			return true
		}
	}
	return false
}

// matchWildcard returns true if pattern (which may end in "*") matches cap.
//
//	"*"                     matches anything
//	"order:*"               matches "order:transition:shipped"
//	"order:transition:*"    matches "order:transition:shipped"
//	"order:transition"      does NOT match "order:transition:shipped"
func matchWildcard(pattern, cap string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.HasSuffix(pattern, ":*") {
		return false
	}
	return strings.HasPrefix(cap, pattern[:len(pattern)-1])
}

// Actor identifies who is asking for capabilities.
type Actor struct {
	ID       string
	TenantID string
	Roles    []string
}

// PolicyEvaluator maps an actor's roles to capabilities.
type PolicyEvaluator interface {
	ResolveCapabilities(ctx context.Context, actor Actor) (CapabilitySet, error)

	// RolesFor returns the roles configured for an actor that is not the
	// authenticated caller, e.g. a background job acting on a queue.
	RolesFor(actorID string) []string

	// Sync reloads policy data from its source.
	Sync() error
}
