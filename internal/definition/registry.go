package definition

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"

	"github.com/pitabwire/statusflow/model"
)

// Builder collects status definitions before they are frozen into a
// Registry. It is not safe for concurrent use.
type Builder struct {
	defs      map[string]model.StatusDefinition
	validator *Validator
}

// NewBuilder creates an empty Builder.
func NewBuilder() *Builder {
	return &Builder{
		defs:      make(map[string]model.StatusDefinition),
		validator: NewValidator(),
	}
}

// Register adds a definition. It returns a CONFIGURATION_ERROR if the
// definition is malformed or if the entity type is already registered with
// different rules. Registering identical rules twice is a no-op.
func (b *Builder) Register(def model.StatusDefinition) error {
	if errs := b.validator.ValidateOne(def.EntityType, def); len(errs) > 0 {
		msgs := make([]string, 0, len(errs))
		for _, e := range errs {
			msgs = append(msgs, e.Error())
		}
		sort.Strings(msgs)
		return model.NewConfigurationError(strings.Join(msgs, "; "))
	}

	if existing, ok := b.defs[def.EntityType]; ok {
		if existing.Equivalent(def) {
			return nil
		}
		return model.NewConfigurationError(
			fmt.Sprintf("entity type %q is already registered with different rules", def.EntityType),
		)
	}

	b.defs[def.EntityType] = cloneDefinition(def)
	return nil
}

// RegisterAll registers defs in order and stops at the first error.
func (b *Builder) RegisterAll(defs []model.StatusDefinition) error {
	for _, def := range defs {
		if err := b.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// Build freezes the registered definitions into a Registry. The Builder may
// keep being used; later registrations do not affect the returned Registry.
func (b *Builder) Build() *Registry {
	r := &Registry{
		defs:  make(map[string]model.StatusDefinition, len(b.defs)),
		legal: make(map[string]map[string]map[string]bool, len(b.defs)),
	}

	var checksumParts []string
	for name, def := range b.defs {
		def = cloneDefinition(def)
		r.defs[name] = def
		r.types = append(r.types, name)

		edges := make(map[string]map[string]bool, len(def.Transitions))
		for from, targets := range def.Transitions {
			if len(targets) == 0 {
				continue
			}
			set := make(map[string]bool, len(targets))
			for _, to := range targets {
				set[to] = true
			}
			edges[from] = set
		}
		r.legal[name] = edges
		checksumParts = append(checksumParts, canonical(def))
	}
	sort.Strings(r.types)

	sort.Strings(checksumParts)
	r.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(strings.Join(checksumParts, "\n"))))
	return r
}

// Registry answers lifecycle questions for registered entity types. It has
// no mutators and is safe for concurrent use.
type Registry struct {
	defs     map[string]model.StatusDefinition
	legal    map[string]map[string]map[string]bool
	types    []string
	checksum string
}

// IsRegistered reports whether entityType has a definition.
func (r *Registry) IsRegistered(entityType string) bool {
	_, ok := r.defs[entityType]
	return ok
}

// IsLegal reports whether an entity of entityType may move from one status to
// another. Unknown types and statuses are simply not legal.
func (r *Registry) IsLegal(entityType, from, to string) bool {
	return r.legal[entityType][from][to]
}

// IsTerminal reports whether status is a declared status of entityType with
// no outgoing transitions.
func (r *Registry) IsTerminal(entityType, status string) bool {
	def, ok := r.defs[entityType]
	if !ok || !def.HasStatus(status) {
		return false
	}
	return len(r.legal[entityType][status]) == 0
}

// StartStatus returns the status new entities of entityType start in.
func (r *Registry) StartStatus(entityType string) (string, bool) {
	def, ok := r.defs[entityType]
	if !ok {
		return "", false
	}
	return def.StartStatus, true
}

// Statuses returns the declared statuses of entityType in declaration order.
func (r *Registry) Statuses(entityType string) []string {
	return append([]string(nil), r.defs[entityType].Statuses...)
}

// NextStatuses returns the statuses reachable from status in one step,
// sorted.
func (r *Registry) NextStatuses(entityType, status string) []string {
	out := make([]string, 0, len(r.legal[entityType][status]))
	for to := range r.legal[entityType][status] {
		out = append(out, to)
	}
	sort.Strings(out)
	return out
}

// Definition returns a copy of the definition for entityType.
func (r *Registry) Definition(entityType string) (model.StatusDefinition, bool) {
	def, ok := r.defs[entityType]
	if !ok {
		return model.StatusDefinition{}, false
	}
	return cloneDefinition(def), true
}

// Types returns the registered entity types, sorted.
func (r *Registry) Types() []string {
	return append([]string(nil), r.types...)
}

// Checksum identifies the registered rule set. Two registries with
// equivalent definitions share a checksum.
func (r *Registry) Checksum() string {
	return r.checksum
}

func cloneDefinition(def model.StatusDefinition) model.StatusDefinition {
	out := def
	out.Statuses = append([]string(nil), def.Statuses...)
	out.Transitions = make(map[string][]string, len(def.Transitions))
	for from, targets := range def.Transitions {
		out.Transitions[from] = append([]string(nil), targets...)
	}
	return out
}

func canonical(def model.StatusDefinition) string {
	statuses := append([]string(nil), def.Statuses...)
	sort.Strings(statuses)
	parts := []string{def.EntityType, def.StartStatus, strings.Join(statuses, ",")}
	froms := make([]string, 0, len(def.Transitions))
	for from := range def.Transitions {
		froms = append(froms, from)
	}
	sort.Strings(froms)
	for _, from := range froms {
		targets := append([]string(nil), def.Transitions[from]...)
		if len(targets) == 0 {
			continue
		}
		sort.Strings(targets)
		parts = append(parts, from+">"+strings.Join(targets, ","))
	}
	return strings.Join(parts, "|")
}
