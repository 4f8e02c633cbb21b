package definition

import (
	"fmt"
	"regexp"

	"github.com/pitabwire/statusflow/model"
)

// VError describes a single problem in a status definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

var identifierPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Validator checks status definitions structurally.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks all definitions and reports duplicates across them.
func (v *Validator) Validate(defs []model.StatusDefinition) []VError {
	var errs []VError
	seen := make(map[string]int)
	for i, def := range defs {
		prefix := fmt.Sprintf("entity_types[%d]", i)
		if def.SourceFile != "" {
			prefix = def.SourceFile + ":" + prefix
		}
		errs = append(errs, v.ValidateOne(prefix, def)...)

		if j, dup := seen[def.EntityType]; dup && def.EntityType != "" && !defs[j].Equivalent(def) {
			errs = append(errs, VError{
				Path:    prefix + ".entity_type",
				Code:    "DUPLICATE",
				Message: fmt.Sprintf("entity type %q is declared differently in entity_types[%d]", def.EntityType, j),
			})
		}
		if _, dup := seen[def.EntityType]; !dup {
			seen[def.EntityType] = i
		}
	}
	return errs
}

// ValidateOne checks a single definition.
func (v *Validator) ValidateOne(prefix string, def model.StatusDefinition) []VError {
	var errs []VError

	if def.EntityType == "" {
		errs = append(errs, VError{Path: prefix + ".entity_type", Code: "REQUIRED", Message: "entity_type is required"})
	} else if !identifierPattern.MatchString(def.EntityType) {
		errs = append(errs, VError{
			Path:    prefix + ".entity_type",
			Code:    "INVALID_FORMAT",
			Message: fmt.Sprintf("entity_type %q must be lower snake case", def.EntityType),
		})
	}

	if len(def.Statuses) == 0 {
		errs = append(errs, VError{Path: prefix + ".statuses", Code: "REQUIRED", Message: "at least one status is required"})
	}
	declared := make(map[string]bool, len(def.Statuses))
	for i, s := range def.Statuses {
		sp := fmt.Sprintf("%s.statuses[%d]", prefix, i)
		switch {
		case s == "":
			errs = append(errs, VError{Path: sp, Code: "REQUIRED", Message: "status must not be empty"})
		case declared[s]:
			errs = append(errs, VError{Path: sp, Code: "DUPLICATE", Message: fmt.Sprintf("status %q declared twice", s)})
		}
		declared[s] = true
	}

	if def.StartStatus == "" {
		errs = append(errs, VError{Path: prefix + ".start_status", Code: "REQUIRED", Message: "start_status is required"})
	} else if !declared[def.StartStatus] {
		errs = append(errs, VError{
			Path:    prefix + ".start_status",
			Code:    "UNDECLARED_STATUS",
			Message: fmt.Sprintf("start status %q is not declared", def.StartStatus),
		})
	}

	for from, targets := range def.Transitions {
		tp := fmt.Sprintf("%s.transitions.%s", prefix, from)
		if !declared[from] {
			errs = append(errs, VError{
				Path:    tp,
				Code:    "UNDECLARED_STATUS",
				Message: fmt.Sprintf("transition source %q is not declared", from),
			})
		}
		for _, to := range targets {
			if !declared[to] {
				errs = append(errs, VError{
					Path:    tp,
					Code:    "UNDECLARED_STATUS",
					Message: fmt.Sprintf("transition target %q is not declared", to),
				})
			}
			if to == from {
				errs = append(errs, VError{
					Path:    tp,
					Code:    "SELF_TRANSITION",
					Message: fmt.Sprintf("status %q cannot transition to itself", from),
				})
			}
		}
	}

	return errs
}
