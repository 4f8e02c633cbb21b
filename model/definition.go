package model

import "sort"

// StatusDefinition declares the lifecycle of one entity type: its statuses,
// the status new entities start in, and the legal transitions between them.
// A status with no outgoing transitions is terminal.
type StatusDefinition struct {
	EntityType  string              `yaml:"entity_type"  json:"entity_type"`
	Description string              `yaml:"description"  json:"description,omitempty"`
	Statuses    []string            `yaml:"statuses"     json:"statuses"`
	StartStatus string              `yaml:"start_status" json:"start_status"`
	Transitions map[string][]string `yaml:"transitions"  json:"transitions"`

	// Checksum and SourceFile are set by the loader.
	Checksum   string `yaml:"-" json:"-"`
	SourceFile string `yaml:"-" json:"-"`
}

// HasStatus reports whether status is declared.
func (d StatusDefinition) HasStatus(status string) bool {
	for _, s := range d.Statuses {
		if s == status {
			return true
		}
	}
	return false
}

// Terminals returns the declared statuses that have no outgoing
// transitions, in declaration order.
func (d StatusDefinition) Terminals() []string {
	var out []string
	for _, s := range d.Statuses {
		if len(d.Transitions[s]) == 0 {
			out = append(out, s)
		}
	}
	return out
}

// Equivalent reports whether d and o describe the same lifecycle. Ordering
// of statuses and transition targets is ignored.
func (d StatusDefinition) Equivalent(o StatusDefinition) bool {
	if d.EntityType != o.EntityType || d.StartStatus != o.StartStatus {
		return false
	}
	if !sameSet(d.Statuses, o.Statuses) {
		return false
	}
	from := map[string]bool{}
	for k, v := range d.Transitions {
		if len(v) > 0 {
			from[k] = true
		}
	}
	for k, v := range o.Transitions {
		if len(v) > 0 {
			from[k] = true
		}
	}
	for k := range from {
		if !sameSet(d.Transitions[k], o.Transitions[k]) {
			return false
		}
	}
	return true
}

func sameSet(a, b []string) bool {
	as := dedupSorted(a)
	bs := dedupSorted(b)
	if len(as) != len(bs) {
		return false
	}
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

func dedupSorted(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	n := 0
	for i, s := range out {
		if i == 0 || s != out[n-1] {
			out[n] = s
			n++
		}
	}
	return out[:n]
}
