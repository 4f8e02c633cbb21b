package model

import "time"

// SystemActor is recorded as the actor of the initial history entry.
const SystemActor = "system"

// Entity is a status-bearing business record: a prescription, an order, a
// return, a purchase order or a payment.
type Entity struct {
	ID       string
	Type     string
	TenantID string
	Status   string
	Payload  Payload

	// Version equals the Seq of the newest history entry and is the
	// compare-and-swap token used by stores.
	Version int64
	History []HistoryEntry

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HistoryEntry records one status change. Entries are ordered by Seq, which
// is strictly increasing from 1 within an entity.
type HistoryEntry struct {
	Seq       int64     `json:"seq"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	ActorID   string    `json:"actor_id"`
	Note      string    `json:"note,omitempty"`
}

// LastEntry returns the newest history entry.
func (e Entity) LastEntry() (HistoryEntry, bool) {
	if len(e.History) == 0 {
		return HistoryEntry{}, false
	}
	return e.History[len(e.History)-1], true
}

// Clone returns a copy whose history slice does not alias e's.
func (e Entity) Clone() Entity {
	c := e
	c.History = append([]HistoryEntry(nil), e.History...)
	return c
}

// TransitionRequest asks the engine to move an entity to ToStatus.
// FromStatus is optional; when set the transition only applies if the
// entity is still in that status.
type TransitionRequest struct {
	EntityID   string `json:"entity_id"`
	FromStatus string `json:"from_status,omitempty"`
	ToStatus   string `json:"to_status"`
	ActorID    string `json:"actor_id"`
	Note       string `json:"note,omitempty"`
}

// CreateRequest asks the engine to create a new entity in its start status.
type CreateRequest struct {
	EntityType string
	TenantID   string
	// ActorID is logged only. The first history entry is always attributed
	// to SystemActor.
	ActorID string
	Payload Payload
}

// ChangeKind classifies a Change.
type ChangeKind string

const (
	ChangeSnapshot     ChangeKind = "snapshot"
	ChangeCreated      ChangeKind = "created"
	ChangeTransitioned ChangeKind = "transitioned"
)

// Change is delivered to subscribers for every committed write. Entry is the
// history entry the write appended; for snapshots it is the newest entry.
type Change struct {
	Kind       ChangeKind   `json:"kind"`
	EntityID   string       `json:"entity_id"`
	EntityType string       `json:"entity_type"`
	TenantID   string       `json:"tenant_id"`
	Status     string       `json:"status"`
	Entry      HistoryEntry `json:"entry"`
	Entity     Entity       `json:"entity"`
}

// NewChange builds a change of the given kind from an entity.
func NewChange(kind ChangeKind, e Entity) Change {
	entry, _ := e.LastEntry()
	return Change{
		Kind:       kind,
		EntityID:   e.ID,
		EntityType: e.Type,
		TenantID:   e.TenantID,
		Status:     e.Status,
		Entry:      entry,
		Entity:     e.Clone(),
	}
}
