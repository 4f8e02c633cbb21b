package workflow

import (
	"context"
	"time"

	"github.com/pitabwire/statusflow/model"
)

// EntityStore persists entities and their history. Implementations must
// make Update a compare-and-swap on Entity.Version so that writers in other
// processes cannot overwrite each other.
type EntityStore interface {
	// Create persists a new entity. Returns CONFLICT if the ID is taken.
	Create(ctx context.Context, entity model.Entity) error

	// Get retrieves an entity with its full history. Returns NOT_FOUND if
	// it does not exist.
	Get(ctx context.Context, id string) (model.Entity, error)

	// Update replaces the entity's status and appends the history entries
	// with Seq greater than expectedVersion, provided the stored version
	// still equals expectedVersion. Returns CONFLICT otherwise.
	Update(ctx context.Context, entity model.Entity, expectedVersion int64) error

	// Query returns one page of entities matching q.
	Query(ctx context.Context, q Query) ([]model.Entity, error)

	// CountByStatus returns the number of entities of entityType per
	// status. An empty tenantID counts every tenant.
	CountByStatus(ctx context.Context, entityType, tenantID string) (map[string]int, error)
}

// Sort fields accepted by Query.
const (
	SortCreatedAt = "created_at"
	SortUpdatedAt = "updated_at"
	SortStatus    = "status"
	SortID        = "id"
)

// ValidSortField reports whether f is a sort field stores understand.
func ValidSortField(f string) bool {
	switch f {
	case SortCreatedAt, SortUpdatedAt, SortStatus, SortID:
		return true
	}
	return false
}

// Query selects a page of entities. Zero-valued filters match everything.
// Results are ordered by SortField then by ID, so paging with Offset is
// stable while the underlying data is unchanged.
type Query struct {
	EntityType string
	TenantID   string
	Status     string

	// CreatedFrom is inclusive, CreatedTo exclusive.
	CreatedFrom time.Time
	CreatedTo   time.Time

	SortField  string
	Descending bool

	Limit  int
	Offset int
}

func (q Query) sortField() string {
	if q.SortField == "" {
		return SortCreatedAt
	}
	return q.SortField
}

func (q Query) matches(e model.Entity) bool {
	if q.EntityType != "" && e.Type != q.EntityType {
		return false
	}
	if q.TenantID != "" && e.TenantID != q.TenantID {
		return false
	}
	if q.Status != "" && e.Status != q.Status {
		return false
	}
	if !q.CreatedFrom.IsZero() && e.CreatedAt.Before(q.CreatedFrom) {
		return false
	}
	if !q.CreatedTo.IsZero() && !e.CreatedAt.Before(q.CreatedTo) {
		return false
	}
	return true
}

// newEntries returns the history entries an Update has to append.
func newEntries(e model.Entity, expectedVersion int64) []model.HistoryEntry {
	var out []model.HistoryEntry
	for _, h := range e.History {
		if h.Seq > expectedVersion {
			out = append(out, h)
		}
	}
	return out
}
