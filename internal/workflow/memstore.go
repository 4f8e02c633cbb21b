package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/pitabwire/statusflow/model"
)

// MemoryEntityStore is an in-memory EntityStore for tests and single-node
// deployments without durability requirements.
type MemoryEntityStore struct {
	mu       sync.RWMutex
	entities map[string]model.Entity
}

// NewMemoryEntityStore creates an empty in-memory store.
func NewMemoryEntityStore() *MemoryEntityStore {
	return &MemoryEntityStore{
		entities: make(map[string]model.Entity),
	}
}

// Create persists a new entity.
func (s *MemoryEntityStore) Create(_ context.Context, e model.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entities[e.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("entity %q already exists", e.ID))
	}
	s.entities[e.ID] = e.Clone()
	return nil
}

// Get retrieves an entity by ID.
func (s *MemoryEntityStore) Get(_ context.Context, id string) (model.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, exists := s.entities[id]
	if !exists {
		return model.Entity{}, model.NewNotFoundError(fmt.Sprintf("entity %q not found", id))
	}
	return e.Clone(), nil
}

// Update stores e if the stored version equals expectedVersion.
func (s *MemoryEntityStore) Update(_ context.Context, e model.Entity, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.entities[e.ID]
	if !exists {
		return model.NewNotFoundError(fmt.Sprintf("entity %q not found", e.ID))
	}
	if existing.Version != expectedVersion {
		return model.NewConflictError(
			fmt.Sprintf("entity %q version conflict (expected %d, got %d)", e.ID, expectedVersion, existing.Version),
		)
	}

	updated := existing.Clone()
	updated.Status = e.Status
	updated.Version = e.Version
	updated.UpdatedAt = e.UpdatedAt
	updated.History = append(updated.History, newEntries(e, expectedVersion)...)
	s.entities[e.ID] = updated
	return nil
}

// Query returns one page of matching entities.
func (s *MemoryEntityStore) Query(_ context.Context, q Query) ([]model.Entity, error) {
	s.mu.RLock()
	var result []model.Entity
	for _, e := range s.entities {
		if q.matches(e) {
			result = append(result, e.Clone())
		}
	}
	s.mu.RUnlock()

	sortEntities(result, q.sortField(), q.Descending)

	if q.Offset > 0 {
		if q.Offset >= len(result) {
			return []model.Entity{}, nil
		}
		result = result[q.Offset:]
	}
	if q.Limit > 0 && q.Limit < len(result) {
		result = result[:q.Limit]
	}
	return result, nil
}

// CountByStatus counts entities of entityType per status.
func (s *MemoryEntityStore) CountByStatus(_ context.Context, entityType, tenantID string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int)
	for _, e := range s.entities {
		if e.Type != entityType {
			continue
		}
		if tenantID != "" && e.TenantID != tenantID {
			continue
		}
		counts[e.Status]++
	}
	return counts, nil
}

// HealthCheck always succeeds.
func (s *MemoryEntityStore) HealthCheck(context.Context) error {
	return nil
}

// Len returns the number of stored entities. For testing.
func (s *MemoryEntityStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entities)
}

func sortEntities(es []model.Entity, field string, desc bool) {
	sort.Slice(es, func(i, j int) bool {
		c := compareEntities(es[i], es[j], field)
		if c == 0 {
			c = strings.Compare(es[i].ID, es[j].ID)
		}
		if desc {
			return c > 0
		}
		return c < 0
	})
}

func compareEntities(a, b model.Entity, field string) int {
	switch field {
	case SortUpdatedAt:
		return a.UpdatedAt.Compare(b.UpdatedAt)
	case SortStatus:
		return strings.Compare(a.Status, b.Status)
	case SortID:
		return strings.Compare(a.ID, b.ID)
	default:
		return a.CreatedAt.Compare(b.CreatedAt)
	}
}
