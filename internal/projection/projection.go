// Package projection provides read-only views over entities for dashboards:
// lazily paged, filtered and sorted listings and per-status counts.
package projection

import (
	"context"
	"fmt"
	"iter"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/pitabwire/statusflow/internal/definition"
	"github.com/pitabwire/statusflow/internal/observability"
	"github.com/pitabwire/statusflow/internal/workflow"
	"github.com/pitabwire/statusflow/model"
)

// DefaultPageSize is used when NewProjection gets a non-positive page size.
const DefaultPageSize = 100

// Sort directions.
const (
	Asc  = "asc"
	Desc = "desc"
)

// Filter narrows a listing. Zero values match everything. The created range
// is half-open: CreatedFrom inclusive, CreatedTo exclusive.
type Filter struct {
	Status      string
	TenantID    string
	CreatedFrom time.Time
	CreatedTo   time.Time
}

// Sort orders a listing. The zero value is created_at descending.
type Sort struct {
	Field     string
	Direction string
}

func (s Sort) resolve() (field string, desc bool, err error) {
	field = s.Field
	if field == "" {
		field = workflow.SortCreatedAt
	}
	if !workflow.ValidSortField(field) {
		return "", false, model.NewBadRequestError(fmt.Sprintf("unsupported sort field %q", s.Field))
	}
	switch s.Direction {
	case "", Desc:
		return field, true, nil
	case Asc:
		return field, false, nil
	default:
		return "", false, model.NewBadRequestError(fmt.Sprintf("unsupported sort direction %q", s.Direction))
	}
}

// Projection reads entities from the store. It never writes.
type Projection struct {
	registry *definition.Registry
	store    workflow.EntityStore
	pageSize int
}

// NewProjection creates a projection.
func NewProjection(registry *definition.Registry, store workflow.EntityStore, pageSize int) *Projection {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Projection{registry: registry, store: store, pageSize: pageSize}
}

// List returns the entities of entityType matching filter, in sort order.
// The sequence pages through the store lazily as it is consumed. It is not
// a snapshot: writes during iteration may be seen or missed, and iterating
// twice can give different results. An unknown type or invalid sort yields
// a single error.
func (p *Projection) List(ctx context.Context, entityType string, filter Filter, sort Sort) iter.Seq2[model.Entity, error] {
	return func(yield func(model.Entity, error) bool) {
		if !p.registry.IsRegistered(entityType) {
			yield(model.Entity{}, model.NewNotFoundError(
				fmt.Sprintf("entity type %q is not registered", entityType),
			))
			return
		}
		field, desc, err := sort.resolve()
		if err != nil {
			yield(model.Entity{}, err)
			return
		}

		q := workflow.Query{
			EntityType:  entityType,
			TenantID:    filter.TenantID,
			Status:      filter.Status,
			CreatedFrom: filter.CreatedFrom,
			CreatedTo:   filter.CreatedTo,
			SortField:   field,
			Descending:  desc,
			Limit:       p.pageSize,
		}
		for {
			page, err := p.page(ctx, q)
			if err != nil {
				yield(model.Entity{}, err)
				return
			}
			for _, e := range page {
				if !yield(e, nil) {
					return
				}
			}
			if len(page) < p.pageSize {
				return
			}
			q.Offset += len(page)
		}
	}
}

func (p *Projection) page(ctx context.Context, q workflow.Query) (_ []model.Entity, err error) {
	ctx, span := observability.StartSpan(ctx, "projection.page",
		attribute.String("statusflow.entity_type", q.EntityType),
		attribute.Int("statusflow.offset", q.Offset),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	if err := ctx.Err(); err != nil {
		return nil, model.NewTransientError("list entities", err)
	}
	page, err := p.store.Query(ctx, q)
	if err != nil {
		if model.ErrorCode(err) != "" {
			return nil, err
		}
		return nil, model.NewTransientError("list entities", err)
	}
	return page, nil
}

// Counts returns the number of entities of entityType per status. Every
// status the registry declares for the type is present, zero if unused. An
// empty tenantID counts across tenants.
func (p *Projection) Counts(ctx context.Context, entityType, tenantID string) (_ map[string]int, err error) {
	ctx, span := observability.StartSpan(ctx, "projection.counts",
		attribute.String("statusflow.entity_type", entityType),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	if !p.registry.IsRegistered(entityType) {
		return nil, model.NewNotFoundError(fmt.Sprintf("entity type %q is not registered", entityType))
	}
	raw, err := p.store.CountByStatus(ctx, entityType, tenantID)
	if err != nil {
		if model.ErrorCode(err) != "" {
			return nil, err
		}
		return nil, model.NewTransientError("count entities", err)
	}

	statuses := p.registry.Statuses(entityType)
	counts := make(map[string]int, len(statuses))
	for _, s := range statuses {
		counts[s] = raw[s]
	}
	return counts, nil
}

// Collect drains seq into a slice, stopping after limit entities when limit
// is positive. It returns the first error the sequence yields.
func Collect(seq iter.Seq2[model.Entity, error], limit int) ([]model.Entity, error) {
	var out []model.Entity
	for e, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
