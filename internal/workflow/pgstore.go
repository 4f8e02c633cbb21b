package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/statusflow/model"
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

const pgSchema = `
CREATE TABLE IF NOT EXISTS entities (
	id          TEXT PRIMARY KEY,
	entity_type TEXT NOT NULL,
	tenant_id   TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	version     BIGINT NOT NULL,
	payload     JSONB,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS entities_type_tenant_status_idx
	ON entities (entity_type, tenant_id, status, created_at);
CREATE TABLE IF NOT EXISTS entity_history (
	entity_id   TEXT NOT NULL REFERENCES entities (id) ON DELETE CASCADE,
	seq         BIGINT NOT NULL,
	status      TEXT NOT NULL,
	actor_id    TEXT NOT NULL,
	note        TEXT NOT NULL DEFAULT '',
	recorded_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (entity_id, seq)
);`

// pgSortColumns maps sort fields to columns. Only these values are ever
// interpolated into SQL.
var pgSortColumns = map[string]string{
	SortCreatedAt: "created_at",
	SortUpdatedAt: "updated_at",
	SortStatus:    "status",
	SortID:        "id",
}

// PgEntityStore is a PostgreSQL-backed EntityStore using pgx/v5.
type PgEntityStore struct {
	pool *pgxpool.Pool
}

// NewPgEntityStore creates a new PostgreSQL entity store.
func NewPgEntityStore(pool *pgxpool.Pool) *PgEntityStore {
	return &PgEntityStore{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (s *PgEntityStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, pgSchema); err != nil {
		return fmt.Errorf("migrate entity schema: %w", err)
	}
	return nil
}

// HealthCheck pings the database.
func (s *PgEntityStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Create inserts the entity row and its history in one transaction.
func (s *PgEntityStore) Create(ctx context.Context, e model.Entity) error {
	payload, err := model.MarshalPayload(e.Payload)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx, `
		INSERT INTO entities (
			id, entity_type, tenant_id, status, version, payload, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.Type, e.TenantID, e.Status, e.Version, payload, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return model.NewConflictError(fmt.Sprintf("entity %q already exists", e.ID))
		}
		return fmt.Errorf("insert entity: %w", err)
	}

	if err := insertHistory(ctx, tx, e.ID, e.History); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit create: %w", err)
	}
	return nil
}

// Get retrieves an entity and its history.
func (s *PgEntityStore) Get(ctx context.Context, id string) (model.Entity, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, entity_type, tenant_id, status, version, payload, created_at, updated_at
		FROM entities
		WHERE id = $1`,
		id,
	)
	e, err := scanEntity(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Entity{}, model.NewNotFoundError(fmt.Sprintf("entity %q not found", id))
	}
	if err != nil {
		return model.Entity{}, fmt.Errorf("query entity: %w", err)
	}

	history, err := s.loadHistory(ctx, []string{id})
	if err != nil {
		return model.Entity{}, err
	}
	e.History = history[id]
	return e, nil
}

// Update applies the compare-and-swap and appends new history rows in one
// transaction.
func (s *PgEntityStore) Update(ctx context.Context, e model.Entity, expectedVersion int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, `
		UPDATE entities SET
			status = $1,
			version = $2,
			updated_at = $3
		WHERE id = $4 AND version = $5`,
		e.Status, e.Version, e.UpdatedAt, e.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update entity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM entities WHERE id = $1)`, e.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check entity: %w", err)
		}
		if !exists {
			return model.NewNotFoundError(fmt.Sprintf("entity %q not found", e.ID))
		}
		return model.NewConflictError(
			fmt.Sprintf("entity %q version conflict (expected %d)", e.ID, expectedVersion),
		)
	}

	if err := insertHistory(ctx, tx, e.ID, newEntries(e, expectedVersion)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit update: %w", err)
	}
	return nil
}

// Query returns one page of matching entities with their history.
func (s *PgEntityStore) Query(ctx context.Context, q Query) ([]model.Entity, error) {
	col, ok := pgSortColumns[q.sortField()]
	if !ok {
		return nil, model.NewBadRequestError(fmt.Sprintf("unsupported sort field %q", q.SortField))
	}

	query := `SELECT id, entity_type, tenant_id, status, version, payload, created_at, updated_at
	          FROM entities
	          WHERE TRUE`
	var args []any
	argIdx := 1
	addFilter := func(clause string, v any) {
		query += fmt.Sprintf(" AND "+clause, argIdx)
		args = append(args, v)
		argIdx++
	}

	if q.EntityType != "" {
		addFilter("entity_type = $%d", q.EntityType)
	}
	if q.TenantID != "" {
		addFilter("tenant_id = $%d", q.TenantID)
	}
	if q.Status != "" {
		addFilter("status = $%d", q.Status)
	}
	if !q.CreatedFrom.IsZero() {
		addFilter("created_at >= $%d", q.CreatedFrom)
	}
	if !q.CreatedTo.IsZero() {
		addFilter("created_at < $%d", q.CreatedTo)
	}

	dir := "ASC"
	if q.Descending {
		dir = "DESC"
	}
	query += fmt.Sprintf(" ORDER BY %s %s, id %s", col, dir, dir)

	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, q.Limit)
		argIdx++
	}
	if q.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, q.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query entities: %w", err)
	}
	defer rows.Close()

	var (
		result []model.Entity
		ids    []string
	)
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		result = append(result, e)
		ids = append(ids, e.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entities: %w", err)
	}
	if len(ids) == 0 {
		return result, nil
	}

	history, err := s.loadHistory(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range result {
		result[i].History = history[result[i].ID]
	}
	return result, nil
}

// CountByStatus counts entities of entityType grouped by status.
func (s *PgEntityStore) CountByStatus(ctx context.Context, entityType, tenantID string) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*)
		FROM entities
		WHERE entity_type = $1 AND ($2 = '' OR tenant_id = $2)
		GROUP BY status`,
		entityType, tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("count entities: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (s *PgEntityStore) loadHistory(ctx context.Context, ids []string) (map[string][]model.HistoryEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT entity_id, seq, status, actor_id, note, recorded_at
		FROM entity_history
		WHERE entity_id = ANY($1)
		ORDER BY entity_id, seq`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("query entity history: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]model.HistoryEntry, len(ids))
	for rows.Next() {
		var (
			id string
			h  model.HistoryEntry
		)
		if err := rows.Scan(&id, &h.Seq, &h.Status, &h.ActorID, &h.Note, &h.Timestamp); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		out[id] = append(out[id], h)
	}
	return out, rows.Err()
}

func insertHistory(ctx context.Context, tx pgx.Tx, entityID string, entries []model.HistoryEntry) error {
	for _, h := range entries {
		_, err := tx.Exec(ctx, `
			INSERT INTO entity_history (entity_id, seq, status, actor_id, note, recorded_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			entityID, h.Seq, h.Status, h.ActorID, h.Note, h.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("insert history entry %d: %w", h.Seq, err)
		}
	}
	return nil
}

func scanEntity(row pgx.Row) (model.Entity, error) {
	var (
		e         model.Entity
		payload   []byte
		createdAt time.Time
		updatedAt time.Time
	)
	if err := row.Scan(&e.ID, &e.Type, &e.TenantID, &e.Status, &e.Version, &payload, &createdAt, &updatedAt); err != nil {
		return model.Entity{}, err
	}
	p, err := model.UnmarshalPayload(payload)
	if err != nil {
		return model.Entity{}, err
	}
	e.Payload = p
	e.CreatedAt = createdAt.UTC()
	e.UpdatedAt = updatedAt.UTC()
	return e, nil
}
