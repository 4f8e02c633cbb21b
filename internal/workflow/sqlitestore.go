package workflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/pitabwire/statusflow/model"
)

// sqliteTimeFormat is fixed width so that TEXT ordering matches time order.
const sqliteTimeFormat = "2006-01-02T15:04:05.000000000Z"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS entities (
	id          TEXT PRIMARY KEY,
	entity_type TEXT NOT NULL,
	tenant_id   TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	version     INTEGER NOT NULL,
	payload     BLOB,
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS entities_type_tenant_status_idx
	ON entities (entity_type, tenant_id, status, created_at);
CREATE TABLE IF NOT EXISTS entity_history (
	entity_id   TEXT NOT NULL REFERENCES entities (id) ON DELETE CASCADE,
	seq         INTEGER NOT NULL,
	status      TEXT NOT NULL,
	actor_id    TEXT NOT NULL,
	note        TEXT NOT NULL DEFAULT '',
	recorded_at TEXT NOT NULL,
	PRIMARY KEY (entity_id, seq)
);`

// SQLiteEntityStore is an EntityStore on an embedded SQLite database, for
// single-node deployments.
type SQLiteEntityStore struct {
	db *sql.DB
}

// OpenSQLiteEntityStore opens (creating if needed) the database at path and
// applies the schema. Use ":memory:" for a throwaway database.
func OpenSQLiteEntityStore(path string) (*SQLiteEntityStore, error) {
	if path == "" {
		path = "statusflow.db"
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps ":memory:"
	// databases alive across calls.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteEntityStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteEntityStore) Close() error {
	return s.db.Close()
}

// HealthCheck pings the database.
func (s *SQLiteEntityStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Create inserts the entity and its history in one transaction.
func (s *SQLiteEntityStore) Create(ctx context.Context, e model.Entity) error {
	payload, err := model.MarshalPayload(e.Payload)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO entities (id, entity_type, tenant_id, status, version, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Type, e.TenantID, e.Status, e.Version, payload,
		formatSQLiteTime(e.CreatedAt), formatSQLiteTime(e.UpdatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return model.NewConflictError(fmt.Sprintf("entity %q already exists", e.ID))
		}
		return fmt.Errorf("insert entity: %w", err)
	}
	if err := sqliteInsertHistory(ctx, tx, e.ID, e.History); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create: %w", err)
	}
	return nil
}

// Get retrieves an entity and its history.
func (s *SQLiteEntityStore) Get(ctx context.Context, id string) (model.Entity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, entity_type, tenant_id, status, version, payload, created_at, updated_at
		FROM entities WHERE id = ?`, id)
	e, err := scanSQLiteEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
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

// Update applies the compare-and-swap and appends new history rows.
func (s *SQLiteEntityStore) Update(ctx context.Context, e model.Entity, expectedVersion int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE entities SET status = ?, version = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		e.Status, e.Version, formatSQLiteTime(e.UpdatedAt), e.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update entity: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update entity: %w", err)
	}
	if n == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM entities WHERE id = ?`, e.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check entity: %w", err)
		}
		if exists == 0 {
			return model.NewNotFoundError(fmt.Sprintf("entity %q not found", e.ID))
		}
		return model.NewConflictError(
			fmt.Sprintf("entity %q version conflict (expected %d)", e.ID, expectedVersion),
		)
	}

	if err := sqliteInsertHistory(ctx, tx, e.ID, newEntries(e, expectedVersion)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update: %w", err)
	}
	return nil
}

// Query returns one page of matching entities with their history.
func (s *SQLiteEntityStore) Query(ctx context.Context, q Query) ([]model.Entity, error) {
	col, ok := pgSortColumns[q.sortField()]
	if !ok {
		return nil, model.NewBadRequestError(fmt.Sprintf("unsupported sort field %q", q.SortField))
	}

	var (
		where []string
		args  []any
	)
	if q.EntityType != "" {
		where = append(where, "entity_type = ?")
		args = append(args, q.EntityType)
	}
	if q.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, q.TenantID)
	}
	if q.Status != "" {
		where = append(where, "status = ?")
		args = append(args, q.Status)
	}
	if !q.CreatedFrom.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, formatSQLiteTime(q.CreatedFrom))
	}
	if !q.CreatedTo.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, formatSQLiteTime(q.CreatedTo))
	}

	query := `SELECT id, entity_type, tenant_id, status, version, payload, created_at, updated_at FROM entities`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	dir := "ASC"
	if q.Descending {
		dir = "DESC"
	}
	query += fmt.Sprintf(" ORDER BY %s %s, id %s", col, dir, dir)
	if q.Limit > 0 || q.Offset > 0 {
		limit := q.Limit
		if limit <= 0 {
			limit = -1
		}
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, q.Offset)
	}

	result, err := s.queryEntities(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return result, nil
	}

	ids := make([]string, len(result))
	for i, e := range result {
		ids[i] = e.ID
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

// queryEntities drains the rows before returning so the single connection
// is free for the history query.
func (s *SQLiteEntityStore) queryEntities(ctx context.Context, query string, args ...any) ([]model.Entity, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query entities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []model.Entity
	for rows.Next() {
		e, err := scanSQLiteEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// CountByStatus counts entities of entityType grouped by status.
func (s *SQLiteEntityStore) CountByStatus(ctx context.Context, entityType, tenantID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM entities
		WHERE entity_type = ? AND (? = '' OR tenant_id = ?)
		GROUP BY status`,
		entityType, tenantID, tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("count entities: %w", err)
	}
	defer func() { _ = rows.Close() }()

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

func (s *SQLiteEntityStore) loadHistory(ctx context.Context, ids []string) (map[string][]model.HistoryEntry, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_id, seq, status, actor_id, note, recorded_at
		FROM entity_history
		WHERE entity_id IN (`+placeholders+`)
		ORDER BY entity_id, seq`, args...)
	if err != nil {
		return nil, fmt.Errorf("query entity history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string][]model.HistoryEntry, len(ids))
	for rows.Next() {
		var (
			id, ts string
			h      model.HistoryEntry
		)
		if err := rows.Scan(&id, &h.Seq, &h.Status, &h.ActorID, &h.Note, &ts); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		if h.Timestamp, err = parseSQLiteTime(ts); err != nil {
			return nil, err
		}
		out[id] = append(out[id], h)
	}
	return out, rows.Err()
}

func sqliteInsertHistory(ctx context.Context, tx *sql.Tx, entityID string, entries []model.HistoryEntry) error {
	for _, h := range entries {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO entity_history (entity_id, seq, status, actor_id, note, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			entityID, h.Seq, h.Status, h.ActorID, h.Note, formatSQLiteTime(h.Timestamp),
		)
		if err != nil {
			return fmt.Errorf("insert history entry %d: %w", h.Seq, err)
		}
	}
	return nil
}

type sqliteScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteEntity(row sqliteScanner) (model.Entity, error) {
	var (
		e                    model.Entity
		payload              []byte
		createdAt, updatedAt string
	)
	if err := row.Scan(&e.ID, &e.Type, &e.TenantID, &e.Status, &e.Version, &payload, &createdAt, &updatedAt); err != nil {
		return model.Entity{}, err
	}
	var err error
	if e.Payload, err = model.UnmarshalPayload(payload); err != nil {
		return model.Entity{}, err
	}
	if e.CreatedAt, err = parseSQLiteTime(createdAt); err != nil {
		return model.Entity{}, err
	}
	if e.UpdatedAt, err = parseSQLiteTime(updatedAt); err != nil {
		return model.Entity{}, err
	}
	return e, nil
}

func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeFormat)
}

func parseSQLiteTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}
