package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/pitabwire/statusflow/model"
)

// MongoCollection is the default collection name for entities.
const MongoCollection = "statusflow_entities"

// entityDocument is the MongoDB representation of an entity. History is
// embedded so that a transition is a single-document atomic update.
type entityDocument struct {
	ID        string            `bson:"_id"`
	Type      string            `bson:"entity_type"`
	TenantID  string            `bson:"tenant_id"`
	Status    string            `bson:"status"`
	Version   int64             `bson:"version"`
	Payload   []byte            `bson:"payload,omitempty"`
	History   []historyDocument `bson:"history"`
	CreatedAt time.Time         `bson:"created_at"`
	UpdatedAt time.Time         `bson:"updated_at"`
}

type historyDocument struct {
	Seq       int64     `bson:"seq"`
	Status    string    `bson:"status"`
	Timestamp time.Time `bson:"ts"`
	ActorID   string    `bson:"actor_id"`
	Note      string    `bson:"note,omitempty"`
}

func toHistoryDocuments(entries []model.HistoryEntry) []historyDocument {
	out := make([]historyDocument, 0, len(entries))
	for _, h := range entries {
		out = append(out, historyDocument{
			Seq:       h.Seq,
			Status:    h.Status,
			Timestamp: h.Timestamp,
			ActorID:   h.ActorID,
			Note:      h.Note,
		})
	}
	return out
}

func (d entityDocument) toEntity() (model.Entity, error) {
	p, err := model.UnmarshalPayload(d.Payload)
	if err != nil {
		return model.Entity{}, err
	}
	e := model.Entity{
		ID:        d.ID,
		Type:      d.Type,
		TenantID:  d.TenantID,
		Status:    d.Status,
		Version:   d.Version,
		Payload:   p,
		CreatedAt: d.CreatedAt.UTC(),
		UpdatedAt: d.UpdatedAt.UTC(),
	}
	for _, h := range d.History {
		e.History = append(e.History, model.HistoryEntry{
			Seq:       h.Seq,
			Status:    h.Status,
			Timestamp: h.Timestamp.UTC(),
			ActorID:   h.ActorID,
			Note:      h.Note,
		})
	}
	return e, nil
}

// MongoEntityStore is a MongoDB-backed EntityStore.
type MongoEntityStore struct {
	col *mongo.Collection
}

// NewMongoEntityStore creates a store on the given collection.
func NewMongoEntityStore(col *mongo.Collection) *MongoEntityStore {
	return &MongoEntityStore{col: col}
}

// Migrate creates the listing index.
func (s *MongoEntityStore) Migrate(ctx context.Context) error {
	_, err := s.col.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{
			{Key: "entity_type", Value: 1},
			{Key: "tenant_id", Value: 1},
			{Key: "status", Value: 1},
			{Key: "created_at", Value: -1},
		}},
	})
	if err != nil {
		return fmt.Errorf("migrate %s indexes: %w", s.col.Name(), err)
	}
	return nil
}

// HealthCheck pings the deployment.
func (s *MongoEntityStore) HealthCheck(ctx context.Context) error {
	return s.col.Database().Client().Ping(ctx, nil)
}

// Create inserts a new entity document.
func (s *MongoEntityStore) Create(ctx context.Context, e model.Entity) error {
	payload, err := model.MarshalPayload(e.Payload)
	if err != nil {
		return err
	}
	doc := entityDocument{
		ID:        e.ID,
		Type:      e.Type,
		TenantID:  e.TenantID,
		Status:    e.Status,
		Version:   e.Version,
		Payload:   payload,
		History:   toHistoryDocuments(e.History),
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
	}
	if _, err := s.col.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return model.NewConflictError(fmt.Sprintf("entity %q already exists", e.ID))
		}
		return fmt.Errorf("insert entity: %w", err)
	}
	return nil
}

// Get retrieves an entity document by ID.
func (s *MongoEntityStore) Get(ctx context.Context, id string) (model.Entity, error) {
	var doc entityDocument
	err := s.col.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.Entity{}, model.NewNotFoundError(fmt.Sprintf("entity %q not found", id))
	}
	if err != nil {
		return model.Entity{}, fmt.Errorf("find entity: %w", err)
	}
	return doc.toEntity()
}

// Update matches on _id and version, then sets the new status and pushes
// the new history entries in one atomic document update.
func (s *MongoEntityStore) Update(ctx context.Context, e model.Entity, expectedVersion int64) error {
	res, err := s.col.UpdateOne(ctx,
		bson.M{"_id": e.ID, "version": expectedVersion},
		bson.M{
			"$set": bson.M{
				"status":     e.Status,
				"version":    e.Version,
				"updated_at": e.UpdatedAt,
			},
			"$push": bson.M{
				"history": bson.M{"$each": toHistoryDocuments(newEntries(e, expectedVersion))},
			},
		},
	)
	if err != nil {
		return fmt.Errorf("update entity: %w", err)
	}
	if res.MatchedCount > 0 {
		return nil
	}

	count, err := s.col.CountDocuments(ctx, bson.M{"_id": e.ID})
	if err != nil {
		return fmt.Errorf("check entity: %w", err)
	}
	if count == 0 {
		return model.NewNotFoundError(fmt.Sprintf("entity %q not found", e.ID))
	}
	return model.NewConflictError(
		fmt.Sprintf("entity %q version conflict (expected %d)", e.ID, expectedVersion),
	)
}

// Query returns one page of matching entities.
func (s *MongoEntityStore) Query(ctx context.Context, q Query) ([]model.Entity, error) {
	if !ValidSortField(q.sortField()) {
		return nil, model.NewBadRequestError(fmt.Sprintf("unsupported sort field %q", q.SortField))
	}

	filter := bson.M{}
	if q.EntityType != "" {
		filter["entity_type"] = q.EntityType
	}
	if q.TenantID != "" {
		filter["tenant_id"] = q.TenantID
	}
	if q.Status != "" {
		filter["status"] = q.Status
	}
	created := bson.M{}
	if !q.CreatedFrom.IsZero() {
		created["$gte"] = q.CreatedFrom
	}
	if !q.CreatedTo.IsZero() {
		created["$lt"] = q.CreatedTo
	}
	if len(created) > 0 {
		filter["created_at"] = created
	}

	field := q.sortField()
	if field == SortID {
		field = "_id"
	} else if field == SortStatus {
		field = "status"
	}
	dir := 1
	if q.Descending {
		dir = -1
	}
	sortSpec := bson.D{{Key: field, Value: dir}}
	if field != "_id" {
		sortSpec = append(sortSpec, bson.E{Key: "_id", Value: dir})
	}

	findOpts := options.Find().SetSort(sortSpec)
	if q.Limit > 0 {
		findOpts.SetLimit(int64(q.Limit))
	}
	if q.Offset > 0 {
		findOpts.SetSkip(int64(q.Offset))
	}

	cursor, err := s.col.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("find entities: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []entityDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode entities: %w", err)
	}

	out := make([]model.Entity, 0, len(docs))
	for _, d := range docs {
		e, err := d.toEntity()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// CountByStatus groups entities of entityType by status.
func (s *MongoEntityStore) CountByStatus(ctx context.Context, entityType, tenantID string) (map[string]int, error) {
	match := bson.M{"entity_type": entityType}
	if tenantID != "" {
		match["tenant_id"] = tenantID
	}
	cursor, err := s.col.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$match", Value: match}},
		{{Key: "$group", Value: bson.M{"_id": "$status", "n": bson.M{"$sum": 1}}}},
	})
	if err != nil {
		return nil, fmt.Errorf("aggregate counts: %w", err)
	}
	defer cursor.Close(ctx)

	var rows []struct {
		Status string `bson:"_id"`
		N      int    `bson:"n"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("decode counts: %w", err)
	}
	counts := make(map[string]int, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return counts, nil
}
