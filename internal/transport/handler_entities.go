package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/statusflow/internal/config"
	"github.com/pitabwire/statusflow/internal/observability"
	"github.com/pitabwire/statusflow/internal/projection"
	"github.com/pitabwire/statusflow/internal/workflow"
	"github.com/pitabwire/statusflow/model"
)

type listMeta struct {
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

type listResponse struct {
	Data []model.Entity `json:"data"`
	Meta listMeta       `json:"meta"`
}

func handleCreateEntity(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, r, model.NewUnauthorizedError("missing request context"))
			return
		}
		entityType := chi.URLParam(r, "entityType")
		if !engine.Registry().IsRegistered(entityType) {
			WriteNotFound(w, r, fmt.Sprintf("entity type %q is not registered", entityType))
			return
		}

		var body struct {
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, r, model.NewBadRequestError("invalid JSON body"))
			return
		}
		payload, err := decodeCreatePayload(entityType, body.Payload)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		logPayload(r, entityType, body.Payload)

		ent, err := engine.CreateEntity(r.Context(), model.CreateRequest{
			EntityType: entityType,
			TenantID:   rctx.TenantID,
			ActorID:    rctx.SubjectID,
			Payload:    payload,
		})
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, ent)
	}
}

func handleListEntities(proj *projection.Projection, cfg config.ProjectionConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, r, model.NewUnauthorizedError("missing request context"))
			return
		}
		entityType := chi.URLParam(r, "entityType")
		q := r.URL.Query()

		filter := projection.Filter{
			Status:   q.Get("status"),
			TenantID: rctx.TenantID,
		}
		var err error
		if filter.CreatedFrom, err = queryTime(r, "from"); err != nil {
			WriteError(w, r, err)
			return
		}
		if filter.CreatedTo, err = queryTime(r, "to"); err != nil {
			WriteError(w, r, err)
			return
		}

		limit := queryInt(r, "limit", cfg.DefaultLimit)
		if limit < 1 {
			limit = cfg.DefaultLimit
		}
		if cfg.MaxLimit > 0 && limit > cfg.MaxLimit {
			limit = cfg.MaxLimit
		}
		offset := queryInt(r, "offset", 0)
		if offset < 0 {
			offset = 0
		}

		seq := proj.List(r.Context(), entityType, filter, projection.Sort{
			Field:     q.Get("sort"),
			Direction: q.Get("dir"),
		})

		resp := listResponse{Data: []model.Entity{}, Meta: listMeta{Limit: limit, Offset: offset}}
		skipped := 0
		for ent, err := range seq {
			if err != nil {
				WriteError(w, r, err)
				return
			}
			if skipped < offset {
				skipped++
				continue
			}
			if len(resp.Data) == limit {
				resp.Meta.HasMore = true
				break
			}
			resp.Data = append(resp.Data, ent)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func handleCountEntities(proj *projection.Projection) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, r, model.NewUnauthorizedError("missing request context"))
			return
		}
		counts, err := proj.Counts(r.Context(), chi.URLParam(r, "entityType"), rctx.TenantID)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": counts})
	}
}

func handleGetEntity(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ent, ok := loadOwnedEntity(w, r, engine)
		if !ok {
			return
		}
		WriteJSON(w, http.StatusOK, ent)
	}
}

func handleAllowedTransitions(engine *workflow.Engine, authorizer model.TransitionAuthorizer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ent, ok := loadOwnedEntity(w, r, engine)
		if !ok {
			return
		}
		rctx := model.MustRequestContext(r.Context())

		allowed := []string{}
		for _, to := range engine.Registry().NextStatuses(ent.Type, ent.Status) {
			permitted, err := authorizer.CanTransition(r.Context(), rctx.SubjectID, ent.Type, ent.Status, to)
			if err != nil {
				WriteError(w, r, model.NewTransientError("authorization check failed", err))
				return
			}
			if permitted {
				allowed = append(allowed, to)
			}
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"data": map[string]any{
				"status":  ent.Status,
				"version": ent.Version,
				"allowed": allowed,
			},
		})
	}
}

func handleApplyTransition(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ent, ok := loadOwnedEntity(w, r, engine)
		if !ok {
			return
		}
		rctx := model.MustRequestContext(r.Context())

		var body struct {
			FromStatus string `json:"from_status"`
			ToStatus   string `json:"to_status"`
			Note       string `json:"note"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, r, model.NewBadRequestError("invalid JSON body"))
			return
		}
		if body.ToStatus == "" {
			WriteError(w, r, model.NewValidationError([]model.FieldError{
				{Field: "to_status", Code: "REQUIRED", Message: "to_status is required"},
			}))
			return
		}

		next, err := engine.ApplyTransition(r.Context(), model.TransitionRequest{
			EntityID:   ent.ID,
			FromStatus: body.FromStatus,
			ToStatus:   body.ToStatus,
			ActorID:    rctx.SubjectID,
			Note:       body.Note,
		})
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, next)
	}
}

// loadOwnedEntity loads the entity named by the route and checks that it
// has the route's type and belongs to the caller's tenant. Entities of
// other tenants are reported as not found. On failure the error response
// has been written.
func loadOwnedEntity(w http.ResponseWriter, r *http.Request, engine *workflow.Engine) (model.Entity, bool) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil {
		WriteError(w, r, model.NewUnauthorizedError("missing request context"))
		return model.Entity{}, false
	}
	entityType := chi.URLParam(r, "entityType")
	entityID := chi.URLParam(r, "entityId")

	ent, err := engine.Get(r.Context(), entityID)
	if err != nil {
		WriteError(w, r, err)
		return model.Entity{}, false
	}
	if ent.Type != entityType || ent.TenantID != rctx.TenantID {
		WriteNotFound(w, r, fmt.Sprintf("%s %q not found", entityType, entityID))
		return model.Entity{}, false
	}
	return ent, true
}

// decodeCreatePayload decodes the request payload into the variant for
// entityType. Types without a dedicated variant take the object as
// generic fields.
func decodeCreatePayload(entityType string, raw json.RawMessage) (model.Payload, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	switch entityType {
	case model.KindPrescription, model.KindOrder, model.KindReturn,
		model.KindPurchaseOrder, model.KindPayment:
		p, err := model.DecodePayload(entityType, raw)
		if err != nil {
			return nil, model.NewBadRequestError("payload does not match " + entityType)
		}
		return p, nil
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, model.NewBadRequestError("payload must be an object")
	}
	return model.GenericPayload{Type: entityType, Fields: fields}, nil
}

func logPayload(r *http.Request, entityType string, raw json.RawMessage) {
	logger := observability.LoggerFrom(r.Context(), zap.NewNop())
	if !logger.Core().Enabled(zap.DebugLevel) {
		return
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return
	}
	logger.Debug("create entity",
		zap.String("entity_type", entityType),
		zap.Any("payload", observability.RedactFields(fields)),
	)
}

// queryInt extracts an integer query param with a default.
func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

// queryTime parses an RFC 3339 query param. A missing param is the zero
// time.
func queryTime(r *http.Request, key string) (time.Time, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, model.NewValidationError([]model.FieldError{
			{Field: key, Code: "INVALID_FORMAT", Message: key + " must be an RFC 3339 timestamp"},
		})
	}
	return t, nil
}
