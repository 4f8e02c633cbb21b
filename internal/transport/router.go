package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/statusflow/internal/config"
	"github.com/pitabwire/statusflow/internal/idempotency"
	"github.com/pitabwire/statusflow/internal/observability"
	"github.com/pitabwire/statusflow/internal/openapi"
	"github.com/pitabwire/statusflow/internal/projection"
	"github.com/pitabwire/statusflow/internal/workflow"
	"github.com/pitabwire/statusflow/model"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Authenticate func(http.Handler) http.Handler

	Engine     *workflow.Engine
	Projection *projection.Projection
	// Authorizer filters the allowed transitions shown to a caller. Nil
	// shows every legal transition.
	Authorizer model.TransitionAuthorizer

	// Validator checks requests against the API document. Optional.
	Validator *openapi.Validator
	// Idempotency enables Idempotency-Key replay on POST routes. Optional.
	Idempotency idempotency.Store

	Metrics        *observability.Metrics
	MetricsHandler http.Handler
	Readiness      observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	cfg := deps.Config
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	authorizer := deps.Authorizer
	if authorizer == nil {
		authorizer = model.AllowAll
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(observability.TracingMiddleware)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}
	r.Use(CORS(cfg.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	// Public routes bypass authentication.
	r.Get("/v1/health", observability.HandleHealth())
	r.Get("/v1/ready", observability.HandleReady(deps.Readiness))
	if cfg.Observability.Metrics.Enabled {
		h := deps.MetricsHandler
		if h == nil {
			h = observability.Handler()
		}
		r.Method(http.MethodGet, cfg.Observability.Metrics.Path, h)
	}
	if deps.Validator != nil {
		r.Get("/v1/openapi.json", func(w http.ResponseWriter, _ *http.Request) {
			WriteJSON(w, http.StatusOK, deps.Validator.Document())
		})
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContext(cfg.Identity.ClaimPaths))
		r.Use(RequestLogging(logger))
		if deps.Validator != nil {
			r.Use(deps.Validator.Middleware(WriteError))
		}

		// Streams are long-lived and must not inherit the handler timeout.
		r.Get("/v1/entities/{entityType}/{entityId}/stream",
			handleStream(deps.Engine, newUpgrader(cfg.Server.CORS), logger))

		r.Group(func(r chi.Router) {
			r.Use(HandlerTimeout(cfg.Server.HandlerTimeout))
			if cfg.Idempotency.Enabled && deps.Idempotency != nil {
				var rec idempotency.Recorder
				if deps.Metrics != nil {
					rec = deps.Metrics
				}
				r.Use(idempotency.Middleware(deps.Idempotency, cfg.Idempotency.Store.DefaultTTL, rec, WriteError, logger))
			}

			r.Get("/v1/definitions", handleListDefinitions(deps.Engine.Registry()))
			r.Get("/v1/entities/{entityType}", handleListEntities(deps.Projection, cfg.Projection))
			r.Post("/v1/entities/{entityType}", handleCreateEntity(deps.Engine))
			r.Get("/v1/entities/{entityType}/counts", handleCountEntities(deps.Projection))
			r.Get("/v1/entities/{entityType}/{entityId}", handleGetEntity(deps.Engine))
			r.Get("/v1/entities/{entityType}/{entityId}/transitions", handleAllowedTransitions(deps.Engine, authorizer))
			r.Post("/v1/entities/{entityType}/{entityId}/transitions", handleApplyTransition(deps.Engine))
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteNotFound(w, r, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: errorBody{
			ErrorEnvelope: &model.ErrorEnvelope{Code: "METHOD_NOT_ALLOWED", Message: "method not allowed"},
		}})
	})

	return r
}
