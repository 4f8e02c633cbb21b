// Package transport contains the HTTP router, middleware chain, and request
// handlers of the statusflow API.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/pitabwire/statusflow/internal/observability"
	"github.com/pitabwire/statusflow/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:        http.StatusBadRequest,
	model.ErrUnauthorized:      http.StatusUnauthorized,
	model.ErrForbidden:         http.StatusForbidden,
	model.ErrNotFound:          http.StatusNotFound,
	model.ErrConflict:          http.StatusConflict,
	model.ErrInvalidTransition: http.StatusConflict,
	model.ErrValidationError:   http.StatusUnprocessableEntity,
	model.ErrTransient:         http.StatusServiceUnavailable,
	model.ErrConfiguration:     http.StatusInternalServerError,
	model.ErrInternalError:     http.StatusInternalServerError,
}

// hintForCode is the user-facing advice attached to error bodies.
var hintForCode = map[string]string{
	model.ErrConflict:          "The record changed while you were working on it. Refresh and try again.",
	model.ErrInvalidTransition: "This status change is not allowed from the current status. Refresh to see the latest status.",
	model.ErrForbidden:         "You do not have permission to perform this action.",
	model.ErrTransient:         "The service is temporarily unavailable. Please retry shortly.",
	model.ErrUnauthorized:      "Sign in again to continue.",
}

// retryAfterSeconds is sent with 503 responses.
const retryAfterSeconds = "2"

type errorBody struct {
	*model.ErrorEnvelope
	Hint string `json:"hint,omitempty"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes err as a JSON error response. Errors that carry no
// ErrorEnvelope become a generic 500 so infrastructure detail never reaches
// the client. The request's trace ID is attached when present.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	var env *model.ErrorEnvelope
	if !errors.As(err, &env) {
		env = model.NewInternalError()
	}

	out := *env
	out.Cause = nil
	if r != nil {
		out.TraceID = observability.TraceIDFromContext(r.Context())
	}

	status := statusForCode[out.Code]
	if status == 0 {
		status = http.StatusInternalServerError
	}
	if status >= http.StatusInternalServerError && r != nil {
		observability.RequestLogger(r.Context(), zap.NewNop()).Error("request failed",
			zap.String("code", out.Code),
			zap.Error(err),
		)
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}

	WriteJSON(w, status, errorResponse{Error: errorBody{ErrorEnvelope: &out, Hint: hintForCode[out.Code]}})
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, r *http.Request, msg string) {
	WriteError(w, r, model.NewNotFoundError(msg))
}
