package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/statusflow/model"
)

// Header names read and written by Middleware.
const (
	HeaderKey      = "Idempotency-Key"
	HeaderReplayed = "Idempotency-Replayed"
)

const maxKeyLength = 255

// maxReservation bounds how long a crashed request can hold its key.
const maxReservation = 2 * time.Minute

// Recorder observes replayed responses.
type Recorder interface {
	RecordIdempotentReplay(operation string)
}

// ErrorWriter renders an error response. The transport package supplies it
// so replays and live responses share one error format.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

// Middleware replays the stored response for a POST carrying an
// Idempotency-Key that was seen before with the same body. Keys are scoped
// to the caller's tenant and the request path. Responses with a 5xx status
// are not stored, so the client may retry them. A duplicate that arrives
// while the first request is still running gets CONFLICT.
func Middleware(store Store, ttl time.Duration, rec Recorder, writeError ErrorWriter, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(HeaderKey)
			if r.Method != http.MethodPost || key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > maxKeyLength {
				writeError(w, r, model.NewBadRequestError("Idempotency-Key is too long"))
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				writeError(w, r, model.NewBadRequestError("Failed to read request body"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			tenant := ""
			if rctx := model.RequestContextFrom(r.Context()); rctx != nil {
				tenant = rctx.TenantID
			}
			storeKey := FormatKey(tenant+":"+r.URL.Path, key)
			hash := HashInput(r.Method, r.URL.Path, string(body))

			cached, found, err := store.Check(r.Context(), storeKey, hash)
			if err != nil {
				writeError(w, r, storeError(err))
				return
			}
			if found {
				replay(w, r, cached, rec)
				return
			}

			// Step 1: Hold the key while the handler runs.
			reserved, err := store.Reserve(r.Context(), storeKey, hash, min(ttl, maxReservation))
			if err != nil {
				writeError(w, r, storeError(err))
				return
			}
			if !reserved {
				// Another request took the key between Check and Reserve.
				cached, found, err = store.Check(r.Context(), storeKey, hash)
				switch {
				case err != nil:
					writeError(w, r, storeError(err))
				case found:
					replay(w, r, cached, rec)
				default:
					writeError(w, r, inFlightError(storeKey))
				}
				return
			}

			// Step 2: Run the handler; an unstored response frees the key.
			stored := false
			defer func() {
				if stored {
					return
				}
				if err := store.Release(context.WithoutCancel(r.Context()), storeKey, hash); err != nil {
					logger.Warn("idempotency reservation not released",
						zap.String("key", storeKey),
						zap.Error(err),
					)
				}
			}()

			cw := &captureWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(cw, r)

			if cw.status >= http.StatusInternalServerError || !json.Valid(cw.body.Bytes()) {
				return
			}

			// Step 3: Store the response over the reservation.
			saved := Record{StatusCode: cw.status, Body: append(json.RawMessage(nil), cw.body.Bytes()...)}
			if err := store.Save(context.WithoutCancel(r.Context()), storeKey, hash, saved, ttl); err != nil {
				logger.Warn("idempotency record not saved",
					zap.String("key", storeKey),
					zap.Error(err),
				)
				return
			}
			stored = true
		})
	}
}

func storeError(err error) error {
	if model.ErrorCode(err) == "" {
		return model.NewTransientError("idempotency store unavailable", err)
	}
	return err
}

func replay(w http.ResponseWriter, r *http.Request, cached *Record, rec Recorder) {
	if rec != nil {
		rec.RecordIdempotentReplay(operation(r))
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set(HeaderReplayed, "true")
	w.WriteHeader(cached.StatusCode)
	_, _ = w.Write(cached.Body)
}

func operation(r *http.Request) string {
	if strings.HasSuffix(r.URL.Path, "/transitions") {
		return "transition"
	}
	return "create"
}

// captureWriter tees the response body so it can be stored after the
// handler returns.
type captureWriter struct {
	http.ResponseWriter
	status  int
	body    bytes.Buffer
	written bool
}

func (c *captureWriter) WriteHeader(code int) {
	if !c.written {
		c.status = code
		c.written = true
	}
	c.ResponseWriter.WriteHeader(code)
}

func (c *captureWriter) Write(b []byte) (int, error) {
	c.written = true
	c.body.Write(b)
	return c.ResponseWriter.Write(b)
}
