// Package openapi holds the embedded OpenAPI document of the HTTP API and
// validates incoming requests against it.
package openapi

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"

	"github.com/pitabwire/statusflow/model"
)

//go:embed statusflow.yaml
var document []byte

// Operation is one indexed operation of the document.
type Operation struct {
	OperationID  string
	Method       string
	PathTemplate string
}

// Validator checks requests against the embedded document.
type Validator struct {
	doc        *openapi3.T
	router     routers.Router
	operations map[string]Operation
}

// Load parses and validates the embedded document.
func Load(ctx context.Context) (*Validator, error) {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	doc, err := loader.LoadFromData(document)
	if err != nil {
		return nil, fmt.Errorf("openapi: loading document: %w", err)
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, fmt.Errorf("openapi: validating document: %w", err)
	}
	router, err := gorillamux.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("openapi: building router: %w", err)
	}

	v := &Validator{doc: doc, router: router, operations: make(map[string]Operation)}
	for path, item := range doc.Paths.Map() {
		for method, op := range item.Operations() {
			if op.OperationID == "" {
				continue
			}
			v.operations[op.OperationID] = Operation{
				OperationID:  op.OperationID,
				Method:       method,
				PathTemplate: path,
			}
		}
	}
	return v, nil
}

// Document returns the parsed document.
func (v *Validator) Document() *openapi3.T { return v.doc }

// Operation returns the indexed operation with the given ID.
func (v *Validator) Operation(operationID string) (Operation, bool) {
	op, ok := v.operations[operationID]
	return op, ok
}

// OperationIDs returns every operation ID, sorted.
func (v *Validator) OperationIDs() []string {
	ids := make([]string, 0, len(v.operations))
	for id := range v.operations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ValidateRequest checks the parameters and body of r. Requests for paths
// the document does not describe pass unchecked so the router can answer
// them. The returned error is a BAD_REQUEST envelope with one detail per
// violation. The body is left readable.
func (v *Validator) ValidateRequest(r *http.Request) error {
	route, pathParams, err := v.router.FindRoute(r)
	if err != nil {
		return nil
	}
	err = openapi3filter.ValidateRequest(r.Context(), &openapi3filter.RequestValidationInput{
		Request:    r,
		PathParams: pathParams,
		Route:      route,
		Options: &openapi3filter.Options{
			MultiError:         true,
			AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
		},
	})
	if err == nil {
		return nil
	}

	var details []model.FieldError
	collect(err, "", &details)
	env := model.NewBadRequestError("Request does not match the API schema")
	env.Details = details
	return env
}

// Middleware rejects requests that fail ValidateRequest.
func (v *Validator) Middleware(writeError func(http.ResponseWriter, *http.Request, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := v.ValidateRequest(r); err != nil {
				writeError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func collect(err error, field string, out *[]model.FieldError) {
	var multi openapi3.MultiError
	if errors.As(err, &multi) {
		for _, e := range multi {
			collect(e, field, out)
		}
		return
	}

	var reqErr *openapi3filter.RequestError
	if errors.As(err, &reqErr) {
		name := "body"
		if reqErr.Parameter != nil {
			name = reqErr.Parameter.Name
		}
		if reqErr.Err == nil {
			*out = append(*out, model.FieldError{Field: name, Code: "INVALID", Message: reqErr.Reason})
			return
		}
		collect(reqErr.Err, name, out)
		return
	}

	var schemaErr *openapi3.SchemaError
	if errors.As(err, &schemaErr) {
		path := field
		if ptr := schemaErr.JSONPointer(); len(ptr) > 0 {
			if field == "" || field == "body" {
				path = strings.Join(ptr, ".")
			} else {
				path = field + "." + strings.Join(ptr, ".")
			}
		}
		*out = append(*out, model.FieldError{Field: path, Code: "SCHEMA", Message: schemaErr.Reason})
		return
	}

	if field == "" {
		field = "request"
	}
	*out = append(*out, model.FieldError{Field: field, Code: "INVALID", Message: err.Error()})
}
