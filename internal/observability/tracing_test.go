package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/statusflow/internal/config"
)

// setupTestTracer installs an always-sampling provider backed by an
// in-memory exporter.
func setupTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
	})
	return exporter
}

func TestInitTracing_disabled(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), config.TracingConfig{}, "statusflow", "test")
	if err != nil {
		t.Fatalf("InitTracing() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
}

func TestInitTracing_stdout(t *testing.T) {
	cfg := config.TracingConfig{Enabled: true, Exporter: "stdout", SamplingRate: 1}
	shutdown, err := InitTracing(context.Background(), cfg, "statusflow", "test")
	if err != nil {
		t.Fatalf("InitTracing() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
}

func TestInitTracing_unsupportedExporter(t *testing.T) {
	_, err := InitTracing(context.Background(), config.TracingConfig{Enabled: true, Exporter: "zipkin"}, "statusflow", "test")
	if err == nil {
		t.Fatal("expected error for unsupported exporter")
	}
}

func TestNewSampler_clampsRate(t *testing.T) {
	for _, rate := range []float64{-1, 0, 0.5, 1, 7} {
		if s := newSampler(config.TracingConfig{SamplingRate: rate}); s == nil {
			t.Errorf("newSampler(%v) = nil", rate)
		}
	}
}

func TestStartSpan_endWithError(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx, span := StartSpan(context.Background(), "workflow.transition", AttrEntityID.String("ord-1"))
	if TraceIDFromContext(ctx) == "" {
		t.Error("TraceIDFromContext() is empty inside a span")
	}
	EndSpanWithError(span, errors.New("boom"))

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	got := spans[0]
	if got.Name != "workflow.transition" {
		t.Errorf("Name = %q", got.Name)
	}
	if got.Status.Code != codes.Error {
		t.Errorf("Status = %v, want Error", got.Status.Code)
	}
	found := false
	for _, a := range got.Attributes {
		if a.Key == AttrEntityID && a.Value.AsString() == "ord-1" {
			found = true
		}
	}
	if !found {
		t.Errorf("attributes %v missing entity id", got.Attributes)
	}
}

func TestTraceIDFromContext_noSpan(t *testing.T) {
	if id := TraceIDFromContext(context.Background()); id != "" {
		t.Errorf("TraceIDFromContext() = %q, want empty", id)
	}
}

func TestTracingMiddleware_continuesParentAndNamesRoute(t *testing.T) {
	exporter := setupTestTracer(t)

	r := chi.NewRouter()
	r.Use(TracingMiddleware)
	r.Get("/v1/entities/{entityType}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	parent := "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"
	req := httptest.NewRequest(http.MethodGet, "/v1/entities/order", nil)
	req.Header.Set("traceparent", parent)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	s := spans[0]
	if s.Name != "GET /v1/entities/{entityType}" {
		t.Errorf("Name = %q", s.Name)
	}
	if s.SpanKind != trace.SpanKindServer {
		t.Errorf("SpanKind = %v", s.SpanKind)
	}
	if got := s.SpanContext.TraceID().String(); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("TraceID = %s, want the parent's", got)
	}
	if s.Status.Code != codes.Error {
		t.Errorf("Status = %v, want Error for 503", s.Status.Code)
	}
	if rec.Header().Get("traceparent") == "" {
		t.Error("response is missing traceparent")
	}
}
