package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHandleHealth_returnsOK(t *testing.T) {
	origVersion, origCommit := Version, Commit
	Version = "1.2.3"
	Commit = "abc1234"
	t.Cleanup(func() {
		Version = origVersion
		Commit = origCommit
	})

	rec := httptest.NewRecorder()
	HandleHealth().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if resp.Status != "ok" || resp.Version != "1.2.3" || resp.Commit != "abc1234" {
		t.Errorf("response = %+v", resp)
	}
}

func serveReady(t *testing.T, checks ReadinessChecks) (int, ReadinessResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	HandleReady(checks).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	var resp ReadinessResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	return rec.Code, resp
}

type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) HealthCheck(_ context.Context) error {
	return m.err
}

func TestHandleReady_allHealthy(t *testing.T) {
	code, resp := serveReady(t, ReadinessChecks{
		DefinitionsLoaded: func() int { return 5 },
		Dependencies: map[string]HealthChecker{
			"entity_store": &mockHealthChecker{},
			"change_relay": HealthCheckFunc(func(context.Context) error { return nil }),
		},
	})
	if code != http.StatusOK {
		t.Errorf("status = %d, want 200", code)
	}
	if resp.Status != "ready" {
		t.Errorf("status = %q, want ready", resp.Status)
	}
	if len(resp.Checks) != 3 {
		t.Errorf("checks = %d, want 3", len(resp.Checks))
	}
}

func TestHandleReady_definitionsNotLoaded(t *testing.T) {
	for name, fn := range map[string]func() int{
		"zero": func() int { return 0 },
		"nil":  nil,
	} {
		t.Run(name, func(t *testing.T) {
			code, resp := serveReady(t, ReadinessChecks{DefinitionsLoaded: fn})
			if code != http.StatusServiceUnavailable {
				t.Errorf("status = %d, want 503", code)
			}
			if resp.Checks["definitions"].Error != errNoDefinitions.Error() {
				t.Errorf("definitions error = %q", resp.Checks["definitions"].Error)
			}
		})
	}
}

func TestHandleReady_dependencyDown(t *testing.T) {
	code, resp := serveReady(t, ReadinessChecks{
		DefinitionsLoaded: func() int { return 1 },
		Dependencies: map[string]HealthChecker{
			"entity_store":      &mockHealthChecker{err: errors.New("connection refused")},
			"idempotency_store": &mockHealthChecker{},
		},
	})
	if code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", code)
	}
	if resp.Status != "not_ready" {
		t.Errorf("status = %q, want not_ready", resp.Status)
	}
	if got := resp.Checks["entity_store"]; got.Status != "error" || got.Error != "connection refused" {
		t.Errorf("entity_store = %+v", got)
	}
	if got := resp.Checks["idempotency_store"]; got.Status != "ok" {
		t.Errorf("idempotency_store = %+v", got)
	}
}

func TestHandleReady_skipsNilDependencies(t *testing.T) {
	_, resp := serveReady(t, ReadinessChecks{
		DefinitionsLoaded: func() int { return 1 },
		Dependencies:      map[string]HealthChecker{"change_relay": nil},
	})
	if _, ok := resp.Checks["change_relay"]; ok {
		t.Error("nil dependency should not be reported")
	}
}

func TestHandleReady_checkTimesOut(t *testing.T) {
	slow := HealthCheckFunc(func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Second):
			return nil
		}
	})
	code, resp := serveReady(t, ReadinessChecks{
		DefinitionsLoaded: func() int { return 1 },
		Dependencies:      map[string]HealthChecker{"entity_store": slow},
	})
	if code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", code)
	}
	if resp.Checks["entity_store"].LatencyMs < checkTimeout.Milliseconds()-100 {
		t.Errorf("latency = %dms, want about %v", resp.Checks["entity_store"].LatencyMs, checkTimeout)
	}
}
