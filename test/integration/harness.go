// Package integration runs the statusflow HTTP surface end to end: real
// JWT verification against a JWKS endpoint, the full middleware chain, the
// workflow engine, and optionally a Redis change relay between replicas.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/pitabwire/statusflow/internal/capability"
	"github.com/pitabwire/statusflow/internal/config"
	"github.com/pitabwire/statusflow/internal/definition"
	"github.com/pitabwire/statusflow/internal/idempotency"
	"github.com/pitabwire/statusflow/internal/notify"
	"github.com/pitabwire/statusflow/internal/observability"
	"github.com/pitabwire/statusflow/internal/openapi"
	"github.com/pitabwire/statusflow/internal/projection"
	"github.com/pitabwire/statusflow/internal/transport"
	"github.com/pitabwire/statusflow/internal/workflow"
	"github.com/pitabwire/statusflow/model"
)

// TestHarness is one statusflow replica served by httptest.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	Config     *config.Config
	Store      workflow.EntityStore
	Guarded    *workflow.GuardedStore
	Notifier   *notify.Notifier
	Engine     *workflow.Engine
	Metrics    *prometheus.Registry
	Relay      *notify.RedisRelay
	Idempotent *idempotency.MemoryStore
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	policyFile     string
	handlerTimeout time.Duration
	store          workflow.EntityStore
	breaker        *config.CircuitBreakerConfig
	relayClient    redis.UniversalClient
	issuer         *tokenIssuer
	authorize      bool
}

// WithPolicyFile overrides the capability policy file.
func WithPolicyFile(path string) HarnessOption {
	return func(c *harnessConfig) { c.policyFile = path }
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) { c.handlerTimeout = d }
}

// WithStore replaces the default in-memory entity store. Replicas sharing
// a store simulate a shared database.
func WithStore(s workflow.EntityStore) HarnessOption {
	return func(c *harnessConfig) { c.store = s }
}

// WithCircuitBreaker wraps the store in a circuit breaker.
func WithCircuitBreaker(cfg config.CircuitBreakerConfig) HarnessOption {
	return func(c *harnessConfig) { c.breaker = &cfg }
}

// WithRelay connects the replica to the Redis change relay.
func WithRelay(client redis.UniversalClient) HarnessOption {
	return func(c *harnessConfig) { c.relayClient = client }
}

// WithIssuer shares a token issuer between replicas.
func WithIssuer(ti *tokenIssuer) HarnessOption {
	return func(c *harnessConfig) { c.issuer = ti }
}

// WithoutAuthorization lets every authenticated caller apply every legal
// transition.
func WithoutAuthorization() HarnessOption {
	return func(c *harnessConfig) { c.authorize = false }
}

// NewTestHarness builds a full replica and starts it on a test server. All
// resources are released through t.Cleanup.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		policyFile:     filepath.Join(testdataDir(), "policies.yaml"),
		handlerTimeout: 5 * time.Second,
		authorize:      true,
	}
	for _, opt := range opts {
		opt(hc)
	}

	logger := zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel))
	h := &TestHarness{t: t}

	// Step 1: Token issuer and configuration.
	h.issuer = hc.issuer
	if h.issuer == nil {
		h.issuer = newTokenIssuer(t)
	}
	cfg := config.Defaults()
	cfg.Server.HandlerTimeout = hc.handlerTimeout
	cfg.Server.CORS = config.CORSConfig{
		AllowedOrigins: []string{"http://localhost:3000"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "Idempotency-Key", "X-Request-Id"},
		MaxAge:         600,
	}
	cfg.Identity = config.IdentityConfig{
		Issuer:       h.issuer.Issuer(),
		Audience:     h.issuer.Audience(),
		JWKSURL:      h.issuer.JWKSURL(),
		JWKSCacheTTL: time.Hour,
		Algorithms:   []string{"RS256"},
		ClaimPaths: map[string]string{
			"subject_id": "sub",
			"tenant_id":  "tenant_id",
			"email":      "email",
			"roles":      "roles",
		},
	}
	cfg.Idempotency.Enabled = true
	cfg.Observability.Metrics.Enabled = true
	h.Config = cfg

	// Step 2: Metrics on a private registry.
	h.Metrics = prometheus.NewRegistry()
	metrics := observability.InitMetrics(h.Metrics)

	// Step 3: Registry and store.
	registry, err := definition.NewBuiltinRegistry()
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	h.Store = hc.store
	if h.Store == nil {
		h.Store = workflow.NewMemoryEntityStore()
	}
	store := h.Store
	if hc.breaker != nil {
		h.Guarded = workflow.NewGuardedStore(store, workflow.NewCircuitBreaker(
			hc.breaker.FailureThreshold, hc.breaker.SuccessThreshold, hc.breaker.Timeout))
		h.Guarded.OnStateChange(func(s workflow.BreakerState) {
			metrics.SetStoreCircuitState(int(s))
		})
		store = h.Guarded
	}

	// Step 4: Notifier and optional relay.
	h.Notifier = notify.NewNotifier(notify.WithLogger(logger), notify.WithRecorder(metrics))
	t.Cleanup(h.Notifier.Close)
	var publisher notify.Publisher = h.Notifier
	if hc.relayClient != nil {
		origin := "replica-" + uuid.NewString()[:8]
		h.Relay = notify.NewRedisRelay(hc.relayClient, cfg.Notify.Redis.Channel(), origin, h.Notifier, logger)
		h.Relay.SetRecorder(metrics)
		publisher = notify.Fanout{h.Notifier, h.Relay}

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := h.Relay.Run(ctx); err != nil {
				t.Logf("relay stopped: %v", err)
			}
		}()
		t.Cleanup(func() {
			cancel()
			<-done
		})
	}

	// Step 5: Authorization.
	var authorizer model.TransitionAuthorizer
	if hc.authorize {
		evaluator, err := capability.NewStaticPolicyEvaluator(hc.policyFile)
		if err != nil {
			t.Fatalf("load policy file: %v", err)
		}
		resolver := capability.NewResolver(evaluator, 0)
		resolver.SetRecorder(metrics)
		authorizer = capability.NewTransitionAuthorizer(resolver, evaluator)
	}

	// Step 6: Engine, projection, idempotency.
	h.Engine = workflow.NewEngine(registry, store, h.Notifier, authorizer,
		workflow.WithLogger(logger),
		workflow.WithRecorder(metrics),
		workflow.WithPublisher(publisher),
	)
	proj := projection.NewProjection(registry, store, cfg.Projection.PageSize)
	h.Idempotent = idempotency.NewMemoryStore()

	validator, err := openapi.Load(context.Background())
	if err != nil {
		t.Fatalf("load api document: %v", err)
	}

	readiness := map[string]observability.HealthChecker{"idempotency_store": h.Idempotent}
	if checker, ok := store.(observability.HealthChecker); ok {
		readiness["entity_store"] = checker
	}

	// Step 7: Router with the full middleware chain.
	jwks := transport.NewJWKSClient(h.issuer.JWKSURL(), cfg.Identity.JWKSCacheTTL, logger)
	router := transport.NewRouter(transport.Dependencies{
		Config:         cfg,
		Logger:         logger,
		Authenticate:   transport.JWTAuthenticator(cfg.Identity, jwks.Keyfunc),
		Engine:         h.Engine,
		Projection:     proj,
		Authorizer:     authorizer,
		Validator:      validator,
		Idempotency:    h.Idempotent,
		Metrics:        metrics,
		MetricsHandler: observability.HandlerFor(h.Metrics),
		Readiness: observability.ReadinessChecks{
			DefinitionsLoaded: func() int { return len(registry.Types()) },
			Dependencies:      readiness,
		},
	})

	// Step 8: Start the server.
	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// Issuer returns the harness's token issuer.
func (h *TestHarness) Issuer() *tokenIssuer {
	return h.issuer
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, nil)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, nil)
}

// POSTWithHeaders performs an authenticated POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, headers)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// DialStream opens the change stream of an entity, passing the token as
// the access_token query parameter the way browsers do.
func (h *TestHarness) DialStream(entityType, entityID, token string) (*websocket.Conn, *http.Response, error) {
	h.t.Helper()
	url := fmt.Sprintf("ws%s/v1/entities/%s/%s/stream?access_token=%s",
		strings.TrimPrefix(h.server.URL, "http"), entityType, entityID, token)
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if conn != nil {
		h.t.Cleanup(func() { conn.Close() })
	}
	return conn, resp, err
}

// ReadChange reads the next change from a stream.
func (h *TestHarness) ReadChange(conn *websocket.Conn) model.Change {
	h.t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		h.t.Fatalf("set read deadline: %v", err)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		h.t.Fatalf("read change: %v", err)
	}
	var change model.Change
	if err := json.Unmarshal(data, &change); err != nil {
		h.t.Fatalf("decode change: %v\nframe: %s", err, data)
	}
	return change
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus checks that the response has the expected status code and
// closes the body.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// ErrorCode parses an error response and returns its code.
func (h *TestHarness) ErrorCode(resp *http.Response) string {
	h.t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	h.ParseJSON(resp, &body)
	return body.Error.Code
}

// CreateOrder creates an order and returns it.
func (h *TestHarness) CreateOrder(t *testing.T, token string) model.Entity {
	t.Helper()
	var ent model.Entity
	h.AssertJSON(t, h.POST("/v1/entities/order", OrderFixture("cust-1"), token), http.StatusCreated, &ent)
	return ent
}

// Transition moves an entity and returns the response.
func (h *TestHarness) Transition(entityType, id, to, token string) *http.Response {
	h.t.Helper()
	return h.POST(fmt.Sprintf("/v1/entities/%s/%s/transitions", entityType, id),
		map[string]any{"to_status": to}, token)
}

// --- Default test claims ---

// PharmacistClaims returns claims for a pharmacist of acme-pharmacy.
func PharmacistClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-pharmacist",
		TenantID:  "acme-pharmacy",
		Email:     "pharmacist@acme.example.com",
		Roles:     []string{"pharmacist"},
	}
}

// WarehouseClaims returns claims for a warehouse operator of acme-pharmacy.
func WarehouseClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-warehouse",
		TenantID:  "acme-pharmacy",
		Email:     "warehouse@acme.example.com",
		Roles:     []string{"warehouse"},
	}
}

// ViewerClaims returns claims for a read-only user of acme-pharmacy.
func ViewerClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-viewer",
		TenantID:  "acme-pharmacy",
		Email:     "viewer@acme.example.com",
		Roles:     []string{"viewer"},
	}
}

// OtherTenantClaims returns claims for a pharmacist of a different tenant.
func OtherTenantClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-rival",
		TenantID:  "rival-pharmacy",
		Email:     "pharmacist@rival.example.com",
		Roles:     []string{"pharmacist"},
	}
}

// --- Fixtures ---

func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}

// OrderFixture returns a create-order request body.
func OrderFixture(customerID string) map[string]any {
	return map[string]any{
		"payload": map[string]any{
			"customer_id": customerID,
			"items": []any{
				map[string]any{"product_id": "sku-paracetamol", "quantity": 2, "unit_price": 3.5},
			},
			"delivery_address": "12 Market Street",
			"payment_method":   "online",
			"total_amount":     7.0,
		},
	}
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
