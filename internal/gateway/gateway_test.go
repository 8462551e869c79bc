package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/apigateway/internal/config"
)

const configTemplate = `
server:
  address: ":8080"

rate_limit_key:
  source: subscription
  header: Subscription-Key

backends:
  - id: stock-backend
    protocol: http
    url: %s
  - id: sandbox-backend
    protocol: http
    url: %s

version_sets:
  - id: stock-set
    versioning_scheme: segment

apis:
  - name: stock-api-v1
    path: /stock
    version: v1
    version_set_id: stock-set
    protocols: [https]
    default_backend_id: stock-backend
    operations:
      - operation_id: get-quote
        method: GET
        url_template: /quote/{symbol}
      - operation_id: list-symbols
        method: GET
        url_template: /symbols
        policy:
          inbound:
            - type: base
            - type: rate_limit
              rate_limit:
                calls: 2
                renewal_period_seconds: 60
      - operation_id: place-order
        method: POST
        url_template: /order
        policy:
          backend:
            - type: set_backend_service
              backend_id: sandbox-backend

products:
  - id: stock-product
    published: true
    subscription_required: %t
    apis: [stock-api-v1]

global_policy:
  inbound:
    - type: cors
      cors:
        allowed_origins: ["*"]
  outbound:
    - type: set_header
      header:
        name: X-Powered-By
        value: gateway
`

type testUpstream struct {
	srv  *httptest.Server
	hits atomic.Int64
}

func newUpstream(name string) *testUpstream {
	u := &testUpstream{}
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.hits.Add(1)
		w.Header().Set("X-Served-By", name)
		fmt.Fprintf(w, "%s:%s", name, r.URL.Path)
	}))
	return u
}

func newTestGateway(t *testing.T, subscriptionRequired bool) (*Gateway, *testUpstream, *testUpstream) {
	t.Helper()

	primary := newUpstream("primary")
	t.Cleanup(primary.srv.Close)
	sandbox := newUpstream("sandbox")
	t.Cleanup(sandbox.srv.Close)

	yaml := fmt.Sprintf(configTemplate, primary.srv.URL, sandbox.srv.URL, subscriptionRequired)
	cfg, err := config.NewLoader().Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("config parse failed: %v", err)
	}

	gw, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("gateway build failed: %v", err)
	}
	t.Cleanup(gw.Close)
	return gw, primary, sandbox
}

func doRequest(gw *Gateway, method, path string, header http.Header) *httptest.ResponseRecorder {
	r := httptest.NewRequest(method, path, nil)
	for k, vv := range header {
		r.Header[k] = vv
	}
	w := httptest.NewRecorder()
	gw.ServeHTTP(w, r)
	return w
}

func TestProxiedRequest(t *testing.T) {
	gw, primary, _ := newTestGateway(t, false)

	w := doRequest(gw, http.MethodGet, "/stock/v1/quote/IBM", http.Header{
		"Origin": {"https://app.example"},
	})

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := w.Body.String(); got != "primary:/quote/IBM" {
		t.Errorf("unexpected body %q", got)
	}
	if primary.hits.Load() != 1 {
		t.Errorf("expected one upstream hit, got %d", primary.hits.Load())
	}
	if w.Header().Get("X-Request-Id") == "" {
		t.Error("expected request id header")
	}
	if w.Header().Get("X-Powered-By") != "gateway" {
		t.Error("expected outbound set_header to apply")
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("expected CORS header on proxied response")
	}
}

func TestRoutingErrors(t *testing.T) {
	gw, primary, _ := newTestGateway(t, false)

	tests := []struct {
		name string
		path string
	}{
		{"unknown version", "/stock/v2/symbols"},
		{"operation not found", "/stock/v1/limitation"},
		{"no api match", "/weather/v1/today"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(gw, http.MethodGet, tt.path, nil)
			if w.Code != http.StatusNotFound {
				t.Fatalf("expected 404, got %d", w.Code)
			}

			var body struct {
				Code    int    `json:"code"`
				Message string `json:"message"`
			}
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("expected JSON error body: %v", err)
			}
			if body.Message != "Resource Not Found" {
				t.Errorf("expected shared 404 message, got %q", body.Message)
			}
		})
	}

	if primary.hits.Load() != 0 {
		t.Errorf("routing failures must not reach the backend, got %d hits", primary.hits.Load())
	}
}

func TestPreflightShortCircuits(t *testing.T) {
	gw, primary, _ := newTestGateway(t, false)

	w := doRequest(gw, http.MethodOptions, "/stock/v1/quote/IBM", http.Header{
		"Origin":                        {"https://app.example"},
		"Access-Control-Request-Method": {"GET"},
	})

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("expected preflight allow headers")
	}
	if primary.hits.Load() != 0 {
		t.Error("preflight must never reach the backend")
	}
}

func TestRateLimitEnforced(t *testing.T) {
	gw, _, _ := newTestGateway(t, false)

	hdr := http.Header{"Subscription-Key": {"sub-123"}}
	for i := 1; i <= 2; i++ {
		if w := doRequest(gw, http.MethodGet, "/stock/v1/symbols", hdr); w.Code != http.StatusOK {
			t.Fatalf("call %d: expected 200, got %d", i, w.Code)
		}
	}

	w := doRequest(gw, http.MethodGet, "/stock/v1/symbols", hdr)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header on 429")
	}

	// A different subscription key has its own counter.
	other := http.Header{"Subscription-Key": {"sub-456"}}
	if w := doRequest(gw, http.MethodGet, "/stock/v1/symbols", other); w.Code != http.StatusOK {
		t.Errorf("expected independent counter per key, got %d", w.Code)
	}
}

func TestBackendOverride(t *testing.T) {
	gw, primary, sandbox := newTestGateway(t, false)

	w := doRequest(gw, http.MethodPost, "/stock/v1/order", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Header().Get("X-Served-By") != "sandbox" {
		t.Errorf("expected set_backend_service to route to sandbox, served by %q", w.Header().Get("X-Served-By"))
	}
	if primary.hits.Load() != 0 || sandbox.hits.Load() != 1 {
		t.Errorf("expected only sandbox hit, primary=%d sandbox=%d", primary.hits.Load(), sandbox.hits.Load())
	}
}

func TestSubscriptionRequired(t *testing.T) {
	gw, primary, _ := newTestGateway(t, true)

	w := doRequest(gw, http.MethodGet, "/stock/v1/quote/IBM", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without subscription key, got %d", w.Code)
	}
	if primary.hits.Load() != 0 {
		t.Error("unauthorized request must not reach the backend")
	}

	w = doRequest(gw, http.MethodGet, "/stock/v1/quote/IBM", http.Header{
		"Subscription-Key": {"sub-123"},
	})
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 with subscription key, got %d", w.Code)
	}
}

func TestBackendDown(t *testing.T) {
	gw, primary, _ := newTestGateway(t, false)
	primary.srv.Close()

	w := doRequest(gw, http.MethodGet, "/stock/v1/quote/IBM", nil)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 when backend is unreachable, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Bad Gateway") {
		t.Errorf("expected generic 502 body, got %q", w.Body.String())
	}
}

func TestBackendTimeoutReturns504(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	t.Cleanup(slow.Close)

	yaml := fmt.Sprintf(configTemplate, slow.URL, slow.URL, false)
	cfg, err := config.NewLoader().Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("config parse failed: %v", err)
	}
	for i := range cfg.Backends {
		cfg.Backends[i].Timeout = 50 * time.Millisecond
	}

	gw, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("gateway build failed: %v", err)
	}
	t.Cleanup(gw.Close)

	w := doRequest(gw, http.MethodGet, "/stock/v1/quote/IBM", nil)
	if w.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504 when the backend exceeds its timeout, got %d: %s", w.Code, w.Body.String())
	}
}

// responseSpy records whether anything was written through it.
type responseSpy struct {
	http.ResponseWriter
	wrote bool
}

func (s *responseSpy) WriteHeader(code int) {
	s.wrote = true
	s.ResponseWriter.WriteHeader(code)
}

func (s *responseSpy) Write(b []byte) (int, error) {
	s.wrote = true
	return s.ResponseWriter.Write(b)
}

func TestClientDisconnectWritesNothing(t *testing.T) {
	gw, primary, _ := newTestGateway(t, false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := httptest.NewRequest(http.MethodGet, "/stock/v1/quote/IBM", nil).WithContext(ctx)

	rec := httptest.NewRecorder()
	spy := &responseSpy{ResponseWriter: rec}
	gw.ServeHTTP(spy, r)

	if spy.wrote {
		t.Errorf("disconnected client must get no response, got %d: %s", rec.Code, rec.Body.String())
	}
	if primary.hits.Load() != 0 {
		t.Errorf("disconnected request must not reach the backend, got %d hits", primary.hits.Load())
	}
}

func TestMissingBackendReturns500(t *testing.T) {
	primary := newUpstream("primary")
	t.Cleanup(primary.srv.Close)

	yaml := fmt.Sprintf(configTemplate, primary.srv.URL, primary.srv.URL, false)
	yaml = strings.Replace(yaml, "    default_backend_id: stock-backend\n", "", 1)
	cfg, err := config.NewLoader().Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("config parse failed: %v", err)
	}

	gw, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("gateway build failed: %v", err)
	}
	t.Cleanup(gw.Close)

	// get-quote names no backend anywhere, so selection fails at request time.
	w := doRequest(gw, http.MethodGet, "/stock/v1/quote/IBM", nil)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 for an operation with no backend, got %d", w.Code)
	}
	if primary.hits.Load() != 0 {
		t.Errorf("selection failure must not reach any backend, got %d hits", primary.hits.Load())
	}
}

func TestRoutingErrorCarriesCORSHeaders(t *testing.T) {
	gw, _, _ := newTestGateway(t, false)

	w := doRequest(gw, http.MethodGet, "/weather/v1/today", http.Header{
		"Origin": {"https://app.example"},
	})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("expected global-policy CORS headers on routing errors")
	}
}

func TestUnpublishedProductHidden(t *testing.T) {
	primary := newUpstream("primary")
	t.Cleanup(primary.srv.Close)

	yaml := fmt.Sprintf(configTemplate, primary.srv.URL, primary.srv.URL, false)
	yaml = strings.Replace(yaml, "published: true", "published: false", 1)
	cfg, err := config.NewLoader().Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("config parse failed: %v", err)
	}

	gw, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("gateway build failed: %v", err)
	}
	t.Cleanup(gw.Close)

	w := doRequest(gw, http.MethodGet, "/stock/v1/quote/IBM", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("unpublished product APIs must 404, got %d", w.Code)
	}
}

func TestReloadSwapsSnapshot(t *testing.T) {
	gw, primary, sandbox := newTestGateway(t, false)

	if w := doRequest(gw, http.MethodGet, "/stock/v1/quote/IBM", nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200 before reload, got %d", w.Code)
	}

	// Repoint the default backend at the sandbox and reload.
	yaml := fmt.Sprintf(configTemplate, sandbox.srv.URL, sandbox.srv.URL, false)
	cfg, err := config.NewLoader().Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("config parse failed: %v", err)
	}
	if err := gw.Reload(cfg); err != nil {
		t.Fatalf("reload failed: %v", err)
	}

	w := doRequest(gw, http.MethodGet, "/stock/v1/quote/IBM", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 after reload, got %d", w.Code)
	}
	if w.Header().Get("X-Served-By") != "sandbox" {
		t.Errorf("expected reloaded snapshot to route to sandbox, got %q", w.Header().Get("X-Served-By"))
	}
	if primary.hits.Load() != 1 {
		t.Errorf("expected primary to see only the pre-reload hit, got %d", primary.hits.Load())
	}
}
