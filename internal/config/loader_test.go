package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

const validYAML = `
server:
  address: ":8080"

backends:
  - id: stock-backend
    protocol: https
    url: https://stock.internal:8243/stock
    timeout: 15s

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
`

func TestLoaderParse(t *testing.T) {
	loader := NewLoader()
	cfg, err := loader.Parse([]byte(validYAML))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.Server.Address != ":8080" {
		t.Errorf("expected address :8080, got %s", cfg.Server.Address)
	}
	if len(cfg.Backends) != 1 {
		t.Fatalf("expected 1 backend, got %d", len(cfg.Backends))
	}
	if cfg.Backends[0].Timeout != 15*time.Second {
		t.Errorf("expected backend timeout 15s, got %v", cfg.Backends[0].Timeout)
	}
	if !cfg.Backends[0].TLS.ValidateChain() || !cfg.Backends[0].TLS.ValidateName() {
		t.Error("expected TLS validation flags to default to true")
	}
	if len(cfg.APIs) != 1 {
		t.Fatalf("expected 1 api, got %d", len(cfg.APIs))
	}
	if cfg.APIs[0].Operations[0].OperationID != "get-quote" {
		t.Errorf("unexpected operation id: %s", cfg.APIs[0].Operations[0].OperationID)
	}
	if cfg.RateLimitKey.Source != KeySubscription {
		t.Errorf("expected default rate limit key source subscription, got %s", cfg.RateLimitKey.Source)
	}
}

func TestLoaderEnvExpansion(t *testing.T) {
	os.Setenv("TEST_BACKEND_HOST", "stock.internal")
	defer os.Unsetenv("TEST_BACKEND_HOST")

	yaml := strings.Replace(validYAML, "https://stock.internal:8243/stock",
		"https://${TEST_BACKEND_HOST}:8243/stock", 1)

	cfg, err := NewLoader().Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Backends[0].URL != "https://stock.internal:8243/stock" {
		t.Errorf("env var not expanded: %s", cfg.Backends[0].URL)
	}
}

func TestLoaderValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(string) string
		wantErr string
	}{
		{
			name: "unknown default backend",
			mutate: func(y string) string {
				return strings.Replace(y, "default_backend_id: stock-backend", "default_backend_id: missing", 1)
			},
			wantErr: "unknown default_backend_id",
		},
		{
			name: "protocol url mismatch",
			mutate: func(y string) string {
				return strings.Replace(y, "protocol: https", "protocol: http", 1)
			},
			wantErr: "does not match protocol",
		},
		{
			name: "unknown version set",
			mutate: func(y string) string {
				return strings.Replace(y, "version_set_id: stock-set", "version_set_id: nope", 1)
			},
			wantErr: "unknown version_set_id",
		},
		{
			name: "protocols missing https",
			mutate: func(y string) string {
				return strings.Replace(y, "protocols: [https]", "protocols: [http]", 1)
			},
			wantErr: "must include https",
		},
		{
			name: "invalid method",
			mutate: func(y string) string {
				return strings.Replace(y, "method: GET", "method: FETCH", 1)
			},
			wantErr: "invalid method",
		},
		{
			name: "template missing leading slash",
			mutate: func(y string) string {
				return strings.Replace(y, "url_template: /quote/{symbol}", "url_template: quote", 1)
			},
			wantErr: "must start with /",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoader().Parse([]byte(tt.mutate(validYAML)))
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoaderAmbiguousTemplates(t *testing.T) {
	yaml := validYAML + `
      - operation_id: get-price
        method: GET
        url_template: /quote/{ticker}
`
	_, err := NewLoader().Parse([]byte(yaml))
	if err == nil {
		t.Fatal("expected ambiguity error, got nil")
	}
	if !strings.Contains(err.Error(), "ambiguous url_template") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoaderVersionSetBasePathMismatch(t *testing.T) {
	yaml := validYAML + `
  - name: stock-api-v2
    path: /stocks
    version: v2
    version_set_id: stock-set
    protocols: [https]
    default_backend_id: stock-backend
    operations:
      - operation_id: get-quote
        method: GET
        url_template: /quote/{symbol}
`
	_, err := NewLoader().Parse([]byte(yaml))
	if err == nil {
		t.Fatal("expected base path mismatch error, got nil")
	}
	if !strings.Contains(err.Error(), "differs from version set") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoaderPolicyValidation(t *testing.T) {
	tests := []struct {
		name    string
		policy  string
		wantErr string
	}{
		{
			name: "rate limit zero calls",
			policy: `
global_policy:
  inbound:
    - type: rate_limit
      rate_limit:
        calls: 0
        renewal_period_seconds: 60
`,
			wantErr: "calls must be positive",
		},
		{
			name: "cors outside inbound",
			policy: `
global_policy:
  outbound:
    - type: cors
      cors:
        allowed_origins: ["*"]
`,
			wantErr: "cors is only valid in the inbound stage",
		},
		{
			name: "set backend with unknown id",
			policy: `
global_policy:
  backend:
    - type: set_backend_service
      backend_id: missing
`,
			wantErr: "unknown backend_id",
		},
		{
			name: "set header outside outbound",
			policy: `
global_policy:
  inbound:
    - type: set_header
      header:
        name: X-Test
        value: x
`,
			wantErr: "set_header is only valid in the outbound stage",
		},
		{
			name: "double base marker",
			policy: `
global_policy:
  inbound:
    - type: base
    - type: base
`,
			wantErr: "multiple base markers",
		},
		{
			name: "unknown directive",
			policy: `
global_policy:
  inbound:
    - type: transform_xml
`,
			wantErr: "unknown directive type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoader().Parse([]byte(validYAML + tt.policy))
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err, tt.wantErr)
			}
		})
	}
}
