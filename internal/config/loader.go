package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// validHTTPMethods contains all valid HTTP method names.
var validHTTPMethods = map[string]bool{
	"GET": true, "HEAD": true, "POST": true, "PUT": true,
	"DELETE": true, "PATCH": true, "OPTIONS": true,
}

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded := l.expandEnvVars(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	l.applyDefaults(cfg)

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match // keep original if env var not set
	})
}

// applyDefaults fills zero values that have engine-level defaults.
func (l *Loader) applyDefaults(cfg *Config) {
	for i := range cfg.Backends {
		if cfg.Backends[i].Timeout == 0 {
			cfg.Backends[i].Timeout = 30 * time.Second
		}
		if cfg.Backends[i].Protocol == "" {
			cfg.Backends[i].Protocol = ProtocolHTTPS
		}
	}
	for i := range cfg.VersionSets {
		if cfg.VersionSets[i].VersioningScheme == "" {
			cfg.VersionSets[i].VersioningScheme = SchemeSegment
		}
	}
	if cfg.RateLimitKey.Source == "" {
		cfg.RateLimitKey.Source = KeySubscription
	}
	if cfg.RateLimitKey.Header == "" {
		cfg.RateLimitKey.Header = "Subscription-Key"
	}
}

// validate checks configuration for errors
func (l *Loader) validate(cfg *Config) error {
	if cfg.Server.Address == "" {
		return fmt.Errorf("server: address is required")
	}
	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertFile == "" {
			return fmt.Errorf("server: TLS enabled but cert_file not provided")
		}
		if cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server: TLS enabled but key_file not provided")
		}
	}

	switch cfg.RateLimitKey.Source {
	case KeySubscription, KeyClientIP:
	default:
		return fmt.Errorf("rate_limit_key: invalid source %q", cfg.RateLimitKey.Source)
	}

	backendIDs := make(map[string]bool)
	for i, b := range cfg.Backends {
		if b.ID == "" {
			return fmt.Errorf("backend %d: id is required", i)
		}
		if backendIDs[b.ID] {
			return fmt.Errorf("duplicate backend id: %s", b.ID)
		}
		backendIDs[b.ID] = true

		if b.Protocol != ProtocolHTTP && b.Protocol != ProtocolHTTPS {
			return fmt.Errorf("backend %s: invalid protocol: %s", b.ID, b.Protocol)
		}
		u, err := url.Parse(b.URL)
		if err != nil || u.Host == "" {
			return fmt.Errorf("backend %s: invalid url: %q", b.ID, b.URL)
		}
		if u.Scheme != string(b.Protocol) {
			return fmt.Errorf("backend %s: url scheme %q does not match protocol %q", b.ID, u.Scheme, b.Protocol)
		}
	}

	setIDs := make(map[string]bool)
	for i, vs := range cfg.VersionSets {
		if vs.ID == "" {
			return fmt.Errorf("version set %d: id is required", i)
		}
		if setIDs[vs.ID] {
			return fmt.Errorf("duplicate version set id: %s", vs.ID)
		}
		setIDs[vs.ID] = true
		if vs.VersioningScheme != SchemeSegment {
			return fmt.Errorf("version set %s: unsupported versioning scheme: %s", vs.ID, vs.VersioningScheme)
		}
	}

	apiNames := make(map[string]bool)
	setBasePath := make(map[string]string)   // version set id -> base path
	setVersions := make(map[string]map[string]bool)
	for i, api := range cfg.APIs {
		if api.Name == "" {
			return fmt.Errorf("api %d: name is required", i)
		}
		if apiNames[api.Name] {
			return fmt.Errorf("duplicate api name: %s", api.Name)
		}
		apiNames[api.Name] = true

		if api.Path == "" || !strings.HasPrefix(api.Path, "/") {
			return fmt.Errorf("api %s: path must start with /", api.Name)
		}
		if api.Version == "" {
			return fmt.Errorf("api %s: version is required", api.Name)
		}
		if strings.Contains(api.Version, "/") {
			return fmt.Errorf("api %s: version must be a single path segment", api.Name)
		}
		if !setIDs[api.VersionSetID] {
			return fmt.Errorf("api %s: unknown version_set_id: %q", api.Name, api.VersionSetID)
		}

		hasHTTPS := false
		for _, p := range api.Protocols {
			if p != "http" && p != "https" {
				return fmt.Errorf("api %s: invalid protocol: %s", api.Name, p)
			}
			if p == "https" {
				hasHTTPS = true
			}
		}
		if !hasHTTPS {
			return fmt.Errorf("api %s: protocols must include https", api.Name)
		}

		if api.DefaultBackendID != "" && !backendIDs[api.DefaultBackendID] {
			return fmt.Errorf("api %s: unknown default_backend_id: %q", api.Name, api.DefaultBackendID)
		}

		// All members of a version set share a base path and differ only
		// by version segment.
		if base, ok := setBasePath[api.VersionSetID]; ok {
			if base != api.Path {
				return fmt.Errorf("api %s: base path %q differs from version set %s base path %q",
					api.Name, api.Path, api.VersionSetID, base)
			}
		} else {
			setBasePath[api.VersionSetID] = api.Path
			setVersions[api.VersionSetID] = make(map[string]bool)
		}
		if setVersions[api.VersionSetID][api.Version] {
			return fmt.Errorf("api %s: duplicate version %q in version set %s", api.Name, api.Version, api.VersionSetID)
		}
		setVersions[api.VersionSetID][api.Version] = true

		if err := l.validateOperations(api, backendIDs); err != nil {
			return err
		}

		if api.Policy != nil {
			if err := l.validatePolicy(fmt.Sprintf("api %s", api.Name), api.Policy, backendIDs); err != nil {
				return err
			}
		}
	}

	productIDs := make(map[string]bool)
	for i, p := range cfg.Products {
		if p.ID == "" {
			return fmt.Errorf("product %d: id is required", i)
		}
		if productIDs[p.ID] {
			return fmt.Errorf("duplicate product id: %s", p.ID)
		}
		productIDs[p.ID] = true
		for _, name := range p.APIs {
			if !apiNames[name] {
				return fmt.Errorf("product %s: unknown api: %q", p.ID, name)
			}
		}
	}

	if cfg.GlobalPolicy != nil {
		if err := l.validatePolicy("global policy", cfg.GlobalPolicy, backendIDs); err != nil {
			return err
		}
	}

	return nil
}

// validateOperations checks operation identity, templates, and per-operation
// policies, and rejects ambiguous templates within one API.
func (l *Loader) validateOperations(api APIConfig, backendIDs map[string]bool) error {
	opIDs := make(map[string]bool)
	templates := make(map[string]bool) // method + normalized template
	for i, op := range api.Operations {
		if op.OperationID == "" {
			return fmt.Errorf("api %s: operation %d: operation_id is required", api.Name, i)
		}
		if opIDs[op.OperationID] {
			return fmt.Errorf("api %s: duplicate operation_id: %s", api.Name, op.OperationID)
		}
		opIDs[op.OperationID] = true

		if !validHTTPMethods[op.Method] {
			return fmt.Errorf("api %s: operation %s: invalid method: %q", api.Name, op.OperationID, op.Method)
		}
		if op.URLTemplate == "" || !strings.HasPrefix(op.URLTemplate, "/") {
			return fmt.Errorf("api %s: operation %s: url_template must start with /", api.Name, op.OperationID)
		}

		normalized, err := normalizeTemplate(op.URLTemplate)
		if err != nil {
			return fmt.Errorf("api %s: operation %s: %w", api.Name, op.OperationID, err)
		}
		key := op.Method + " " + normalized
		if templates[key] {
			return fmt.Errorf("api %s: operation %s: ambiguous url_template %q", api.Name, op.OperationID, op.URLTemplate)
		}
		templates[key] = true

		if op.Policy != nil {
			scope := fmt.Sprintf("api %s operation %s", api.Name, op.OperationID)
			if err := l.validatePolicy(scope, op.Policy, backendIDs); err != nil {
				return err
			}
		}
	}
	return nil
}

// normalizeTemplate checks template segments and collapses parameter names
// so that templates differing only by parameter name compare equal.
func normalizeTemplate(template string) (string, error) {
	segments := strings.Split(strings.Trim(template, "/"), "/")
	params := make(map[string]bool)
	var b strings.Builder
	for _, seg := range segments {
		b.WriteByte('/')
		if strings.HasPrefix(seg, "{") || strings.HasSuffix(seg, "}") {
			if !strings.HasPrefix(seg, "{") || !strings.HasSuffix(seg, "}") || len(seg) < 3 {
				return "", fmt.Errorf("malformed parameter segment: %q", seg)
			}
			name := seg[1 : len(seg)-1]
			if strings.ContainsAny(name, "{}") {
				return "", fmt.Errorf("malformed parameter segment: %q", seg)
			}
			if params[name] {
				return "", fmt.Errorf("duplicate parameter name: %q", name)
			}
			params[name] = true
			b.WriteByte('*')
		} else if strings.ContainsAny(seg, "{}") {
			return "", fmt.Errorf("malformed segment: %q", seg)
		} else {
			b.WriteString(seg)
		}
	}
	return b.String(), nil
}

// validatePolicy checks one policy document's directives stage by stage.
func (l *Loader) validatePolicy(scope string, p *PolicyConfig, backendIDs map[string]bool) error {
	stages := []struct {
		name       string
		directives []DirectiveConfig
	}{
		{"inbound", p.Inbound},
		{"backend", p.Backend},
		{"outbound", p.Outbound},
		{"on_error", p.OnError},
	}

	for _, stage := range stages {
		baseSeen := false
		for i, d := range stage.directives {
			where := fmt.Sprintf("%s: %s directive %d", scope, stage.name, i)
			switch d.Type {
			case DirectiveBase:
				if baseSeen {
					return fmt.Errorf("%s: multiple base markers in one stage", where)
				}
				baseSeen = true

			case DirectiveCORS:
				if stage.name != "inbound" {
					return fmt.Errorf("%s: cors is only valid in the inbound stage", where)
				}
				if d.CORS == nil || len(d.CORS.AllowedOrigins) == 0 {
					return fmt.Errorf("%s: cors requires allowed_origins", where)
				}

			case DirectiveRateLimit:
				if stage.name != "inbound" {
					return fmt.Errorf("%s: rate_limit is only valid in the inbound stage", where)
				}
				if d.RateLimit == nil {
					return fmt.Errorf("%s: rate_limit payload is required", where)
				}
				if d.RateLimit.Calls <= 0 {
					return fmt.Errorf("%s: rate_limit calls must be positive", where)
				}
				if d.RateLimit.RenewalPeriodSeconds <= 0 {
					return fmt.Errorf("%s: rate_limit renewal_period_seconds must be positive", where)
				}

			case DirectiveSetBackend:
				if stage.name != "backend" {
					return fmt.Errorf("%s: set_backend_service is only valid in the backend stage", where)
				}
				if d.BackendID == "" {
					return fmt.Errorf("%s: set_backend_service requires backend_id", where)
				}
				if !backendIDs[d.BackendID] {
					return fmt.Errorf("%s: unknown backend_id: %q", where, d.BackendID)
				}

			case DirectiveSetHeader:
				if stage.name != "outbound" {
					return fmt.Errorf("%s: set_header is only valid in the outbound stage", where)
				}
				if d.Header == nil || d.Header.Name == "" {
					return fmt.Errorf("%s: set_header requires header name", where)
				}

			case DirectiveLog:
				// Valid in any stage; typically used in on_error.

			case "":
				return fmt.Errorf("%s: directive type is required", where)

			default:
				return fmt.Errorf("%s: unknown directive type: %q", where, d.Type)
			}
		}
	}
	return nil
}
