package config

import (
	"time"
)

// Protocol identifies the scheme a backend is reached over.
type Protocol string

const (
	ProtocolHTTP  Protocol = "http"
	ProtocolHTTPS Protocol = "https"
)

// VersioningScheme identifies how a version set distinguishes its members.
// Only path-segment versioning is supported.
type VersioningScheme string

const (
	SchemeSegment VersioningScheme = "segment"
)

// Directive type names as they appear in policy documents.
const (
	DirectiveCORS       = "cors"
	DirectiveRateLimit  = "rate_limit"
	DirectiveSetBackend = "set_backend_service"
	DirectiveSetHeader  = "set_header"
	DirectiveLog        = "log"
	DirectiveBase       = "base"
)

// Config is the complete engine configuration: one immutable activation
// snapshot supplied by the provisioning layer.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Admin        AdminConfig        `yaml:"admin"`
	Logging      LoggingConfig      `yaml:"logging"`
	RateLimitKey RateLimitKeyConfig `yaml:"rate_limit_key"`
	Backends     []BackendConfig    `yaml:"backends"`
	VersionSets  []VersionSetConfig `yaml:"version_sets"`
	APIs         []APIConfig        `yaml:"apis"`
	Products     []ProductConfig    `yaml:"products"`
	GlobalPolicy *PolicyConfig      `yaml:"global_policy"`
}

// ServerConfig defines the frontend HTTP server.
type ServerConfig struct {
	Address           string        `yaml:"address"` // e.g., ":8443"
	TLS               TLSConfig     `yaml:"tls"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// TLSConfig defines frontend TLS settings. Minimum version is always TLS 1.2.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// AdminConfig defines the admin/diagnostics server.
type AdminConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// LoggingConfig defines logger settings.
type LoggingConfig struct {
	Level      string           `yaml:"level"`
	RequestLog RequestLogConfig `yaml:"request_log"`
}

// RequestLogConfig defines the per-request event log sink. When File is
// empty, events go to the process logger only.
type RequestLogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// RateLimitKeyConfig selects the identity rate-limit counters are keyed by.
// This is an explicit operator choice, not an assumption baked into the
// engine.
type RateLimitKeyConfig struct {
	Source string `yaml:"source"` // "subscription" or "client_ip"
	Header string `yaml:"header"` // subscription key header name
}

// Rate-limit key sources.
const (
	KeySubscription = "subscription"
	KeyClientIP     = "client_ip"
)

// BackendConfig defines an upstream service target.
type BackendConfig struct {
	ID       string           `yaml:"id"`
	Protocol Protocol         `yaml:"protocol"`
	URL      string           `yaml:"url"`
	Timeout  time.Duration    `yaml:"timeout"`
	TLS      BackendTLSConfig `yaml:"tls"`
}

// BackendTLSConfig holds the certificate validation flags for a backend.
// Both flags default to true; nil means unset.
type BackendTLSConfig struct {
	ValidateCertificateChain *bool  `yaml:"validate_certificate_chain"`
	ValidateCertificateName  *bool  `yaml:"validate_certificate_name"`
	CAFile                   string `yaml:"ca_file"`
}

// ValidateChain reports whether certificate chain validation is enabled.
func (t BackendTLSConfig) ValidateChain() bool {
	return t.ValidateCertificateChain == nil || *t.ValidateCertificateChain
}

// ValidateName reports whether certificate hostname validation is enabled.
func (t BackendTLSConfig) ValidateName() bool {
	return t.ValidateCertificateName == nil || *t.ValidateCertificateName
}

// VersionSetConfig groups API variants distinguished by a path version segment.
type VersionSetConfig struct {
	ID               string           `yaml:"id"`
	DisplayName      string           `yaml:"display_name"`
	VersioningScheme VersioningScheme `yaml:"versioning_scheme"`
}

// APIConfig defines one versioned API.
type APIConfig struct {
	Name             string            `yaml:"name"`
	DisplayName      string            `yaml:"display_name"`
	Path             string            `yaml:"path"`    // base path, e.g. "/stock"
	Version          string            `yaml:"version"` // version segment label, e.g. "v1"
	VersionSetID     string            `yaml:"version_set_id"`
	Protocols        []string          `yaml:"protocols"`
	DefaultBackendID string            `yaml:"default_backend_id"`
	Policy           *PolicyConfig     `yaml:"policy"`
	Operations       []OperationConfig `yaml:"operations"`
}

// OperationConfig defines one routable method+template combination.
type OperationConfig struct {
	OperationID string        `yaml:"operation_id"`
	Method      string        `yaml:"method"`
	URLTemplate string        `yaml:"url_template"` // fixed segments and {param} segments
	Policy      *PolicyConfig `yaml:"policy"`
}

// ProductConfig groups APIs under shared subscription and approval rules.
type ProductConfig struct {
	ID                   string   `yaml:"id"`
	DisplayName          string   `yaml:"display_name"`
	Published            bool     `yaml:"published"`
	SubscriptionRequired bool     `yaml:"subscription_required"`
	ApprovalRequired     bool     `yaml:"approval_required"`
	APIs                 []string `yaml:"apis"`
}

// PolicyConfig is an ordered directive list per execution stage.
type PolicyConfig struct {
	Inbound  []DirectiveConfig `yaml:"inbound"`
	Backend  []DirectiveConfig `yaml:"backend"`
	Outbound []DirectiveConfig `yaml:"outbound"`
	OnError  []DirectiveConfig `yaml:"on_error"`
}

// DirectiveConfig is one policy directive. Type selects which of the
// optional payloads applies; "base" carries no payload and marks where the
// parent scope's directives splice in.
type DirectiveConfig struct {
	Type      string           `yaml:"type"`
	CORS      *CORSConfig      `yaml:"cors"`
	RateLimit *RateLimitConfig `yaml:"rate_limit"`
	BackendID string           `yaml:"backend_id"`
	Header    *HeaderConfig    `yaml:"header"`
	Message   string           `yaml:"message"` // log directive
}

// CORSConfig declares the allowed cross-origin surface.
type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowed_origins"`
	AllowedMethods   []string `yaml:"allowed_methods"`
	AllowedHeaders   []string `yaml:"allowed_headers"`
	AllowCredentials bool     `yaml:"allow_credentials"`
	MaxAge           int      `yaml:"max_age"`
}

// RateLimitConfig declares a fixed-window call quota.
type RateLimitConfig struct {
	Calls                int `yaml:"calls"`
	RenewalPeriodSeconds int `yaml:"renewal_period_seconds"`
}

// HeaderConfig names a header to inject on the outbound stage.
type HeaderConfig struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

// DefaultConfig returns a config populated with engine defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:           ":8080",
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			MaxHeaderBytes:    1 << 20,
			ShutdownTimeout:   30 * time.Second,
		},
		Admin: AdminConfig{
			Enabled: false,
			Port:    9090,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		RateLimitKey: RateLimitKeyConfig{
			Source: KeySubscription,
			Header: "Subscription-Key",
		},
	}
}
