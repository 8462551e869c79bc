package backend

import (
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/example/apigateway/internal/policy"
)

// ErrNoBackend reports that neither the policy nor the API declares a
// backend for an operation. Detected at request time it is a configuration
// error, surfaced as 500 and logged as an operational alert.
var ErrNoBackend = errors.New("no backend configured for operation")

// Backend is the runtime form of a backend target: URL pre-parsed and the
// transport pre-built from the TLS validation flags at snapshot load.
type Backend struct {
	ID        string
	URL       *url.URL
	Timeout   time.Duration
	Transport http.RoundTripper
}

// Registry resolves backend IDs to handles. Built once per snapshot;
// read-only afterwards.
type Registry struct {
	backends map[string]*Backend
}

// NewRegistry creates a registry over the given backends.
func NewRegistry(backends []*Backend) *Registry {
	m := make(map[string]*Backend, len(backends))
	for _, b := range backends {
		m[b.ID] = b
	}
	return &Registry{backends: m}
}

// Get returns a backend by ID, or nil.
func (r *Registry) Get(id string) *Backend {
	return r.backends[id]
}

// Len returns the number of registered backends.
func (r *Registry) Len() int {
	return len(r.backends)
}

// Select returns the backend an operation's call goes to: the effective
// policy's set-backend-service target when present, else the API's default.
// References were validated at load time, so a miss here means the snapshot
// was built inconsistently.
func (r *Registry) Select(eff *policy.Effective, defaultID string) (*Backend, error) {
	id := eff.BackendID()
	if id == "" {
		id = defaultID
	}
	if id == "" {
		return nil, ErrNoBackend
	}
	b := r.backends[id]
	if b == nil {
		return nil, ErrNoBackend
	}
	return b, nil
}
