// Package gateway assembles configuration into an immutable runtime snapshot
// and serves requests against it. Reload builds a new snapshot off to the
// side and swaps it in atomically; in-flight requests finish on the snapshot
// they started with.
package gateway

import (
	"fmt"
	"net/url"

	"github.com/example/apigateway/internal/backend"
	"github.com/example/apigateway/internal/config"
	"github.com/example/apigateway/internal/cors"
	"github.com/example/apigateway/internal/pipeline"
	"github.com/example/apigateway/internal/policy"
	"github.com/example/apigateway/internal/proxy"
	"github.com/example/apigateway/internal/route"
)

// Runtime is one activation snapshot: resolver, backend registry, and the
// precompiled operations. Read-only once built.
type Runtime struct {
	resolver   *route.Resolver
	backends   *backend.Registry
	operations map[string]*pipeline.Operation // key: apiName + "\x00" + operationID
	apis       []APIStatus

	// globalCORS decorates responses written before a route resolves, so
	// browser callers can read routing errors too. Nil when the global
	// policy has no cors directive.
	globalCORS *cors.Evaluator
}

// APIStatus is the admin-surface view of one deployed API.
type APIStatus struct {
	Name       string   `json:"name"`
	Path       string   `json:"path"`
	Version    string   `json:"version"`
	Backend    string   `json:"default_backend"`
	Operations []string `json:"operations"`
	Published  bool     `json:"published"`
}

// BuildRuntime compiles a validated config into a runtime snapshot. All
// per-request work that can be done once happens here: URL parsing,
// transport construction, policy flattening, CORS compilation, route tree
// registration.
func BuildRuntime(cfg *config.Config) (*Runtime, error) {
	backends := make([]*backend.Backend, 0, len(cfg.Backends))
	for _, bc := range cfg.Backends {
		u, err := url.Parse(bc.URL)
		if err != nil {
			return nil, fmt.Errorf("backend %s: parsing url: %w", bc.ID, err)
		}
		transport, err := proxy.NewTransport(bc)
		if err != nil {
			return nil, err
		}
		backends = append(backends, &backend.Backend{
			ID:        bc.ID,
			URL:       u,
			Timeout:   bc.Timeout,
			Transport: transport,
		})
	}

	// Product membership determines exposure and subscription gating.
	published := make(map[string]bool)
	subscriptionRequired := make(map[string]bool)
	inProduct := make(map[string]bool)
	for _, p := range cfg.Products {
		for _, apiName := range p.APIs {
			inProduct[apiName] = true
			if p.Published {
				published[apiName] = true
			}
			if p.SubscriptionRequired {
				subscriptionRequired[apiName] = true
			}
		}
	}

	rt := &Runtime{
		backends:   backend.NewRegistry(backends),
		operations: make(map[string]*pipeline.Operation),
	}
	if cc := policy.Flatten(cfg.GlobalPolicy, nil, nil).CORS(); cc != nil {
		rt.globalCORS = cors.New(*cc)
	}

	builder := route.NewBuilder()
	for _, api := range cfg.APIs {
		// An API in no product is deployable directly; an API in products
		// is exposed only while at least one of them is published.
		exposed := !inProduct[api.Name] || published[api.Name]
		if !exposed {
			continue
		}

		specs := make([]route.OperationSpec, 0, len(api.Operations))
		opIDs := make([]string, 0, len(api.Operations))
		for _, op := range api.Operations {
			specs = append(specs, route.OperationSpec{
				ID:       op.OperationID,
				Method:   op.Method,
				Template: op.URLTemplate,
			})
			opIDs = append(opIDs, op.OperationID)

			eff := policy.Flatten(cfg.GlobalPolicy, api.Policy, op.Policy)
			runtime := &pipeline.Operation{
				APIName:              api.Name,
				OperationID:          op.OperationID,
				Effective:            eff,
				RateLimits:           eff.RateLimits(),
				DefaultBackendID:     api.DefaultBackendID,
				SubscriptionRequired: subscriptionRequired[api.Name],
			}
			if cc := eff.CORS(); cc != nil {
				runtime.CORS = cors.New(*cc)
			}
			rt.operations[operationKey(api.Name, op.OperationID)] = runtime
		}

		if err := builder.AddAPI(route.APISpec{
			Name:       api.Name,
			BasePath:   api.Path,
			Version:    api.Version,
			Operations: specs,
		}); err != nil {
			return nil, err
		}

		rt.apis = append(rt.apis, APIStatus{
			Name:       api.Name,
			Path:       api.Path,
			Version:    api.Version,
			Backend:    api.DefaultBackendID,
			Operations: opIDs,
			Published:  published[api.Name],
		})
	}

	rt.resolver = builder.Build()
	return rt, nil
}

// Operation returns the precompiled operation for a route match.
func (rt *Runtime) Operation(apiName, operationID string) *pipeline.Operation {
	return rt.operations[operationKey(apiName, operationID)]
}

// Resolver returns the snapshot's route resolver.
func (rt *Runtime) Resolver() *route.Resolver {
	return rt.resolver
}

// Backends returns the snapshot's backend registry.
func (rt *Runtime) Backends() *backend.Registry {
	return rt.backends
}

// GlobalCORS returns the evaluator compiled from the global policy, or nil.
func (rt *Runtime) GlobalCORS() *cors.Evaluator {
	return rt.globalCORS
}

// APIs returns the admin-surface API list.
func (rt *Runtime) APIs() []APIStatus {
	return rt.apis
}

func operationKey(apiName, operationID string) string {
	return apiName + "\x00" + operationID
}
