package policy

import (
	"time"

	"github.com/example/apigateway/internal/config"
)

// Scope names the policy document a directive was declared in. Rate-limit
// counters are keyed per declaring scope, so an API-scope quota is shared by
// every operation that inherits it.
type Scope string

const (
	ScopeGlobal    Scope = "global"
	ScopeAPI       Scope = "api"
	ScopeOperation Scope = "operation"
)

// Directive is one flattened policy directive tagged with its origin scope.
type Directive struct {
	config.DirectiveConfig
	Scope Scope
}

// Effective is the flattened directive sequence for one operation, produced
// once at snapshot build time. Request handling only ever reads it.
//
// Merging follows the base-marker rule: directives before a scope's base
// marker run before the parent scope's directives, directives after it run
// after. A non-empty stage without a base marker suppresses the parent's
// stage; an absent policy document or empty stage inherits the parent
// unchanged. A base marker with no parent scope is a no-op.
type Effective struct {
	Inbound  []Directive
	Backend  []Directive
	Outbound []Directive
	OnError  []Directive
}

// RateLimit is one flattened rate-limit directive, ready for enforcement.
type RateLimit struct {
	Calls   int
	Renewal time.Duration
	Scope   Scope
	Ordinal int // position among this scope's rate limits, for counter keys
}

// Flatten merges the global, API, and operation policy documents into one
// effective policy. Any of the three may be nil.
func Flatten(global, api, operation *config.PolicyConfig) *Effective {
	globalEff := flattenScope(global, ScopeGlobal, nil)
	apiEff := flattenScope(api, ScopeAPI, globalEff)
	return flattenScope(operation, ScopeOperation, apiEff)
}

// flattenScope splices the parent's flattened stages into the child at the
// base marker position, stage by stage.
func flattenScope(child *config.PolicyConfig, scope Scope, parent *Effective) *Effective {
	if child == nil {
		// Absent policy inherits the parent unchanged.
		if parent == nil {
			return &Effective{}
		}
		return parent
	}

	var parentInbound, parentBackend, parentOutbound, parentOnError []Directive
	if parent != nil {
		parentInbound = parent.Inbound
		parentBackend = parent.Backend
		parentOutbound = parent.Outbound
		parentOnError = parent.OnError
	}

	return &Effective{
		Inbound:  spliceStage(child.Inbound, scope, parentInbound),
		Backend:  spliceStage(child.Backend, scope, parentBackend),
		Outbound: spliceStage(child.Outbound, scope, parentOutbound),
		OnError:  spliceStage(child.OnError, scope, parentOnError),
	}
}

// spliceStage replaces the base marker with the parent's directives.
// No marker means the parent stage is not inherited.
func spliceStage(child []config.DirectiveConfig, scope Scope, parent []Directive) []Directive {
	if len(child) == 0 {
		return parent
	}

	out := make([]Directive, 0, len(child)+len(parent))
	for _, d := range child {
		if d.Type == config.DirectiveBase {
			out = append(out, parent...)
			continue
		}
		out = append(out, Directive{DirectiveConfig: d, Scope: scope})
	}
	return out
}

// CORS returns the first CORS directive in the inbound stage, or nil.
func (e *Effective) CORS() *config.CORSConfig {
	for _, d := range e.Inbound {
		if d.Type == config.DirectiveCORS {
			return d.CORS
		}
	}
	return nil
}

// RateLimits returns all rate-limit directives in the inbound stage, in
// execution order. Each is enforced independently against its own counter.
func (e *Effective) RateLimits() []RateLimit {
	var out []RateLimit
	perScope := make(map[Scope]int)
	for _, d := range e.Inbound {
		if d.Type != config.DirectiveRateLimit || d.RateLimit == nil {
			continue
		}
		out = append(out, RateLimit{
			Calls:   d.RateLimit.Calls,
			Renewal: time.Duration(d.RateLimit.RenewalPeriodSeconds) * time.Second,
			Scope:   d.Scope,
			Ordinal: perScope[d.Scope],
		})
		perScope[d.Scope]++
	}
	return out
}

// BackendID returns the backend chosen by the backend stage. The last
// set-backend-service directive wins, matching textual policy semantics
// where later directives override earlier ones.
func (e *Effective) BackendID() string {
	id := ""
	for _, d := range e.Backend {
		if d.Type == config.DirectiveSetBackend {
			id = d.BackendID
		}
	}
	return id
}

// OutboundHeaders returns the headers injected by the outbound stage.
func (e *Effective) OutboundHeaders() []config.HeaderConfig {
	var out []config.HeaderConfig
	for _, d := range e.Outbound {
		if d.Type == config.DirectiveSetHeader && d.Header != nil {
			out = append(out, *d.Header)
		}
	}
	return out
}
