// Package pipeline executes the per-request policy state machine: inbound
// directives, backend call, outbound decoration, and the on-error path.
package pipeline

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/example/apigateway/internal/backend"
	"github.com/example/apigateway/internal/config"
	"github.com/example/apigateway/internal/cors"
	"github.com/example/apigateway/internal/errors"
	"github.com/example/apigateway/internal/events"
	"github.com/example/apigateway/internal/metrics"
	"github.com/example/apigateway/internal/policy"
	"github.com/example/apigateway/internal/proxy"
	"github.com/example/apigateway/internal/ratelimit"
	"github.com/example/apigateway/internal/route"
)

// Operation is the precompiled runtime form of one routable operation:
// flattened policy, compiled CORS evaluator, and resolved defaults. Built at
// snapshot load time, read-only afterwards.
type Operation struct {
	APIName              string
	OperationID          string
	Effective            *policy.Effective
	CORS                 *cors.Evaluator // nil when no cors directive applies
	RateLimits           []policy.RateLimit
	DefaultBackendID     string
	SubscriptionRequired bool
}

// Pipeline runs requests through their effective policy. One instance serves
// all operations; per-operation state lives in Operation, and the backend
// registry is supplied per call because it belongs to the active snapshot.
type Pipeline struct {
	limiter   *ratelimit.Store
	forwarder *proxy.Forwarder
	metrics   *metrics.Collector
	events    *events.Emitter
	keyCfg    config.RateLimitKeyConfig
	logger    *zap.Logger
}

// New creates a pipeline over shared gateway state.
func New(limiter *ratelimit.Store, forwarder *proxy.Forwarder, collector *metrics.Collector, emitter *events.Emitter, keyCfg config.RateLimitKeyConfig, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		limiter:   limiter,
		forwarder: forwarder,
		metrics:   collector,
		events:    emitter,
		keyCfg:    keyCfg,
		logger:    logger,
	}
}

// Execute runs one resolved request through the stages. Errors in any stage
// divert to the on-error path; a panic inside a directive degrades to a
// generic 500 so the error path itself cannot take the gateway down.
func (p *Pipeline) Execute(backends *backend.Registry, w http.ResponseWriter, r *http.Request, op *Operation, m *route.Match, requestID string) {
	start := time.Now()

	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error("panic in policy execution",
				zap.String("request_id", requestID),
				zap.String("operation", op.OperationID),
				zap.Any("panic", rec))
			ge := errors.ErrInternal.WithRequestID(requestID)
			ge.WriteJSON(w)
			p.finish(r, op, requestID, "", ge.Code, string(ge.Kind), start)
		}
	}()

	// Preflight requests are answered entirely at the gateway; the backend
	// never sees them.
	if op.CORS != nil && cors.IsPreflight(r) {
		op.CORS.HandlePreflight(w, r)
		p.finish(r, op, requestID, "", http.StatusNoContent, "ok", start)
		return
	}

	if ge, retryAfter := p.runInbound(r, op); ge != nil {
		p.fail(w, r, op, requestID, "", ge, retryAfter, start)
		return
	}

	b, err := backends.Select(op.Effective, op.DefaultBackendID)
	if err != nil {
		p.logger.Error("operation has no usable backend",
			zap.String("request_id", requestID),
			zap.String("operation", op.OperationID),
			zap.Error(err))
		p.fail(w, r, op, requestID, "", errors.ErrConfiguration.WrapInternal(err), 0, start)
		return
	}

	resp, err := p.forwarder.RoundTrip(r, b, m.Remainder)
	if err != nil {
		if stderrors.Is(err, proxy.ErrClientGone) {
			// Nobody is listening; abandon without writing a response.
			p.finish(r, op, requestID, b.ID, 0, "client_gone", start)
			return
		}
		ge := classifyBackendError(err)
		p.metrics.RecordBackendError(b.ID, string(ge.Kind))
		p.logger.Warn("backend call failed",
			zap.String("request_id", requestID),
			zap.String("backend", b.ID),
			zap.Error(err))
		p.fail(w, r, op, requestID, b.ID, ge.WrapInternal(err), 0, start)
		return
	}

	proxy.WriteResponse(w, resp, func(h http.Header) {
		p.decorateOutbound(h, r, op, requestID)
	})
	p.finish(r, op, requestID, b.ID, resp.StatusCode, "ok", start)
}

// runInbound walks the inbound directives in order. It returns the error
// that should short-circuit the request, or nil, plus the Retry-After hint
// for rate-limit rejections.
func (p *Pipeline) runInbound(r *http.Request, op *Operation) (*errors.GatewayError, time.Duration) {
	if op.SubscriptionRequired && p.subscriptionKey(r) == "" {
		return errors.ErrUnauthorized, 0
	}

	identity := p.identity(r)
	limitIdx := 0
	for _, d := range op.Effective.Inbound {
		switch d.Type {
		case config.DirectiveRateLimit:
			if limitIdx >= len(op.RateLimits) {
				break
			}
			rl := op.RateLimits[limitIdx]
			limitIdx++
			dec := p.limiter.Admit(p.counterKey(identity, op, rl), rl.Calls, rl.Renewal)
			if !dec.Allowed {
				p.metrics.RecordRateLimitReject(op.APIName, op.OperationID)
				return errors.ErrTooManyRequests, dec.RetryAfter
			}
		case config.DirectiveLog:
			p.logger.Info(d.Message,
				zap.String("api", op.APIName),
				zap.String("operation", op.OperationID),
				zap.String("stage", "inbound"))
		}
	}
	return nil, 0
}

// counterKey builds the shared-counter key: identity plus declaring scope.
// API-scope counters omit the operation so sibling operations share them;
// global-scope counters are shared by every API.
func (p *Pipeline) counterKey(identity string, op *Operation, rl policy.RateLimit) string {
	switch rl.Scope {
	case policy.ScopeGlobal:
		return fmt.Sprintf("g|%d|%s", rl.Ordinal, identity)
	case policy.ScopeAPI:
		return fmt.Sprintf("a|%s|%d|%s", op.APIName, rl.Ordinal, identity)
	default:
		return fmt.Sprintf("o|%s|%s|%d|%s", op.APIName, op.OperationID, rl.Ordinal, identity)
	}
}

// identity returns the string rate-limit counters are keyed by. When the
// configured source is the subscription key but the caller sent none, the
// client IP stands in so anonymous traffic still shares fair quotas.
func (p *Pipeline) identity(r *http.Request) string {
	if p.keyCfg.Source == config.KeySubscription {
		if key := p.subscriptionKey(r); key != "" {
			return key
		}
	}
	return proxy.ClientIP(r)
}

func (p *Pipeline) subscriptionKey(r *http.Request) string {
	return r.Header.Get(p.keyCfg.Header)
}

// decorateOutbound applies outbound directives and CORS headers to a
// response about to be written.
func (p *Pipeline) decorateOutbound(h http.Header, r *http.Request, op *Operation, requestID string) {
	for _, hdr := range op.Effective.OutboundHeaders() {
		h.Set(hdr.Name, hdr.Value)
	}
	for _, d := range op.Effective.Outbound {
		if d.Type == config.DirectiveLog {
			p.logger.Info(d.Message,
				zap.String("api", op.APIName),
				zap.String("operation", op.OperationID),
				zap.String("stage", "outbound"))
		}
	}
	if op.CORS != nil {
		op.CORS.ApplyHeaders(h, r)
	}
	h.Set("X-Request-Id", requestID)
}

// fail runs the on-error path: on-error log directives, then the JSON error
// body with CORS headers so browser callers can read it.
func (p *Pipeline) fail(w http.ResponseWriter, r *http.Request, op *Operation, requestID, backendID string, ge *errors.GatewayError, retryAfter time.Duration, start time.Time) {
	for _, d := range op.Effective.OnError {
		if d.Type == config.DirectiveLog {
			p.logger.Info(d.Message,
				zap.String("api", op.APIName),
				zap.String("operation", op.OperationID),
				zap.String("stage", "on_error"),
				zap.Int("status", ge.Code))
		}
	}

	if op.CORS != nil {
		op.CORS.ApplyHeaders(w.Header(), r)
	}
	w.Header().Set("X-Request-Id", requestID)
	if retryAfter > 0 {
		// Whole seconds, rounded up so clients never retry early.
		secs := int64((retryAfter + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	ge.WithRequestID(requestID).WriteJSON(w)
	p.finish(r, op, requestID, backendID, ge.Code, string(ge.Kind), start)
}

// finish records metrics and emits the request event.
func (p *Pipeline) finish(r *http.Request, op *Operation, requestID, backendID string, status int, outcome string, start time.Time) {
	latency := time.Since(start)
	if status > 0 {
		p.metrics.RecordRequest(op.APIName, op.OperationID, status, latency)
	}
	p.events.Emit(events.Event{
		RequestID:   requestID,
		Method:      r.Method,
		Path:        r.URL.Path,
		APIName:     op.APIName,
		OperationID: op.OperationID,
		BackendID:   backendID,
		Status:      status,
		Outcome:     outcome,
		ClientIP:    proxy.ClientIP(r),
		Latency:     latency,
	})
}

// classifyBackendError maps a transport failure to the client-visible error.
func classifyBackendError(err error) *errors.GatewayError {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.ErrBackendTimeout
	}
	return errors.ErrBackendUnavailable
}
