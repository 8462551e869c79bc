package gateway

import (
	stderrors "errors"
	"net/http"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/apigateway/internal/config"
	"github.com/example/apigateway/internal/errors"
	"github.com/example/apigateway/internal/events"
	"github.com/example/apigateway/internal/metrics"
	"github.com/example/apigateway/internal/pipeline"
	"github.com/example/apigateway/internal/proxy"
	"github.com/example/apigateway/internal/ratelimit"
	"github.com/example/apigateway/internal/route"
)

func init() {
	// Request IDs are minted on every request; the pool amortizes the
	// entropy reads.
	uuid.EnableRandPool()
}

// Gateway routes requests to operations and runs them through the policy
// pipeline. The active runtime snapshot is swapped atomically on reload;
// rate-limit counters live here so they survive swaps.
type Gateway struct {
	runtime  atomic.Pointer[Runtime]
	pipeline *pipeline.Pipeline
	limiter  *ratelimit.Store
	metrics  *metrics.Collector
	events   *events.Emitter
	logger   *zap.Logger
}

// New builds a gateway from a validated config.
func New(cfg *config.Config, logger *zap.Logger) (*Gateway, error) {
	rt, err := BuildRuntime(cfg)
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		limiter: ratelimit.NewStore(),
		metrics: metrics.NewCollector(),
		events:  events.NewEmitter(logger, cfg.Logging.RequestLog),
		logger:  logger,
	}
	g.runtime.Store(rt)
	g.pipeline = pipeline.New(
		g.limiter,
		proxy.New(),
		g.metrics,
		g.events,
		cfg.RateLimitKey,
		logger,
	)
	return g, nil
}

// Reload builds a runtime from the new config and swaps it in. On error the
// previous snapshot stays active.
func (g *Gateway) Reload(cfg *config.Config) error {
	rt, err := BuildRuntime(cfg)
	if err != nil {
		g.metrics.RecordReload(false)
		return err
	}
	g.runtime.Store(rt)
	g.metrics.RecordReload(true)
	g.logger.Info("configuration reloaded",
		zap.Int("apis", len(rt.apis)),
		zap.Int("backends", rt.backends.Len()))
	return nil
}

// Runtime returns the active snapshot.
func (g *Gateway) Runtime() *Runtime {
	return g.runtime.Load()
}

// Metrics returns the gateway's metrics collector.
func (g *Gateway) Metrics() *metrics.Collector {
	return g.metrics
}

// Close releases the gateway's background resources.
func (g *Gateway) Close() {
	g.limiter.Close()
	g.events.Close()
}

// ServeHTTP is the frontend entry point: assign a request ID, resolve the
// route against the active snapshot, and hand off to the pipeline.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-Id")
	if requestID == "" {
		requestID = uuid.NewString()
	}

	rt := g.runtime.Load()

	// Preflights resolve against the method they ask about; operations are
	// registered under their actual methods, not OPTIONS.
	method := r.Method
	if r.Method == http.MethodOptions {
		if acrm := r.Header.Get("Access-Control-Request-Method"); acrm != "" && r.Header.Get("Origin") != "" {
			method = acrm
		}
	}

	m, err := rt.Resolver().Resolve(method, r.URL.Path)
	if err != nil {
		g.writeRoutingError(rt, w, r, requestID, err)
		return
	}

	op := rt.Operation(m.APIName, m.OperationID)
	if op == nil {
		// Resolver and operation table are built from the same config, so
		// this indicates a snapshot construction bug.
		g.logger.Error("resolved operation missing from snapshot",
			zap.String("api", m.APIName),
			zap.String("operation", m.OperationID))
		errors.ErrInternal.WithRequestID(requestID).WriteJSON(w)
		return
	}

	g.pipeline.Execute(rt.Backends(), w, r, op, m, requestID)
}

// writeRoutingError maps resolution failures to the shared 404 body and
// records the distinct reason in the request event. Global-policy CORS
// headers are applied so browser callers can read the error body.
func (g *Gateway) writeRoutingError(rt *Runtime, w http.ResponseWriter, r *http.Request, requestID string, err error) {
	var ge *errors.GatewayError
	var outcome string
	switch {
	case stderrors.Is(err, route.ErrUnknownVersion):
		ge, outcome = errors.ErrUnknownVersion, "unknown_version"
	case stderrors.Is(err, route.ErrOperationNotFound):
		ge, outcome = errors.ErrOperationNotFound, "operation_not_found"
	default:
		ge, outcome = errors.ErrNotFound, "no_api_match"
	}

	if e := rt.GlobalCORS(); e != nil {
		e.ApplyHeaders(w.Header(), r)
	}
	w.Header().Set("X-Request-Id", requestID)
	ge.WithRequestID(requestID).WriteJSON(w)

	g.metrics.RecordRequest("", "", ge.Code, 0)
	g.events.Emit(events.Event{
		RequestID: requestID,
		Method:    r.Method,
		Path:      r.URL.Path,
		Status:    ge.Code,
		Outcome:   outcome,
		ClientIP:  proxy.ClientIP(r),
	})
}
