package cors

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/example/apigateway/internal/config"
)

// Evaluator makes stateless CORS decisions for one effective policy.
// It is compiled once at snapshot build time.
type Evaluator struct {
	allowOrigins     []string
	allowMethods     string
	allowHeaders     string
	allowCredentials bool
	maxAge           string
	allowAllOrigins  bool
}

// New compiles an evaluator from a CORS directive.
func New(cfg config.CORSConfig) *Evaluator {
	e := &Evaluator{
		allowOrigins:     cfg.AllowedOrigins,
		allowCredentials: cfg.AllowCredentials,
	}

	if len(cfg.AllowedMethods) > 0 {
		e.allowMethods = strings.Join(cfg.AllowedMethods, ", ")
	} else {
		e.allowMethods = "GET, POST, PUT, DELETE, PATCH, OPTIONS"
	}

	if len(cfg.AllowedHeaders) > 0 {
		e.allowHeaders = strings.Join(cfg.AllowedHeaders, ", ")
	} else {
		e.allowHeaders = "Content-Type, Authorization"
	}

	if cfg.MaxAge > 0 {
		e.maxAge = strconv.Itoa(cfg.MaxAge)
	} else {
		e.maxAge = "86400"
	}

	for _, o := range cfg.AllowedOrigins {
		if o == "*" {
			e.allowAllOrigins = true
			break
		}
	}

	return e
}

// IsPreflight reports whether the request is a CORS preflight.
func IsPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions &&
		r.Header.Get("Origin") != "" &&
		r.Header.Get("Access-Control-Request-Method") != ""
}

// HandlePreflight answers a preflight request entirely at the gateway.
// Disallowed origins get a bare 204 with no allow headers; the browser
// blocks from there.
func (e *Evaluator) HandlePreflight(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if !e.OriginAllowed(origin) {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Access-Control-Allow-Origin", e.responseOrigin(origin))
	w.Header().Set("Access-Control-Allow-Methods", e.allowMethods)
	w.Header().Set("Access-Control-Allow-Headers", e.allowHeaders)
	if e.allowCredentials && !e.allowAllOrigins {
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	}
	w.Header().Set("Access-Control-Max-Age", e.maxAge)
	w.Header().Set("Vary", "Origin, Access-Control-Request-Method, Access-Control-Request-Headers")
	w.WriteHeader(http.StatusNoContent)
}

// ApplyHeaders adds CORS headers to a non-preflight response. Requests
// from disallowed origins still reach the backend; omitting the allow
// header here is what makes the browser block the response.
func (e *Evaluator) ApplyHeaders(h http.Header, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" || !e.OriginAllowed(origin) {
		return
	}

	h.Set("Access-Control-Allow-Origin", e.responseOrigin(origin))
	if e.allowCredentials && !e.allowAllOrigins {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
	h.Set("Vary", "Origin")
}

// OriginAllowed reports whether the origin passes the declared list.
func (e *Evaluator) OriginAllowed(origin string) bool {
	if e.allowAllOrigins {
		return true
	}
	for _, allowed := range e.allowOrigins {
		if allowed == origin {
			return true
		}
	}
	return false
}

// responseOrigin returns the Access-Control-Allow-Origin value. A wildcard
// list answers "*", which per CORS semantics suppresses credentialed
// requests; an exact match echoes the caller's origin.
func (e *Evaluator) responseOrigin(origin string) string {
	if e.allowAllOrigins {
		return "*"
	}
	return origin
}
