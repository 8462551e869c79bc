package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Kind classifies an error for the per-request event and for operators.
type Kind string

const (
	KindRouting   Kind = "routing"    // no API / version / operation matched
	KindRateLimit Kind = "rate_limit" // fixed-window quota exceeded
	KindBackend   Kind = "backend"    // transport or TLS failure reaching the backend
	KindTimeout   Kind = "timeout"    // backend call exceeded its deadline
	KindConfig    Kind = "config"     // configuration problem detected at request time
	KindInternal  Kind = "internal"
)

// GatewayError is an error that can be returned to clients as JSON.
// The Kind never reaches the client body; configuration and backend detail
// stay in logs.
type GatewayError struct {
	Code       int    `json:"code"`
	Message    string `json:"message"`
	RequestID  string `json:"request_id,omitempty"`
	Kind       Kind   `json:"-"`
	underlying error
}

func (e *GatewayError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *GatewayError) Unwrap() error {
	return e.underlying
}

// WriteJSON writes the error as JSON to the response.
// Shared singletons use pre-serialized JSON to avoid allocations.
func (e *GatewayError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Code)
	if pre, ok := preSerialized[e]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(e)
}

// Common errors. Routing failures share one client-visible 404 body; the
// distinct reason travels in the request event, not the response.
var (
	ErrNotFound = &GatewayError{
		Code:    http.StatusNotFound,
		Message: "Resource Not Found",
		Kind:    KindRouting,
	}

	ErrUnknownVersion = &GatewayError{
		Code:    http.StatusNotFound,
		Message: "Resource Not Found",
		Kind:    KindRouting,
	}

	ErrOperationNotFound = &GatewayError{
		Code:    http.StatusNotFound,
		Message: "Resource Not Found",
		Kind:    KindRouting,
	}

	ErrTooManyRequests = &GatewayError{
		Code:    http.StatusTooManyRequests,
		Message: "Rate Limit Exceeded",
		Kind:    KindRateLimit,
	}

	ErrBackendUnavailable = &GatewayError{
		Code:    http.StatusBadGateway,
		Message: "Bad Gateway",
		Kind:    KindBackend,
	}

	ErrBackendTimeout = &GatewayError{
		Code:    http.StatusGatewayTimeout,
		Message: "Gateway Timeout",
		Kind:    KindTimeout,
	}

	ErrUnauthorized = &GatewayError{
		Code:    http.StatusUnauthorized,
		Message: "Subscription Key Required",
		Kind:    KindRouting,
	}

	ErrInternal = &GatewayError{
		Code:    http.StatusInternalServerError,
		Message: "Internal Server Error",
		Kind:    KindInternal,
	}

	ErrConfiguration = &GatewayError{
		Code:    http.StatusInternalServerError,
		Message: "Internal Server Error",
		Kind:    KindConfig,
	}
)

// preSerialized holds JSON-encoded bytes for the error singletons.
var preSerialized map[*GatewayError][]byte

func init() {
	bases := []*GatewayError{
		ErrNotFound, ErrUnknownVersion, ErrOperationNotFound,
		ErrTooManyRequests, ErrBackendUnavailable, ErrBackendTimeout,
		ErrUnauthorized, ErrInternal, ErrConfiguration,
	}
	preSerialized = make(map[*GatewayError][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(e)
		b = append(b, '\n') // match json.Encoder behavior
		preSerialized[e] = b
	}
}

// New creates a new GatewayError.
func New(code int, kind Kind, message string) *GatewayError {
	return &GatewayError{
		Code:    code,
		Message: message,
		Kind:    kind,
	}
}

// Wrap wraps an error with a client-visible code and message.
func Wrap(err error, code int, kind Kind, message string) *GatewayError {
	return &GatewayError{
		Code:       code,
		Message:    message,
		Kind:       kind,
		underlying: err,
	}
}

// WithRequestID returns a copy carrying the request ID.
func (e *GatewayError) WithRequestID(requestID string) *GatewayError {
	return &GatewayError{
		Code:       e.Code,
		Message:    e.Message,
		Kind:       e.Kind,
		RequestID:  requestID,
		underlying: e.underlying,
	}
}

// WrapInternal attaches an internal cause without changing the client body.
func (e *GatewayError) WrapInternal(err error) *GatewayError {
	return &GatewayError{
		Code:       e.Code,
		Message:    e.Message,
		Kind:       e.Kind,
		RequestID:  e.RequestID,
		underlying: err,
	}
}

// AsGatewayError checks if an error is a GatewayError.
func AsGatewayError(err error) (*GatewayError, bool) {
	if ge, ok := err.(*GatewayError); ok {
		return ge, true
	}
	return nil, false
}
