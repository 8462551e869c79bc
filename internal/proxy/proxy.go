package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/example/apigateway/internal/backend"
)

// ErrClientGone reports that the client disconnected while the backend call
// was in flight. The in-flight request is cancelled and no response is
// written.
var ErrClientGone = errors.New("client disconnected during backend call")

// Forwarder performs the outbound call to a backend. Single attempt, no
// retries at any layer; connection errors fail fast and report upstream.
type Forwarder struct {
	defaultTimeout time.Duration
}

// New creates a forwarder.
func New() *Forwarder {
	return &Forwarder{defaultTimeout: 30 * time.Second}
}

// RoundTrip forwards the request to the backend and returns its response.
// remainder is the operation path after base path and version segment; it is
// appended to the backend URL's path. The backend's timeout bounds the call.
//
// The caller owns the returned response body.
func (f *Forwarder) RoundTrip(r *http.Request, b *backend.Backend, remainder string) (*http.Response, error) {
	timeout := b.Timeout
	if timeout == 0 {
		timeout = f.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)

	resp, err := b.Transport.RoundTrip(f.buildRequest(ctx, r, b, remainder))
	if err != nil {
		cancel()
		// Distinguish the client hanging up from the backend timing out:
		// the parent context cancels only on client disconnect.
		if r.Context().Err() != nil {
			return nil, ErrClientGone
		}
		return nil, err
	}

	// Tie the cancel to body close so the timeout covers response streaming.
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// buildRequest constructs the outbound request: backend URL plus remainder,
// original query, headers minus hop-by-hop, forwarding headers added.
func (f *Forwarder) buildRequest(ctx context.Context, r *http.Request, b *backend.Backend, remainder string) *http.Request {
	targetURL := *b.URL
	targetURL.Path = singleJoiningSlash(b.URL.Path, remainder)
	targetURL.RawQuery = r.URL.RawQuery

	out := (&http.Request{
		Method:        r.Method,
		URL:           &targetURL,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          r.Body,
		ContentLength: r.ContentLength,
		Host:          b.URL.Host,
	}).WithContext(ctx)

	out.Header = make(http.Header, len(r.Header)+3)
	for k, vv := range r.Header {
		out.Header[k] = vv
	}

	if clientIP := ClientIP(r); clientIP != "" {
		if prior := out.Header.Get("X-Forwarded-For"); prior != "" {
			out.Header.Set("X-Forwarded-For", prior+", "+clientIP)
		} else {
			out.Header.Set("X-Forwarded-For", clientIP)
		}
	}
	if r.TLS != nil {
		out.Header.Set("X-Forwarded-Proto", "https")
	} else {
		out.Header.Set("X-Forwarded-Proto", "http")
	}
	out.Header.Set("X-Forwarded-Host", r.Host)

	RemoveHopHeaders(out.Header)

	return out
}

// WriteResponse streams a backend response to the client. decorate, if
// non-nil, runs after headers are copied but before they are written, so
// outbound directives can inject or adjust headers.
func WriteResponse(w http.ResponseWriter, resp *http.Response, decorate func(http.Header)) {
	defer resp.Body.Close()

	dst := w.Header()
	for k, vv := range resp.Header {
		dst[k] = append(dst[k][:0:0], vv...)
	}
	RemoveHopHeaders(dst)

	if decorate != nil {
		decorate(dst)
	}

	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// cancelOnClose releases the call's timeout context when the response body
// is drained or closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// ClientIP extracts the caller's network identity from RemoteAddr.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Hop-by-hop headers that never cross the proxy.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// RemoveHopHeaders deletes hop-by-hop headers in place.
func RemoveHopHeaders(header http.Header) {
	for _, h := range hopHeaders {
		header.Del(h)
	}
}

// singleJoiningSlash joins two URL paths with a single slash.
func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}
