package proxy

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/example/apigateway/internal/config"
)

// Connection pool and handshake settings shared by all backend transports.
const (
	defaultMaxIdleConns        = 100
	defaultMaxIdleConnsPerHost = 10
	defaultIdleConnTimeout     = 90 * time.Second
	defaultDialTimeout         = 30 * time.Second
	defaultTLSHandshakeTimeout = 10 * time.Second
)

// NewTransport builds the HTTP transport for one backend. The backend's
// certificate validation flags are compiled into the TLS config here, once,
// at snapshot load time.
func NewTransport(cfg config.BackendConfig) (*http.Transport, error) {
	dialer := &net.Dialer{
		Timeout:   defaultDialTimeout,
		KeepAlive: 30 * time.Second,
	}

	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("backend %s: parsing url: %w", cfg.ID, err)
	}

	tlsConfig, err := buildTLSConfig(cfg.TLS, u.Hostname())
	if err != nil {
		return nil, fmt.Errorf("backend %s: %w", cfg.ID, err)
	}

	return &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          defaultMaxIdleConns,
		MaxIdleConnsPerHost:   defaultMaxIdleConnsPerHost,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   defaultTLSHandshakeTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig:       tlsConfig,
		ForceAttemptHTTP2:     true,
	}, nil
}

// buildTLSConfig maps the two validation flags onto a tls.Config.
//
// Both on (the required default) uses the standard verifier. Any flag off
// disables the built-in verification and re-runs only the enabled checks in
// VerifyConnection, so chain and hostname validation toggle independently.
// hostname is the backend URL's host, pinned here because the connection
// state does not reliably carry it on the client side.
func buildTLSConfig(tlsCfg config.BackendTLSConfig, hostname string) (*tls.Config, error) {
	out := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	var roots *x509.CertPool
	if tlsCfg.CAFile != "" {
		pem, err := os.ReadFile(tlsCfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading ca_file: %w", err)
		}
		roots = x509.NewCertPool()
		if !roots.AppendCertsFromPEM(pem) {
			return nil, errors.New("ca_file contains no usable certificates")
		}
		out.RootCAs = roots
	}

	validateChain := tlsCfg.ValidateChain()
	validateName := tlsCfg.ValidateName()

	if validateChain && validateName {
		return out, nil
	}

	out.InsecureSkipVerify = true
	if !validateChain && !validateName {
		return out, nil
	}

	out.VerifyConnection = func(cs tls.ConnectionState) error {
		if len(cs.PeerCertificates) == 0 {
			return errors.New("backend presented no certificate")
		}
		leaf := cs.PeerCertificates[0]

		if validateChain {
			opts := x509.VerifyOptions{
				Roots:         roots, // nil uses system roots
				Intermediates: x509.NewCertPool(),
				// DNSName left empty: hostname is checked separately below.
			}
			for _, cert := range cs.PeerCertificates[1:] {
				opts.Intermediates.AddCert(cert)
			}
			if _, err := leaf.Verify(opts); err != nil {
				return err
			}
		}

		if validateName {
			if err := leaf.VerifyHostname(hostname); err != nil {
				return err
			}
		}

		return nil
	}

	return out, nil
}
