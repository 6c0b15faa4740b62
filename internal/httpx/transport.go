package httpx

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/http/httpproxy"
)

// Doer is the narrow *http.Client surface the transfer engine depends on,
// so tests can substitute a fake transport without a real socket.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// NewTransferClient returns an *http.Client tuned for many concurrent,
// long-lived transfers: a generous idle-connection pool so repeat requests
// to the same host reuse a TCP+TLS session instead of paying that cost on
// every retry.
//
// proxy and certPins come straight from a task's Config (spec.md §3) and
// are per-task, not global: "" for proxy means use the system/environment
// proxy settings, same as the teacher's ConfigureHTTPClient's "system" mode;
// anything else is parsed as an explicit proxy URL and resolved through
// golang.org/x/net/http/httpproxy so a NO_PROXY-style bypass list still
// applies, matching proxyFuncWithBypass. A non-empty certPins list pins the
// connection to one of the listed SHA-256 SPKI fingerprints (hex-encoded)
// in addition to normal chain verification.
func NewTransferClient(connectTimeout time.Duration, proxy string, certPins []string) (*http.Client, error) {
	if connectTimeout <= 0 {
		connectTimeout = 30 * time.Second
	}

	proxyFunc, err := proxyFuncFor(proxy)
	if err != nil {
		return nil, err
	}

	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if len(certPins) > 0 {
		tlsConfig.VerifyPeerCertificate = pinVerifier(certPins)
	}

	transport := &http.Transport{
		Proxy: proxyFunc,
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:       tlsConfig,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		// The engine always knows the exact byte range it wants; letting
		// the transport negotiate compression would make Content-Length
		// and the Range math unreliable.
		DisableCompression: true,
	}
	return &http.Client{
		Transport: transport,
		// No client-wide timeout: total_timeout is enforced per task by the
		// engine via context deadlines derived from the task's remaining budget.
	}, nil
}

// proxyFuncFor builds the Transport.Proxy func for a task's proxy setting.
// An empty string defers to the environment, matching http.ProxyFromEnvironment;
// an explicit URL is resolved per-request through httpproxy.Config so the
// usual NO_PROXY bypass semantics apply to it too.
func proxyFuncFor(proxy string) (func(*http.Request) (*url.URL, error), error) {
	if proxy == "" {
		return http.ProxyFromEnvironment, nil
	}
	proxyURL, err := url.Parse(proxy)
	if err != nil {
		return nil, fmt.Errorf("httpx: parse proxy url %q: %w", proxy, err)
	}
	cfg := httpproxy.Config{
		HTTPProxy:  proxyURL.String(),
		HTTPSProxy: proxyURL.String(),
		NoProxy:    httpproxy.FromEnvironment().NoProxy,
	}
	resolve := cfg.ProxyFunc()
	return func(req *http.Request) (*url.URL, error) {
		return resolve(req.URL)
	}, nil
}

// pinVerifier returns a tls.Config.VerifyPeerCertificate callback that
// accepts the connection only if some certificate in the presented chain's
// SHA-256 SPKI fingerprint matches one of pins (case-insensitive hex).
func pinVerifier(pins []string) func([][]byte, [][]*x509.Certificate) error {
	pinSet := make(map[string]bool, len(pins))
	for _, p := range pins {
		pinSet[strings.ToLower(strings.TrimSpace(p))] = true
	}
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		for _, raw := range rawCerts {
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				continue
			}
			sum := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
			if pinSet[hex.EncodeToString(sum[:])] {
				return nil
			}
		}
		return fmt.Errorf("httpx: no certificate in chain matched configured pins")
	}
}

// WithDeadline derives a context carrying the remaining total_timeout
// budget for one engine pass.
func WithDeadline(parent context.Context, remaining time.Duration) (context.Context, context.CancelFunc) {
	if remaining <= 0 {
		return parent, func() {}
	}
	return context.WithTimeout(parent, remaining)
}
