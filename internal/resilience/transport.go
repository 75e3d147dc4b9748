// Package resilience provides the upstream HTTP transport, retry policy, and
// circuit breaker used for talking to the remote model API.
package resilience

import (
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/http2"
)

// Transport settings tuned for long-lived streamed completions against a
// single upstream host.
var transportConfig = struct {
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
	IdleConnTimeout       time.Duration
	TLSHandshakeTimeout   time.Duration
	ExpectContinueTimeout time.Duration
	ResponseHeaderTimeout time.Duration
	DialTimeout           time.Duration
	KeepAlive             time.Duration
	H2ReadIdleTimeout     time.Duration
	H2PingTimeout         time.Duration
}{
	MaxIdleConns:          64,
	MaxIdleConnsPerHost:   32,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ResponseHeaderTimeout: 600 * time.Second,
	DialTimeout:           30 * time.Second,
	KeepAlive:             30 * time.Second,

	// HTTP/2 pings keep long streams from dying silently on idle links.
	H2ReadIdleTimeout: 30 * time.Second,
	H2PingTimeout:     15 * time.Second,
}

var (
	sharedTransport     *http.Transport
	sharedTransportOnce sync.Once
)

// SharedTransport returns the process-wide upstream transport: pooled
// connections, HTTP/2 with keepalive pings, TLS 1.2 minimum.
func SharedTransport() *http.Transport {
	sharedTransportOnce.Do(func() {
		dialer := &net.Dialer{
			Timeout:   transportConfig.DialTimeout,
			KeepAlive: transportConfig.KeepAlive,
		}
		sharedTransport = &http.Transport{
			DialContext:           dialer.DialContext,
			MaxIdleConns:          transportConfig.MaxIdleConns,
			MaxIdleConnsPerHost:   transportConfig.MaxIdleConnsPerHost,
			IdleConnTimeout:       transportConfig.IdleConnTimeout,
			TLSHandshakeTimeout:   transportConfig.TLSHandshakeTimeout,
			ExpectContinueTimeout: transportConfig.ExpectContinueTimeout,
			ResponseHeaderTimeout: transportConfig.ResponseHeaderTimeout,
			ForceAttemptHTTP2:     true,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			WriteBufferSize: 64 * 1024,
			ReadBufferSize:  64 * 1024,
		}
		configureHTTP2(sharedTransport)
	})
	return sharedTransport
}

func configureHTTP2(transport *http.Transport) {
	h2, err := http2.ConfigureTransports(transport)
	if err != nil {
		return
	}
	h2.ReadIdleTimeout = transportConfig.H2ReadIdleTimeout
	h2.PingTimeout = transportConfig.H2PingTimeout
}

// NewHTTPClient builds a client on the shared transport. The timeout covers
// the whole exchange for buffered requests; streaming callers pass 0 and rely
// on context cancellation plus the stall watcher instead.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: SharedTransport(),
		Timeout:   timeout,
	}
}
