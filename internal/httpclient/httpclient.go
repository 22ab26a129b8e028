// Package httpclient builds the outbound HTTP clients used by fetchers.
package httpclient

import (
	"net/http"
	"time"

	"github.com/AeyeOps/sitesync/internal/logging"
)

// Connection pool sizing for crawl traffic, which concentrates many
// parallel requests on a handful of hosts. net/http's default of two idle
// connections per host would churn TCP under that pattern.
const (
	maxIdleConns        = 64
	maxIdleConnsPerHost = 16
	idleConnTimeout     = 90 * time.Second
)

// New returns an http.Client configured for outbound crawl requests.
//
// It respects HTTP(S)_PROXY/ALL_PROXY/NO_PROXY by default, but may bypass
// unreachable loopback proxies to keep local development environments working.
func New(timeout time.Duration, logger logging.Logger) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: Transport(logger),
	}
}

// Transport returns an http.Transport tuned for crawl fan-out, with a proxy
// policy suitable for outbound calls.
func Transport(logger logging.Logger) *http.Transport {
	policy := newProxyPolicy(logger)

	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return &http.Transport{Proxy: policy.proxyFor}
	}

	transport := base.Clone()
	transport.Proxy = policy.proxyFor
	transport.MaxIdleConns = maxIdleConns
	transport.MaxIdleConnsPerHost = maxIdleConnsPerHost
	transport.IdleConnTimeout = idleConnTimeout
	return transport
}
