package httpclient

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/AeyeOps/sitesync/internal/logging"
)

const proxyModeEnv = "SITESYNC_PROXY_MODE"

// proxyDialTimeout bounds the reachability probe; a proxy that cannot accept
// a TCP connection this fast is treated as down.
const proxyDialTimeout = 300 * time.Millisecond

type proxyMode uint8

const (
	proxyModeAuto proxyMode = iota
	proxyModeStrict
	proxyModeDirect
)

func parseProxyMode(value string) proxyMode {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "strict":
		return proxyModeStrict
	case "direct", "none", "off":
		return proxyModeDirect
	default:
		return proxyModeAuto
	}
}

// proxyPolicy decides per request whether to honor the environment's proxy
// settings. In auto mode an environment-configured loopback proxy is probed
// once and bypassed when unreachable, so a stale local proxy setting does
// not stall an entire crawl. Probe results are cached per proxy URL for the
// lifetime of the client.
type proxyPolicy struct {
	mode   proxyMode
	logger logging.Logger

	bypass sync.Map // proxy URL -> bool; true means bypass
	warned sync.Map // proxy URL -> struct{}
}

func newProxyPolicy(logger logging.Logger) *proxyPolicy {
	return &proxyPolicy{
		mode:   parseProxyMode(os.Getenv(proxyModeEnv)),
		logger: logging.OrNop(logger),
	}
}

func (p *proxyPolicy) proxyFor(req *http.Request) (*url.URL, error) {
	switch p.mode {
	case proxyModeDirect:
		return nil, nil
	case proxyModeStrict:
		return http.ProxyFromEnvironment(req)
	}

	if req == nil || req.URL == nil {
		return http.ProxyFromEnvironment(req)
	}

	// Loopback targets never go through a proxy.
	if isLoopbackHost(req.URL.Hostname()) {
		return nil, nil
	}

	proxyURL, err := http.ProxyFromEnvironment(req)
	if proxyURL == nil || err != nil {
		return proxyURL, err
	}
	if !isLoopbackHost(proxyURL.Hostname()) {
		return proxyURL, nil
	}

	hostPort, ok := proxyHostPort(proxyURL)
	if !ok {
		return proxyURL, nil
	}

	cacheKey := proxyURL.String()
	if bypass, ok := p.bypass.Load(cacheKey); ok {
		if bypass.(bool) {
			p.warnBypassed(cacheKey)
			return nil, nil
		}
		return proxyURL, nil
	}

	if isProxyReachable(req.Context(), hostPort) {
		p.bypass.Store(cacheKey, false)
		return proxyURL, nil
	}

	p.bypass.Store(cacheKey, true)
	p.warnBypassed(cacheKey)
	return nil, nil
}

// warnBypassed logs the bypass once per proxy URL.
func (p *proxyPolicy) warnBypassed(proxyURL string) {
	if _, loaded := p.warned.LoadOrStore(proxyURL, struct{}{}); loaded {
		return
	}
	redacted := proxyURL
	if parsed, err := url.Parse(proxyURL); err == nil {
		redacted = parsed.Redacted()
	}
	p.logger.Warn("Local proxy %s is unreachable; bypassing proxy for outbound HTTP requests (set %s=strict to disable).", redacted, proxyModeEnv)
}

func isLoopbackHost(host string) bool {
	host = strings.TrimSpace(host)
	if host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsUnspecified()
}

func proxyHostPort(proxyURL *url.URL) (string, bool) {
	if proxyURL == nil {
		return "", false
	}

	host := strings.TrimSpace(proxyURL.Hostname())
	if host == "" {
		return "", false
	}

	port := strings.TrimSpace(proxyURL.Port())
	if port == "" {
		scheme := strings.ToLower(strings.TrimSpace(proxyURL.Scheme))
		if scheme == "" {
			scheme = "http"
		}
		switch scheme {
		case "http":
			port = "80"
		case "https":
			port = "443"
		case "socks5", "socks5h":
			port = "1080"
		default:
			return "", false
		}
	}

	return net.JoinHostPort(host, port), true
}

func isProxyReachable(ctx context.Context, hostPort string) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	dialer := net.Dialer{Timeout: proxyDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", hostPort)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
