package probe

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/net/proxy"
)

// maxBodyDrain bounds how much of the response body is read before closing.
const maxBodyDrain = 64 << 10

// SOCKSProxyChecker fetches a URL through the local SOCKS5 endpoint.
type SOCKSProxyChecker struct {
	UserAgent string
}

// CheckProxy issues exactly one GET through socks5://127.0.0.1:localPort.
// Any completed HTTP exchange counts as success, whatever the status code;
// the tunnel carried the traffic either way.
func (c SOCKSProxyChecker) CheckProxy(ctx context.Context, localPort int, targetURL string, timeout time.Duration) bool {
	proxyAddr := net.JoinHostPort("127.0.0.1", strconv.Itoa(localPort))

	dialer, err := proxy.SOCKS5("tcp", proxyAddr, nil, &net.Dialer{Timeout: timeout})
	if err != nil {
		slog.Debug("Failed to build SOCKS5 dialer", "proxy", proxyAddr, "error", err)
		return false
	}
	contextDialer, ok := dialer.(proxy.ContextDialer)
	if !ok {
		slog.Debug("SOCKS5 dialer does not support contexts", "proxy", proxyAddr)
		return false
	}

	client := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext:       contextDialer.DialContext,
			DisableKeepAlives: true,
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		slog.Debug("Invalid proxy test URL", "url", targetURL, "error", err)
		return false
	}
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}

	resp, err := client.Do(req)
	if err != nil {
		slog.Debug("Request through proxy failed", "proxy", proxyAddr, "url", targetURL, "error", err)
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyDrain))

	return true
}
