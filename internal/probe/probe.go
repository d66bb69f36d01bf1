// Package probe implements the independent health signals used to judge a
// SOCKS tunnel: the local listener, reachability of the remote host and a
// request routed through the proxy. Probes never return errors; a failing
// signal is a normal false result.
package probe

import (
	"context"
	"time"
)

// Kind identifies a probe.
type Kind string

const (
	KindPort         Kind = "port"
	KindReachability Kind = "reachability"
	KindProxyHTTP    Kind = "proxy_http"
)

// Result is the outcome of one probe in one evaluation cycle.
type Result struct {
	Kind       Kind
	Passed     bool
	Latency    time.Duration // Only meaningful when HasLatency is set
	HasLatency bool
}

// Reachability is the outcome of a reachability probe.
type Reachability struct {
	Reachable bool
	Latency   time.Duration // Round-trip time, zero when unreachable
}

// PortChecker reports whether a TCP port accepts connections.
type PortChecker interface {
	IsOpen(ctx context.Context, host string, port int, timeout time.Duration) bool
}

// Reacher measures round-trip latency to a host.
type Reacher interface {
	Reach(ctx context.Context, host string, timeout time.Duration) Reachability
}

// ProxyChecker issues a request through the local SOCKS endpoint.
type ProxyChecker interface {
	CheckProxy(ctx context.Context, localPort int, targetURL string, timeout time.Duration) bool
}
