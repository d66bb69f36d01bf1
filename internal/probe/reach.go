package probe

import (
	"context"
	"log/slog"
	"time"

	probing "github.com/prometheus-community/pro-bing"
)

// ICMPReacher sends a single echo request per probe.
type ICMPReacher struct {
	// Privileged selects raw ICMP sockets. Unprivileged mode uses datagram
	// ICMP sockets, which on Linux requires net.ipv4.ping_group_range to
	// cover the running group.
	Privileged bool
}

// Reach pings host once. Any setup error, timeout or missing reply counts as
// unreachable.
func (r ICMPReacher) Reach(ctx context.Context, host string, timeout time.Duration) Reachability {
	pinger, err := probing.NewPinger(host)
	if err != nil {
		slog.Debug("Ping setup failed", "host", host, "error", err)
		return Reachability{}
	}
	pinger.Count = 1
	pinger.Timeout = timeout
	pinger.SetPrivileged(r.Privileged)

	// Stop the pinger early when the caller gives up
	stop := context.AfterFunc(ctx, pinger.Stop)
	defer stop()

	if err := pinger.Run(); err != nil {
		slog.Debug("Ping failed", "host", host, "error", err)
		return Reachability{}
	}

	stats := pinger.Statistics()
	if stats.PacketsRecv == 0 {
		return Reachability{}
	}
	return Reachability{Reachable: true, Latency: stats.AvgRtt}
}
