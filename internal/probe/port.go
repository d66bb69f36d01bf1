package probe

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"time"
)

// TCPPortChecker checks a port with a plain TCP handshake.
type TCPPortChecker struct{}

// IsOpen returns true only when a connection to host:port is established
// within timeout. The connection is closed immediately.
func (TCPPortChecker) IsOpen(ctx context.Context, host string, port int, timeout time.Duration) bool {
	dialer := net.Dialer{Timeout: timeout}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		slog.Debug("Port check failed", "addr", addr, "error", err)
		return false
	}
	conn.Close()
	return true
}
