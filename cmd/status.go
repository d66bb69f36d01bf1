package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"go.olrik.dev/sockswatch/internal/core"
	"go.olrik.dev/sockswatch/internal/metrics"
	"go.olrik.dev/sockswatch/internal/probe"
)

func NewStatusCommand() *cobra.Command {
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the recorded tunnel metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			snap, err := metrics.Load(cfg.MetricsFile)
			if err != nil {
				return fmt.Errorf("no metrics available: %w", err)
			}

			format, _ := cmd.Flags().GetString("format")
			switch format {
			case "text":
				portOpen := probe.TCPPortChecker{}.IsOpen(context.Background(), "127.0.0.1", cfg.LocalPort, cfg.PingTimeout)
				fmt.Print(formatStatus(cfg, snap, portOpen, time.Now()))
			case "json":
				data, err := metrics.Marshal(snap)
				if err != nil {
					return err
				}
				fmt.Fprintln(os.Stdout, string(data))
			default:
				return fmt.Errorf("unknown format %q", format)
			}
			return nil
		},
	}
	statusCmd.Flags().StringP("format", "F", "text", "Format to use (text/json)")

	return statusCmd
}

// formatStatus renders a metrics snapshot for humans.
func formatStatus(cfg core.Config, snap metrics.Snapshot, portOpen bool, now time.Time) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Tunnel: %s -> 127.0.0.1:%d\n", cfg.Target(), cfg.LocalPort)

	state := "closed"
	if portOpen {
		state = "open"
	}
	fmt.Fprintf(&b, "  SOCKS port:            %s\n", state)

	fmt.Fprintf(&b, "  Started:               %s\n", snap.StartTime.Format(time.DateTime))
	if snap.EndTime != nil {
		fmt.Fprintf(&b, "  Ended:                 %s (ran %s)\n",
			snap.EndTime.Format(time.DateTime), snap.EndTime.Sub(snap.StartTime).Round(time.Second))
	} else {
		fmt.Fprintf(&b, "  Running for:           %s\n", now.Sub(snap.StartTime).Round(time.Second))
	}

	fmt.Fprintf(&b, "  Healthy uptime:        %s\n", snap.Uptime.Round(time.Second))
	fmt.Fprintf(&b, "  Reconnect attempts:    %d\n", snap.ReconnectAttempts)
	fmt.Fprintf(&b, "  Successful reconnects: %d\n", snap.SuccessfulReconnects)

	if snap.LastLatency != nil {
		fmt.Fprintf(&b, "  Last latency:          %s\n", snap.LastLatency.Round(time.Microsecond*100))
	} else {
		fmt.Fprintf(&b, "  Last latency:          unreachable\n")
	}

	return b.String()
}
