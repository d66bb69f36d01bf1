package cmd

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"go.olrik.dev/sockswatch/internal/db"
)

func NewEventsCommand() *cobra.Command {
	eventsCmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent entries from the event journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.EventsDB == "" {
				return fmt.Errorf("event journal is disabled (events_db is empty)")
			}
			if _, err := os.Stat(cfg.EventsDB); err != nil {
				return fmt.Errorf("no event journal at %s", cfg.EventsDB)
			}

			journal, err := db.Open(cfg.EventsDB, "")
			if err != nil {
				return err
			}
			defer journal.Close()

			limit, _ := cmd.Flags().GetInt("limit")
			kind, _ := cmd.Flags().GetString("kind")

			return printEvents(os.Stdout, journal, kind, limit)
		},
	}
	eventsCmd.Flags().IntP("limit", "n", 20, "Number of entries to show")
	eventsCmd.Flags().StringP("kind", "k", "tunnel", "Journal to show (tunnel/health/monitor)")

	return eventsCmd
}

func printEvents(w io.Writer, journal *db.DB, kind string, limit int) error {
	switch kind {
	case "tunnel":
		events, err := journal.GetRecentTunnelEvents(limit)
		if err != nil {
			return fmt.Errorf("failed to read tunnel events: %w", err)
		}
		for _, e := range events {
			fmt.Fprintf(w, "%s  %-13s %s %s\n", e.Timestamp.Local().Format(time.DateTime), e.EventType, e.Tunnel, e.Details)
		}

	case "health":
		checks, err := journal.GetRecentHealthChecks(limit)
		if err != nil {
			return fmt.Errorf("failed to read health checks: %w", err)
		}
		for _, c := range checks {
			fmt.Fprintln(w, formatHealthCheck(c))
		}

	case "monitor":
		events, err := journal.GetRecentMonitorEvents(limit)
		if err != nil {
			return fmt.Errorf("failed to read monitor events: %w", err)
		}
		for _, e := range events {
			fmt.Fprintf(w, "%s  %-13s %s\n", e.Timestamp.Local().Format(time.DateTime), e.EventType, e.Details)
		}

	default:
		return fmt.Errorf("unknown kind %q", kind)
	}
	return nil
}

func formatHealthCheck(c db.HealthCheck) string {
	verdict := "dead"
	if c.Alive {
		verdict = "alive"
	}
	latency := "-"
	if c.Latency != nil {
		latency = c.Latency.Round(100 * time.Microsecond).String()
	}
	return fmt.Sprintf("%s  %-10s %-5s port=%s reach=%s proxy=%s latency=%s",
		c.Timestamp.Local().Format(time.DateTime), c.Source, verdict,
		mark(c.PortOK), mark(c.Reachable), mark(c.ProxyOK), latency)
}

func mark(ok bool) string {
	if ok {
		return "ok"
	}
	return "fail"
}
