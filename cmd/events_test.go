package cmd

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.olrik.dev/sockswatch/internal/db"
)

func TestPrintEvents(t *testing.T) {
	journal, err := db.Open(filepath.Join(t.TempDir(), "events.db"), "run-1")
	if err != nil {
		t.Fatalf("Failed to open journal: %v", err)
	}
	defer journal.Close()

	latency := 15 * time.Millisecond
	if err := journal.LogTunnelEvent("alice@vps", "start", "pid 4242"); err != nil {
		t.Fatal(err)
	}
	if err := journal.LogHealthCheck(db.HealthCheck{Source: "sampler", PortOK: true, Reachable: true, Alive: true, Latency: &latency}); err != nil {
		t.Fatal(err)
	}
	if err := journal.LogMonitorEvent("monitor_start", "alice@vps"); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		kind string
		want []string
	}{
		{"tunnel", []string{"start", "alice@vps", "pid 4242"}},
		{"health", []string{"sampler", "alive", "port=ok", "reach=ok", "proxy=fail", "latency=15ms"}},
		{"monitor", []string{"monitor_start", "alice@vps"}},
	}

	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			var buf bytes.Buffer
			if err := printEvents(&buf, journal, tt.kind, 10); err != nil {
				t.Fatalf("printEvents failed: %v", err)
			}
			for _, want := range tt.want {
				if !strings.Contains(buf.String(), want) {
					t.Errorf("Expected output to contain %q, got: %q", want, buf.String())
				}
			}
		})
	}

	var buf bytes.Buffer
	if err := printEvents(&buf, journal, "bogus", 10); err == nil {
		t.Error("Expected error for unknown kind")
	}
}

func TestFormatHealthCheck_NoLatency(t *testing.T) {
	got := formatHealthCheck(db.HealthCheck{Source: "supervisor", Timestamp: time.Now()})
	if !strings.Contains(got, "dead") || !strings.Contains(got, "latency=-") {
		t.Errorf("Expected dead verdict without latency, got: %q", got)
	}
}
