package db

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const testRunID = "8d6f3c1e-0000-4000-8000-000000000001"

// openTestDB is a helper that creates and returns a temporary database
func openTestDB(t *testing.T) *DB {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")
	db, err := Open(dbPath, testRunID)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestDB_OpenAndClose(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := Open(dbPath, testRunID)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
	if db.RunID() != testRunID {
		t.Errorf("Expected run ID %q, got %q", testRunID, db.RunID())
	}

	if err := db.Close(); err != nil {
		t.Errorf("Failed to close database: %v", err)
	}
}

func TestDB_WALMode(t *testing.T) {
	db := openTestDB(t)

	var journalMode string
	if err := db.conn.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("Failed to query journal mode: %v", err)
	}

	if journalMode != "wal" {
		t.Errorf("Expected WAL journal mode, got '%v'", journalMode)
	}
}

func TestDB_TablesAndIndexesCreated(t *testing.T) {
	db := openTestDB(t)

	objects := map[string][]string{
		"table": {"tunnel_events", "health_checks", "monitor_events"},
		"index": {
			"idx_tunnel_events_timestamp",
			"idx_tunnel_events_run",
			"idx_health_checks_timestamp",
			"idx_monitor_events_timestamp",
		},
	}

	for kind, names := range objects {
		for _, name := range names {
			var count int
			err := db.conn.QueryRow(`
				SELECT COUNT(*) FROM sqlite_master
				WHERE type=? AND name=?
			`, kind, name).Scan(&count)
			if err != nil {
				t.Fatalf("Failed to check for %s '%s': %v", kind, name, err)
			}
			if count != 1 {
				t.Errorf("Expected %s '%s' to exist", kind, name)
			}
		}
	}
}

func TestDB_LogTunnelEvent(t *testing.T) {
	db := openTestDB(t)

	if err := db.LogTunnelEvent("user@203.0.113.10", "start", "PID: 4242"); err != nil {
		t.Fatalf("Failed to log tunnel event: %v", err)
	}

	events, err := db.GetRecentTunnelEvents(10)
	if err != nil {
		t.Fatalf("Failed to get tunnel events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(events))
	}

	e := events[0]
	if e.RunID != testRunID {
		t.Errorf("Expected run_id '%s', got '%s'", testRunID, e.RunID)
	}
	if e.Tunnel != "user@203.0.113.10" {
		t.Errorf("Expected tunnel 'user@203.0.113.10', got '%s'", e.Tunnel)
	}
	if e.EventType != "start" {
		t.Errorf("Expected event_type 'start', got '%s'", e.EventType)
	}
	if e.Details != "PID: 4242" {
		t.Errorf("Expected details 'PID: 4242', got '%s'", e.Details)
	}
	if time.Since(e.Timestamp) > time.Minute {
		t.Errorf("Expected a recent timestamp, got %v", e.Timestamp)
	}
}

func TestDB_GetRecentTunnelEvents_OrderAndLimit(t *testing.T) {
	db := openTestDB(t)

	for _, eventType := range []string{"start", "start_failed", "stop", "start"} {
		if err := db.LogTunnelEvent("t", eventType, ""); err != nil {
			t.Fatalf("Failed to log: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	events, err := db.GetRecentTunnelEvents(3)
	if err != nil {
		t.Fatalf("Failed to get tunnel events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(events))
	}

	// Newest first
	want := []string{"start", "stop", "start_failed"}
	for i, eventType := range want {
		if events[i].EventType != eventType {
			t.Errorf("Expected event %d to be '%s', got '%s'", i, eventType, events[i].EventType)
		}
	}
}

func TestDB_LogHealthCheck(t *testing.T) {
	db := openTestDB(t)

	latency := 40 * time.Millisecond
	checks := []HealthCheck{
		{Source: "sampler", PortOK: false, Reachable: true, ProxyOK: true, Alive: true, Latency: &latency},
		{Source: "supervisor", PortOK: false, Reachable: false, ProxyOK: false, Alive: false},
	}
	for _, c := range checks {
		if err := db.LogHealthCheck(c); err != nil {
			t.Fatalf("Failed to log health check: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	got, err := db.GetRecentHealthChecks(10)
	if err != nil {
		t.Fatalf("Failed to get health checks: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 health checks, got %d", len(got))
	}

	dead, alive := got[0], got[1]
	if dead.Source != "supervisor" || dead.Alive || dead.Latency != nil {
		t.Errorf("Unexpected dead verdict: %+v", dead)
	}
	if alive.Source != "sampler" || !alive.Alive || alive.PortOK || !alive.Reachable || !alive.ProxyOK {
		t.Errorf("Unexpected alive verdict: %+v", alive)
	}
	if alive.Latency == nil || *alive.Latency != latency {
		t.Errorf("Expected latency %v, got %v", latency, alive.Latency)
	}
	if alive.RunID != testRunID {
		t.Errorf("Expected run_id '%s', got '%s'", testRunID, alive.RunID)
	}
}

func TestDB_LogMonitorEvent(t *testing.T) {
	db := openTestDB(t)

	if err := db.LogMonitorEvent("monitor_start", "check_interval=30s"); err != nil {
		t.Fatalf("Failed to log monitor event: %v", err)
	}
	if err := db.LogMonitorEvent("monitor_stop", "interrupted"); err != nil {
		t.Fatalf("Failed to log monitor event: %v", err)
	}

	events, err := db.GetRecentMonitorEvents(10)
	if err != nil {
		t.Fatalf("Failed to get monitor events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(events))
	}
	if events[0].EventType != "monitor_stop" {
		t.Errorf("Expected newest event 'monitor_stop', got '%s'", events[0].EventType)
	}
}

func TestDB_RunsAreSeparated(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	first, err := Open(dbPath, "run-1")
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	first.LogTunnelEvent("t", "start", "")
	first.Close()

	second, err := Open(dbPath, "run-2")
	if err != nil {
		t.Fatalf("Failed to reopen database: %v", err)
	}
	defer second.Close()
	second.LogTunnelEvent("t", "start", "")

	events, err := second.GetRecentTunnelEvents(10)
	if err != nil {
		t.Fatalf("Failed to get tunnel events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("Expected events from both runs, got %d", len(events))
	}
	runs := map[string]bool{}
	for _, e := range events {
		runs[e.RunID] = true
	}
	if !runs["run-1"] || !runs["run-2"] {
		t.Errorf("Expected both run IDs, got %v", runs)
	}
}

func TestDB_Flush(t *testing.T) {
	db := openTestDB(t)

	if err := db.LogMonitorEvent("test", ""); err != nil {
		t.Fatalf("Failed to log: %v", err)
	}

	if err := db.Flush(); err != nil {
		t.Errorf("Flush() error = %v", err)
	}
}

func TestDB_Flush_NilConn(t *testing.T) {
	db := &DB{conn: nil}

	if err := db.Flush(); err != nil {
		t.Errorf("Flush() on nil conn error = %v", err)
	}
}

func TestDB_Close_NilConn(t *testing.T) {
	db := &DB{conn: nil}

	if err := db.Close(); err != nil {
		t.Errorf("Close() on nil conn error = %v", err)
	}
}

func TestDB_Open_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "nested", "subdir", "test.db")

	db, err := Open(dbPath, testRunID)
	if err != nil {
		t.Fatalf("Failed to open database with nested path: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created in nested directory")
	}
}
