package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite database connection and provides logging methods.
// Every row is stamped with the run ID the database was opened with.
type DB struct {
	conn  *sql.DB
	path  string
	runID string
}

// Open opens or creates the SQLite database at the specified path
func Open(path, runID string) (*DB, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// The sampler and supervisor loops write concurrently
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	db := &DB{
		conn:  conn,
		path:  path,
		runID: runID,
	}

	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// RunID returns the run ID stamped on rows written through this handle.
func (db *DB) RunID() string {
	return db.runID
}

// Close closes the database connection
func (db *DB) Close() error {
	if db.conn != nil {
		// Checkpoint the WAL to ensure all data is written to the main database file
		db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		return db.conn.Close()
	}
	return nil
}

// Flush forces a WAL checkpoint to write pending changes to the main database file
func (db *DB) Flush() error {
	if db.conn != nil {
		_, err := db.conn.Exec("PRAGMA wal_checkpoint(RESTART)")
		return err
	}
	return nil
}

func (db *DB) initSchema() error {
	schema := `
	-- Tunnel lifecycle events
	CREATE TABLE IF NOT EXISTS tunnel_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		tunnel TEXT NOT NULL,
		event_type TEXT NOT NULL,
		details TEXT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Health verdicts from the sampler and supervisor loops
	CREATE TABLE IF NOT EXISTS health_checks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		source TEXT NOT NULL,
		port_ok INTEGER NOT NULL,
		reachable INTEGER NOT NULL,
		proxy_ok INTEGER NOT NULL,
		alive INTEGER NOT NULL,
		latency_seconds REAL,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Monitor lifecycle events
	CREATE TABLE IF NOT EXISTS monitor_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		details TEXT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_tunnel_events_timestamp ON tunnel_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_tunnel_events_run ON tunnel_events(run_id);
	CREATE INDEX IF NOT EXISTS idx_health_checks_timestamp ON health_checks(timestamp);
	CREATE INDEX IF NOT EXISTS idx_monitor_events_timestamp ON monitor_events(timestamp);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// execWithRetry retries briefly if the database is locked (3 attempts, 5ms between).
// This is best-effort - logging must never stall the supervision loops.
func (db *DB) execWithRetry(query string, args ...any) error {
	maxRetries := 3
	for i := 0; i < maxRetries; i++ {
		_, err := db.conn.Exec(query, args...)
		if err == nil {
			return nil
		}
		if strings.Contains(err.Error(), "database is locked") || strings.Contains(err.Error(), "SQLITE_BUSY") {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		return err
	}
	return fmt.Errorf("failed to write after %d retries: database locked", maxRetries)
}

// TunnelEvent represents a tunnel lifecycle event
type TunnelEvent struct {
	ID        int64
	RunID     string
	Tunnel    string
	EventType string
	Details   string
	Timestamp time.Time
}

// LogTunnelEvent logs a tunnel lifecycle event to the database
func (db *DB) LogTunnelEvent(tunnel, eventType, details string) error {
	return db.execWithRetry(
		`INSERT INTO tunnel_events (run_id, tunnel, event_type, details, timestamp)
		 VALUES (?, ?, ?, ?, ?)`,
		db.runID, tunnel, eventType, details, time.Now(),
	)
}

// HealthCheck is one recorded health verdict.
type HealthCheck struct {
	ID        int64
	RunID     string
	Source    string
	PortOK    bool
	Reachable bool
	ProxyOK   bool
	Alive     bool
	Latency   *time.Duration
	Timestamp time.Time
}

// LogHealthCheck records a verdict. RunID, ID and Timestamp of c are ignored.
func (db *DB) LogHealthCheck(c HealthCheck) error {
	var latency sql.NullFloat64
	if c.Latency != nil {
		latency = sql.NullFloat64{Float64: c.Latency.Seconds(), Valid: true}
	}
	return db.execWithRetry(
		`INSERT INTO health_checks (run_id, source, port_ok, reachable, proxy_ok, alive, latency_seconds, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		db.runID, c.Source, c.PortOK, c.Reachable, c.ProxyOK, c.Alive, latency, time.Now(),
	)
}

// MonitorEvent represents a monitor lifecycle event
type MonitorEvent struct {
	ID        int64
	RunID     string
	EventType string
	Details   string
	Timestamp time.Time
}

// LogMonitorEvent logs a monitor lifecycle event to the database
func (db *DB) LogMonitorEvent(eventType, details string) error {
	return db.execWithRetry(
		`INSERT INTO monitor_events (run_id, event_type, details, timestamp)
		 VALUES (?, ?, ?, ?)`,
		db.runID, eventType, details, time.Now(),
	)
}

// GetRecentTunnelEvents retrieves recent tunnel events
func (db *DB) GetRecentTunnelEvents(limit int) ([]TunnelEvent, error) {
	rows, err := db.conn.Query(
		`SELECT id, run_id, tunnel, event_type, details, timestamp
		 FROM tunnel_events
		 ORDER BY timestamp DESC, id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []TunnelEvent
	for rows.Next() {
		var e TunnelEvent
		if err := rows.Scan(&e.ID, &e.RunID, &e.Tunnel, &e.EventType, &e.Details, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetRecentHealthChecks retrieves recent health verdicts
func (db *DB) GetRecentHealthChecks(limit int) ([]HealthCheck, error) {
	rows, err := db.conn.Query(
		`SELECT id, run_id, source, port_ok, reachable, proxy_ok, alive, latency_seconds, timestamp
		 FROM health_checks
		 ORDER BY timestamp DESC, id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var checks []HealthCheck
	for rows.Next() {
		var c HealthCheck
		var latency sql.NullFloat64
		if err := rows.Scan(&c.ID, &c.RunID, &c.Source, &c.PortOK, &c.Reachable, &c.ProxyOK, &c.Alive, &latency, &c.Timestamp); err != nil {
			return nil, err
		}
		if latency.Valid {
			d := time.Duration(latency.Float64 * float64(time.Second))
			c.Latency = &d
		}
		checks = append(checks, c)
	}
	return checks, rows.Err()
}

// GetRecentMonitorEvents retrieves recent monitor events
func (db *DB) GetRecentMonitorEvents(limit int) ([]MonitorEvent, error) {
	rows, err := db.conn.Query(
		`SELECT id, run_id, event_type, details, timestamp
		 FROM monitor_events
		 ORDER BY timestamp DESC, id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []MonitorEvent
	for rows.Next() {
		var e MonitorEvent
		if err := rows.Scan(&e.ID, &e.RunID, &e.EventType, &e.Details, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
