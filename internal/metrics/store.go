// Package metrics holds the tunnel counters shared by the sampler and
// supervisor loops and writes them to a JSON file.
package metrics

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Snapshot is a consistent copy of the tunnel metrics.
type Snapshot struct {
	StartTime            time.Time
	Uptime               time.Duration
	ReconnectAttempts    int
	SuccessfulReconnects int
	LastLatency          *time.Duration // nil when the last reachability probe failed
	EndTime              *time.Time     // set once at shutdown
}

// Delta describes a single mutation applied atomically by Record.
type Delta struct {
	Uptime               time.Duration
	ReconnectAttempts    int
	SuccessfulReconnects int
	Latency              *time.Duration
	ClearLatency         bool
}

// fileFormat is the persisted schema.
type fileFormat struct {
	StartTime            time.Time  `json:"start_time"`
	UptimeSeconds        float64    `json:"uptime_seconds"`
	ReconnectAttempts    int        `json:"reconnect_attempts"`
	SuccessfulReconnects int        `json:"successful_reconnects"`
	LastLatency          *float64   `json:"last_latency"`
	EndTime              *time.Time `json:"end_time,omitempty"`
}

// Store is the single owner of the tunnel metrics. All methods are safe for
// concurrent use.
type Store struct {
	path string

	mu   sync.Mutex
	snap Snapshot

	// persistMu serializes writers of the temp file.
	persistMu sync.Mutex
}

// NewStore creates a store that persists to path, with the start time set to now.
func NewStore(path string) *Store {
	return &Store{
		path: path,
		snap: Snapshot{StartTime: time.Now()},
	}
}

// Path returns the file the store persists to.
func (s *Store) Path() string {
	return s.path
}

// Record applies d under the store lock.
func (s *Store) Record(d Delta) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d.Uptime > 0 {
		s.snap.Uptime += d.Uptime
	}
	if d.ReconnectAttempts > 0 {
		s.snap.ReconnectAttempts += d.ReconnectAttempts
	}
	if d.SuccessfulReconnects > 0 {
		s.snap.SuccessfulReconnects += d.SuccessfulReconnects
	}
	switch {
	case d.Latency != nil:
		latency := *d.Latency
		s.snap.LastLatency = &latency
	case d.ClearLatency:
		s.snap.LastLatency = nil
	}
}

func (s *Store) AddUptime(d time.Duration) { s.Record(Delta{Uptime: d}) }

func (s *Store) IncReconnectAttempts() { s.Record(Delta{ReconnectAttempts: 1}) }

func (s *Store) IncSuccessfulReconnects() { s.Record(Delta{SuccessfulReconnects: 1}) }

func (s *Store) SetLatency(d time.Duration) { s.Record(Delta{Latency: &d}) }

func (s *Store) ClearLatency() { s.Record(Delta{ClearLatency: true}) }

// MarkEnded records the end time. Only the first call has an effect.
func (s *Store) MarkEnded() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.snap.EndTime != nil {
		return
	}
	now := time.Now()
	s.snap.EndTime = &now
}

// Snapshot returns a copy of the current metrics.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snap
	if s.snap.LastLatency != nil {
		latency := *s.snap.LastLatency
		snap.LastLatency = &latency
	}
	if s.snap.EndTime != nil {
		end := *s.snap.EndTime
		snap.EndTime = &end
	}
	return snap
}

// Persist overwrites the metrics file with the current snapshot.
// Uses temp file + rename so readers never see a partial document.
func (s *Store) Persist() error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	data, err := Marshal(s.Snapshot())
	if err != nil {
		return err
	}

	tempPath := s.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write metrics temp file: %w", err)
	}

	if err := os.Rename(tempPath, s.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename metrics file: %w", err)
	}

	return nil
}

// Marshal encodes a snapshot in the persisted schema.
func Marshal(snap Snapshot) ([]byte, error) {
	ff := fileFormat{
		StartTime:            snap.StartTime,
		UptimeSeconds:        snap.Uptime.Seconds(),
		ReconnectAttempts:    snap.ReconnectAttempts,
		SuccessfulReconnects: snap.SuccessfulReconnects,
		EndTime:              snap.EndTime,
	}
	if snap.LastLatency != nil {
		secs := snap.LastLatency.Seconds()
		ff.LastLatency = &secs
	}

	data, err := json.MarshalIndent(ff, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metrics: %w", err)
	}
	return data, nil
}

// Load reads a metrics file written by Persist.
func Load(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to read metrics file: %w", err)
	}

	var ff fileFormat
	if err := json.Unmarshal(data, &ff); err != nil {
		return Snapshot{}, fmt.Errorf("failed to parse metrics file: %w", err)
	}

	snap := Snapshot{
		StartTime:            ff.StartTime,
		Uptime:               seconds(ff.UptimeSeconds),
		ReconnectAttempts:    ff.ReconnectAttempts,
		SuccessfulReconnects: ff.SuccessfulReconnects,
		EndTime:              ff.EndTime,
	}
	if ff.LastLatency != nil {
		latency := seconds(*ff.LastLatency)
		snap.LastLatency = &latency
	}
	return snap, nil
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}
