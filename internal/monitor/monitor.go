// Package monitor runs the sampler and supervisor loops around one tunnel.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.olrik.dev/sockswatch/internal/core"
	"go.olrik.dev/sockswatch/internal/db"
	"go.olrik.dev/sockswatch/internal/health"
	"go.olrik.dev/sockswatch/internal/metrics"
	"go.olrik.dev/sockswatch/internal/notify"
	"go.olrik.dev/sockswatch/internal/probe"
	"go.olrik.dev/sockswatch/internal/tunnel"
)

// DefaultRetryBackoff is the pause after a failed restart.
const DefaultRetryBackoff = 10 * time.Second

const (
	sourceSampler    = "sampler"
	sourceSupervisor = "supervisor"
)

// Evaluator judges tunnel health.
type Evaluator interface {
	Evaluate(ctx context.Context, cfg core.Config) health.Verdict
}

// Tunnel is the process lifecycle the supervisor loop drives.
type Tunnel interface {
	Start(ctx context.Context) (tunnel.Handle, error)
	Stop()
}

// Journal records verdicts and monitor lifecycle events.
type Journal interface {
	LogHealthCheck(c db.HealthCheck) error
	LogMonitorEvent(eventType, details string) error
}

// Monitor owns the run of one tunnel supervisor process.
type Monitor struct {
	cfg       core.Config
	evaluator Evaluator
	tunnel    Tunnel
	store     *metrics.Store

	Notifier     notify.Notifier
	Journal      Journal // optional
	RetryBackoff time.Duration

	shutdownOnce sync.Once
}

// New creates a monitor. Notifications are discarded until Notifier is set.
func New(cfg core.Config, evaluator Evaluator, t Tunnel, store *metrics.Store) *Monitor {
	return &Monitor{
		cfg:          cfg,
		evaluator:    evaluator,
		tunnel:       t,
		store:        store,
		Notifier:     notify.Discard{},
		RetryBackoff: DefaultRetryBackoff,
	}
}

// Run starts the tunnel and supervises it until ctx is cancelled. It returns
// an error only when the very first start fails.
func (m *Monitor) Run(ctx context.Context) error {
	slog.Info("Starting SSH tunnel monitor",
		"target", m.cfg.Target(),
		"local_port", m.cfg.LocalPort,
		"check_interval", m.cfg.CheckInterval)
	m.Notifier.Notify("SSH tunnel monitor started")
	m.journalEvent("monitor_start", fmt.Sprintf("target=%s local_port=%d", m.cfg.Target(), m.cfg.LocalPort))

	if _, err := m.tunnel.Start(ctx); err != nil {
		slog.Error("Initial tunnel start failed. Exiting...", "error", err)
		m.store.MarkEnded()
		if perr := m.store.Persist(); perr != nil {
			slog.Error("Failed to save metrics", "error", perr)
		}
		m.Notifier.Notify("SSH tunnel failed to start")
		m.journalEvent("monitor_exit", err.Error())
		return fmt.Errorf("initial tunnel start failed: %w", err)
	}

	stopServer := m.serveMetrics()
	defer stopServer()

	if m.cfg.Path != "" && core.ConfigExists(m.cfg.Path) {
		err := core.WatchConfig(ctx, m.cfg.Path, func() {
			slog.Warn("Configuration file changed; restart sockswatch to apply it", "path", m.cfg.Path)
		})
		if err != nil {
			slog.Warn("Failed to watch configuration file", "path", m.cfg.Path, "error", err)
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.samplerLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		m.supervisorLoop(ctx)
	}()

	<-ctx.Done()
	wg.Wait()

	m.Shutdown()
	return nil
}

// Shutdown stops the tunnel and writes the final metrics. Only the first call
// has an effect.
func (m *Monitor) Shutdown() {
	m.shutdownOnce.Do(func() {
		slog.Info("Stopping SSH tunnel monitor")
		m.tunnel.Stop()
		m.store.MarkEnded()
		if err := m.store.Persist(); err != nil {
			slog.Error("Failed to save metrics", "error", err)
		}
		m.Notifier.Notify("SSH tunnel monitor stopped")
		m.journalEvent("monitor_stop", "")
	})
}

// samplerLoop accumulates uptime and persists metrics on every tick.
func (m *Monitor) samplerLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		m.sample(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Monitor) sample(ctx context.Context) {
	v := m.evaluator.Evaluate(ctx, m.cfg)
	if ctx.Err() != nil {
		return
	}
	m.journalVerdict(sourceSampler, v)

	if v.Alive {
		m.store.AddUptime(m.cfg.CheckInterval)
	}
	if err := m.store.Persist(); err != nil {
		slog.Error("Failed to save metrics", "error", err)
	}
}

// supervisorLoop restarts the tunnel whenever the quorum fails.
func (m *Monitor) supervisorLoop(ctx context.Context) {
	for {
		wait := m.cfg.CheckInterval
		if !m.supervise(ctx) {
			wait = m.retryBackoff()
		}

		if !sleep(ctx, wait) {
			return
		}
	}
}

// supervise runs one evaluation and restarts the tunnel if needed. It returns
// false when a restart was attempted and failed.
func (m *Monitor) supervise(ctx context.Context) bool {
	v := m.evaluator.Evaluate(ctx, m.cfg)
	if ctx.Err() != nil {
		return true
	}
	m.journalVerdict(sourceSupervisor, v)

	if v.Alive {
		slog.Info("SSH tunnel is alive")
		return true
	}

	slog.Warn("SSH tunnel is down, attempting to reconnect...")
	m.store.IncReconnectAttempts()
	m.tunnel.Stop()

	if _, err := m.tunnel.Start(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return true
		}
		slog.Error(fmt.Sprintf("Failed to reconnect, retrying in %v", m.retryBackoff()), "error", err)
		return false
	}

	slog.Info("SSH tunnel reconnected successfully")
	m.Notifier.Notify("SSH tunnel reconnected")
	return true
}

func (m *Monitor) retryBackoff() time.Duration {
	if m.RetryBackoff <= 0 {
		return DefaultRetryBackoff
	}
	return m.RetryBackoff
}

// sleep waits for d or until ctx is cancelled. It reports whether the full
// duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// serveMetrics exposes the store on /metrics when configured. The returned
// func shuts the server down.
func (m *Monitor) serveMetrics() func() {
	if m.cfg.MetricsListen == "" {
		return func() {}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(metrics.NewCollector(m.store))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              m.cfg.MetricsListen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("Serving Prometheus metrics", "addr", m.cfg.MetricsListen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server failed", "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}
}

func (m *Monitor) journalVerdict(source string, v health.Verdict) {
	if m.Journal == nil {
		return
	}

	c := db.HealthCheck{Source: source, Alive: v.Alive}
	for _, r := range v.Probes {
		switch r.Kind {
		case probe.KindPort:
			c.PortOK = r.Passed
		case probe.KindReachability:
			c.Reachable = r.Passed
			if r.HasLatency {
				latency := r.Latency
				c.Latency = &latency
			}
		case probe.KindProxyHTTP:
			c.ProxyOK = r.Passed
		}
	}

	if err := m.Journal.LogHealthCheck(c); err != nil {
		slog.Error("Failed to log health check", "error", err)
	}
}

func (m *Monitor) journalEvent(eventType, details string) {
	if m.Journal == nil {
		return
	}
	if err := m.Journal.LogMonitorEvent(eventType, details); err != nil {
		slog.Error("Failed to log monitor event", "event", eventType, "error", err)
	}
}
