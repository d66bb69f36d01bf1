// Package health combines the tunnel probes into a single alive/dead verdict.
package health

import (
	"context"
	"log/slog"
	"time"

	"go.olrik.dev/sockswatch/internal/core"
	"go.olrik.dev/sockswatch/internal/probe"
)

// DefaultQuorum is the number of passing probes needed for a healthy tunnel.
const DefaultQuorum = 2

// LatencyRecorder receives the outcome of every reachability probe.
type LatencyRecorder interface {
	SetLatency(d time.Duration)
	ClearLatency()
}

// Verdict is the outcome of one evaluation.
type Verdict struct {
	Alive  bool
	Probes []probe.Result // Port, Reachability, ProxyHTTP
}

// Passed returns how many probes passed.
func (v Verdict) Passed() int {
	n := 0
	for _, r := range v.Probes {
		if r.Passed {
			n++
		}
	}
	return n
}

// Result returns the result for kind, if present.
func (v Verdict) Result(kind probe.Kind) (probe.Result, bool) {
	for _, r := range v.Probes {
		if r.Kind == kind {
			return r, true
		}
	}
	return probe.Result{}, false
}

// Evaluator runs the three probes and applies the quorum rule.
type Evaluator struct {
	Port    probe.PortChecker
	Reach   probe.Reacher
	Proxy   probe.ProxyChecker
	Latency LatencyRecorder // optional

	// Quorum defaults to DefaultQuorum when zero.
	Quorum int
}

// NewEvaluator returns an evaluator using the real network probes.
func NewEvaluator(cfg core.Config, latency LatencyRecorder) *Evaluator {
	return &Evaluator{
		Port:    probe.TCPPortChecker{},
		Reach:   probe.ICMPReacher{Privileged: cfg.PingPrivileged},
		Proxy:   probe.SOCKSProxyChecker{UserAgent: core.UserAgent()},
		Latency: latency,
		Quorum:  DefaultQuorum,
	}
}

// Evaluate runs all three probes, in order, regardless of earlier results.
// The reachability latency is recorded on every call unless ctx was cancelled
// before the ping finished.
func (e *Evaluator) Evaluate(ctx context.Context, cfg core.Config) Verdict {
	portOpen := e.Port.IsOpen(ctx, "127.0.0.1", cfg.LocalPort, cfg.PingTimeout)

	reach := e.Reach.Reach(ctx, cfg.RemoteHost, cfg.PingTimeout)
	// A ping cut short by cancellation says nothing about the host
	if e.Latency != nil && ctx.Err() == nil {
		if reach.Reachable {
			e.Latency.SetLatency(reach.Latency)
		} else {
			e.Latency.ClearLatency()
		}
	}

	proxyOK := e.Proxy.CheckProxy(ctx, cfg.LocalPort, cfg.TestURL, cfg.ProxyTimeout)

	v := Verdict{
		Probes: []probe.Result{
			{Kind: probe.KindPort, Passed: portOpen},
			{Kind: probe.KindReachability, Passed: reach.Reachable, Latency: reach.Latency, HasLatency: reach.Reachable},
			{Kind: probe.KindProxyHTTP, Passed: proxyOK},
		},
	}
	v.Alive = v.Passed() >= e.quorum()

	slog.Info("Health check",
		"port", portOpen,
		"reachable", reach.Reachable,
		"proxy", proxyOK,
		"alive", v.Alive)

	return v
}

func (e *Evaluator) quorum() int {
	if e.Quorum <= 0 {
		return DefaultQuorum
	}
	return e.Quorum
}
