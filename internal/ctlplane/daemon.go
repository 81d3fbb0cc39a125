// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ctlplane

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"grimm.is/knockd/internal/engine"
	"grimm.is/knockd/internal/logging"
	"grimm.is/knockd/internal/spa"
)

// candidateSource is the subset of *capture.Source the daemon loop
// needs, narrowed to an interface so it can be driven by a fake in
// tests without a real pcap handle.
type candidateSource interface {
	Run(ctx context.Context)
	Candidates() <-chan spa.Candidate
}

// Daemon runs the single-threaded cooperative event loop: one select
// over the capture channel, the expiry ticker, and the signal channel
// (spec.md §5 Concurrency Model). There is no worker pool — the
// authorization pipeline runs to completion for each candidate before
// the loop looks at the next source of work.
type Daemon struct {
	Engine         *engine.Engine
	Source         candidateSource
	ExpireInterval time.Duration
	Log            *logging.Logger

	// PacketLimit stops the loop after this many candidates have been
	// handed to Engine.Process (-C); zero means unbounded.
	PacketLimit int

	// ReloadFunc is invoked on SIGHUP; it must not touch the firewall
	// driver's installed rules (spec.md §5: reload re-reads the access
	// policy, it does not reinitialize chain topology).
	ReloadFunc func() error
}

// Run blocks until ctx is cancelled or a fatal signal triggers
// shutdown. It never returns an error on a packet-level failure —
// those are handled entirely inside Engine.Process.
func (d *Daemon) Run(ctx context.Context) error {
	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	captureCtx, cancelCapture := context.WithCancel(ctx)
	defer cancelCapture()
	go d.Source.Run(captureCtx)

	ticker := time.NewTicker(d.ExpireInterval)
	defer ticker.Stop()

	processed := 0
	for {
		select {
		case <-ctx.Done():
			return nil

		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				d.Log.Info("ctlplane: SIGHUP received, reloading configuration")
				if d.ReloadFunc != nil {
					if err := d.ReloadFunc(); err != nil {
						d.Log.Error("ctlplane: reload failed: %v", err)
					}
				}
			default:
				d.Log.Info("ctlplane: received %v, shutting down", sig)
				return nil
			}

		case now := <-ticker.C:
			d.Engine.Reap(ctx, now)

		case c, ok := <-d.Source.Candidates():
			if !ok {
				d.Log.Warn("ctlplane: capture source closed unexpectedly")
				return nil
			}
			if err := d.Engine.Process(ctx, c); err != nil {
				d.Log.Debug("ctlplane: candidate from %v dropped: %v", c.SrcIP, err)
			}
			processed++
			if d.PacketLimit > 0 && processed >= d.PacketLimit {
				d.Log.Info("ctlplane: packet limit %d reached, shutting down", d.PacketLimit)
				return nil
			}
		}
	}
}
