// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package engine implements the authorization pipeline: stanza match,
// decode, replay check, policy re-validation, and grant installation
// (spec.md §4.5). It is the single place all the other packages are
// wired together.
package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	kerrors "grimm.is/knockd/internal/errors"
	"grimm.is/knockd/internal/firewall"
	"grimm.is/knockd/internal/logging"
	"grimm.is/knockd/internal/metrics"
	"grimm.is/knockd/internal/policy"
	"grimm.is/knockd/internal/replay"
	"grimm.is/knockd/internal/spa"
)

// Engine owns the five-step authorization pipeline.
type Engine struct {
	policy  *policy.Policy
	decoder spa.Decoder
	store   replay.Store
	fw      *firewall.Driver
	log     *logging.Logger
	metrics *metrics.Registry

	// DefaultChain names the chain binding every grant is installed
	// into; neither access requests nor stanzas select a chain.
	DefaultChain string
}

// New builds an Engine from its already-constructed dependencies.
func New(pol *policy.Policy, decoder spa.Decoder, store replay.Store, fw *firewall.Driver, log *logging.Logger, m *metrics.Registry, defaultChain string) *Engine {
	return &Engine{policy: pol, decoder: decoder, store: store, fw: fw, log: log, metrics: m, DefaultChain: defaultChain}
}

// Process runs one candidate through the full pipeline. It never
// returns an error the caller should propagate to a client, because
// knockd never replies; every outcome is logged and/or counted and
// the return value only tells the caller (almost always just a test)
// what happened.
func (e *Engine) Process(ctx context.Context, c spa.Candidate) error {
	// reqID correlates every log line this candidate produces across
	// the pipeline, since a dropped packet never gets a reply a
	// client could use to find the matching cache entry.
	reqID := uuid.New().String()

	if e.metrics != nil {
		e.metrics.PacketsCaptured.Inc()
	}

	stanza := e.policy.MatchSource(c.SrcIP)
	if stanza == nil {
		e.deny(kerrors.KindPolicyNoMatch, reqID, c, "no stanza matches source %v", c.SrcIP)
		return kerrors.Errorf(kerrors.KindPolicyNoMatch, "no stanza matches source %v", c.SrcIP)
	}

	rec, digest, err := e.decoder.Decode(c.Payload, stanza)
	if err != nil {
		e.deny(kerrors.GetKind(err), reqID, c, "decode failed: %v", err)
		return err
	}
	if e.metrics != nil {
		e.metrics.PacketsDecoded.Inc()
	}

	status, prior, err := e.store.CheckAndRecord(digest, replay.Context{
		Proto:     c.Proto,
		SrcIP:     c.SrcIP.String(),
		SrcPort:   c.SrcPort,
		DstIP:     c.DstIP.String(),
		DstPort:   c.DstPort,
		FirstSeen: c.CapturedAt,
	})
	if err != nil {
		// CACHE_IO on the hot path is logged and the packet dropped;
		// only a startup-time cache failure is fatal (spec.md §7).
		e.log.Warn("engine[%s]: replay cache error for %v: %v", reqID, c.SrcIP, err)
		return err
	}
	if status == replay.Replayed {
		if e.metrics != nil {
			e.metrics.PacketsReplayed.Inc()
		}
		e.log.WarnAttrs(map[string]any{
			"req_id":          reqID,
			"src_ip":          c.SrcIP.String(),
			"first_seen_unix": prior.FirstSeen.Unix(),
			"first_seen_src":  prior.SrcIP,
		}, "engine: replayed digest from %v", c.SrcIP)
		return kerrors.New(kerrors.KindReplay, "digest already accepted")
	}

	decision, err := stanza.Evaluate(rec, c.SrcIP)
	if err != nil {
		e.deny(kerrors.GetKind(err), reqID, c, "policy denied: %v", err)
		return err
	}

	return e.grant(ctx, reqID, c, decision)
}

func (e *Engine) grant(ctx context.Context, reqID string, c spa.Candidate, decision policy.Decision) error {
	expiry := time.Now().Add(decision.Timeout)
	for _, access := range decision.Granted {
		g := firewall.Grant{
			Chain:    e.DefaultChain,
			Proto:    access.Proto,
			ClientIP: c.SrcIP.String(),
			Port:     access.Port,
			Expiry:   expiry,
		}
		if err := e.fw.InstallGrant(ctx, g); err != nil {
			e.log.Error("engine[%s]: failed to install grant for %v port %d/%s: %v", reqID, c.SrcIP, access.Port, access.Proto, err)
			return err
		}
		e.log.Info("engine[%s]: granted %s/%d to %v until %s", reqID, access.Proto, access.Port, c.SrcIP, expiry.Format(time.RFC3339))
	}
	return nil
}

// deny logs and counts a dropped candidate. Severity follows spec.md
// §4.5/§7: no-stanza-match and malformed payloads are routine traffic
// (INFO), while decode/crypto failures and policy-level timestamp
// rejections are WARN since they indicate either an attack attempt or
// a misconfigured client.
func (e *Engine) deny(kind kerrors.Kind, reqID string, c spa.Candidate, format string, args ...any) {
	if e.metrics != nil {
		e.metrics.PacketsDenied.WithLabelValues(kind.String()).Inc()
	}

	logf := append([]any{reqID}, args...)
	switch kind {
	case kerrors.KindDecodeMalformed, kerrors.KindDecryptFailed, kerrors.KindHMACMismatch,
		kerrors.KindVersionUnsupported, kerrors.KindTimestampOutOfWindow, kerrors.KindPolicyTimestamp:
		e.log.Warn("engine[%s]: "+format, logf...)
	default:
		e.log.Info("engine[%s]: "+format, logf...)
	}
}

// Reap delegates one expiry sweep to the firewall driver. Exposed so
// the control plane's main loop can drive it on its own ticker
// without reaching into the driver directly.
func (e *Engine) Reap(ctx context.Context, now time.Time) {
	e.fw.Reap(ctx, now)
}
